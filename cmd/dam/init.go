package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SolshineCode/DAM/internal/tokenizer"
	"github.com/SolshineCode/DAM/pkg/model"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a randomly initialized plain model directory",
	Long: `init builds a plain model from an architecture config and saves it,
optionally with a word-level tokenizer built from --vocab. Useful for
pipeline experiments when no real source checkpoints are at hand.`,
	RunE: runInit,
}

func init() {
	f := initCmd.Flags()
	f.String("config", "", "architecture config JSON")
	f.String("output", "plain-model", "directory for the new model")
	f.String("vocab", "", "comma-separated words for a bundled tokenizer (optional)")
	initCmd.MarkFlagRequired("config")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	outDir, _ := cmd.Flags().GetString("output")
	vocab, _ := cmd.Flags().GetString("vocab")

	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	m, err := model.NewPlain(cfg)
	if err != nil {
		return err
	}
	if err := m.Save(outDir); err != nil {
		return err
	}

	if vocab != "" {
		tok := tokenizer.New(strings.Split(vocab, ","), true)
		if tok.VocabSize() > cfg.VocabSize {
			return fmt.Errorf("tokenizer needs %d vocab slots but config allows %d", tok.VocabSize(), cfg.VocabSize)
		}
		if err := tok.Save(outDir); err != nil {
			return err
		}
	}
	log.Printf("initialized plain model in %s", outDir)
	return nil
}
