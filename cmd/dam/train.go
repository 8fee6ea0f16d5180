package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SolshineCode/DAM/internal/runlog"
	"github.com/SolshineCode/DAM/internal/tokenizer"
	"github.com/SolshineCode/DAM/pkg/distill"
	"github.com/SolshineCode/DAM/pkg/export"
	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/model"
	"github.com/SolshineCode/DAM/pkg/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train merger coefficients and export the collapsed model",
	Long: `train loads N plain source models, builds a merge-augmented copy,
trains its merger coefficients against recorded top-K teacher logits, then
collapses the learned merge into a standalone model directory.

Hyperparameters come from flags or from a config file (--config), flags
taking precedence.`,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringSlice("source", nil, "source model directory (repeat once per source)")
	f.String("batches", "", "JSON file of pre-tokenized batches with teacher records")
	f.String("output", "merged-model", "directory for the exported standalone model")
	f.String("runlog", "", "SQLite file for per-step metrics (optional)")
	f.String("config", "", "YAML/JSON config file with training hyperparameters")

	f.String("nonlinearity", "tanh", "merger nonlinearity: identity, tanh, sigmoid, relu")
	f.Float64("lr", 1e-3, "learning rate")
	f.Int("epochs", 1, "training epochs")
	f.Float64("max-grad-norm", 1.0, "gradient clipping threshold (<=0 disables)")
	f.Float64("temperature", 2.0, "distillation temperature")
	f.Bool("kl", true, "enable KL distillation")
	f.Bool("mse", false, "enable MSE distillation")
	f.Float64("similarity-coef", 0.01, "merger similarity penalty coefficient")
	f.Float64("l1-coef", 0, "L1 merger norm penalty coefficient")
	f.Float64("l2-coef", 0.01, "L2 merger norm penalty coefficient")

	trainCmd.MarkFlagRequired("source")
	trainCmd.MarkFlagRequired("batches")
}

// trainSettings resolves flag and config-file values, flags winning.
func trainSettings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return v, nil
}

func runTrain(cmd *cobra.Command, _ []string) error {
	v, err := trainSettings(cmd)
	if err != nil {
		return err
	}

	sourceDirs := v.GetStringSlice("source")
	if len(sourceDirs) == 0 {
		return fmt.Errorf("at least one --source is required")
	}

	sources := make([]*model.Model, 0, len(sourceDirs))
	for _, dir := range sourceDirs {
		m, err := model.Load(dir)
		if err != nil {
			return fmt.Errorf("loading source %s: %w", dir, err)
		}
		sources = append(sources, m)
	}
	log.Printf("loaded %d source models", len(sources))

	nonlin, err := merge.ParseNonlinearity(v.GetString("nonlinearity"))
	if err != nil {
		return err
	}
	merged, err := model.NewMerged(sources[0].Config, len(sources), nonlin)
	if err != nil {
		return err
	}
	if err := model.PopulateFromSources(merged, sources); err != nil {
		return err
	}

	batches, err := distill.LoadBatches(v.GetString("batches"))
	if err != nil {
		return err
	}
	log.Printf("loaded %d batches", len(batches))

	var store *runlog.Store
	if path := v.GetString("runlog"); path != "" {
		store, err = runlog.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	cfg := trainer.Config{
		LearningRate: v.GetFloat64("lr"),
		MaxGradNorm:  v.GetFloat64("max-grad-norm"),
		Epochs:       v.GetInt("epochs"),
		LogEvery:     10,
		Distill: distill.Config{
			Temperature:    v.GetFloat64("temperature"),
			UseKL:          v.GetBool("kl"),
			UseMSE:         v.GetBool("mse"),
			SimilarityCoef: v.GetFloat64("similarity-coef"),
			L1Coef:         v.GetFloat64("l1-coef"),
			L2Coef:         v.GetFloat64("l2-coef"),
		},
	}
	tr, err := trainer.New(merged, cfg, store)
	if err != nil {
		return err
	}
	runID, err := tr.Train(batches)
	if err != nil {
		return err
	}
	if runID != "" {
		log.Printf("run %s complete", runID)
	}

	fresh, err := export.PrepareFresh(merged)
	if err != nil {
		return err
	}
	// tokenizer files travel with the first source when present
	var tok export.TokenizerSaver
	if loaded, err := tokenizer.Load(sourceDirs[0]); err == nil {
		tok = loaded
	}
	outDir := v.GetString("output")
	if err := export.Export(merged, fresh, outDir, tok); err != nil {
		return err
	}
	log.Printf("exported standalone model to %s", outDir)
	return nil
}
