package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dam",
	Short: "Differentiable adaptive model merging",
	Long: `dam merges N pretrained models sharing one architecture into a single
model by learning per-layer channel-wise merger coefficients, trained via
top-K logit distillation against each source, then collapses the result
into a standalone dense model.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(inspectCmd)
}
