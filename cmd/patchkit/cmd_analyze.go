package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/detector"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/tier"
)

// analyzeOutput analyze 命令输出
type analyzeOutput struct {
	Input         string                  `json:"input"`
	PatternSource string                  `json:"pattern_source"`
	Detection     *domain.DetectionResult `json:"detection"`
	Decision      domain.TierDecision     `json:"decision"`
}

func newAnalyzeCmd(opts *globalOptions) *cobra.Command {
	var tierFlag string

	cmd := &cobra.Command{
		Use:   "analyze <input>",
		Short: "Detect protection checks and report the tier that would be applied",
		Long: `Scan a bundle (extracted directory or zip) and print the detection
result and tier decision as JSON. Nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := domain.ParseTier(tierFlag)
			if err != nil {
				return err
			}
			e, err := opts.load()
			if err != nil {
				return err
			}

			b, err := bundle.Open(args[0])
			if err != nil {
				return withExitCode(1, err)
			}

			det := detector.NewDetector(e.cfg.Pipeline.Workers, e.logger)
			result, err := det.Detect(cmd.Context(), b, e.registry.Indicators())
			if err != nil {
				var be *domain.BundleError
				if errors.As(err, &be) {
					return withExitCode(1, err)
				}
				return fmt.Errorf("detection: %w", err)
			}

			return printJSON(cmd.OutOrStdout(), analyzeOutput{
				Input:         args[0],
				PatternSource: e.registry.Source(),
				Detection:     result,
				Decision:      tier.Decide(result, e.cfg.Tiers, override),
			})
		},
	}

	cmd.Flags().StringVar(&tierFlag, "tier", "auto", "Tier override: basic, standard, advanced or auto")
	return cmd
}
