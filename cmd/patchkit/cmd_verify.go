package main

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/report"
	"github.com/apk-analysis/apk-patchkit/internal/verifier"
)

// errIntegrity 结构完整性检查未通过
var errIntegrity = errors.New("structural integrity check failed")

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "verify <patched-dir>",
		Short: "Re-run verification on a patched tree",
		Long: `Verify a patched tree against the report written by "patch". Exits 0
when the manifest is structurally intact, 1 otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}

			path := reportPath
			if path == "" {
				path = filepath.Join(args[0], report.FileName)
			}
			rep, err := report.Load(path)
			if err != nil {
				return err
			}

			b, err := bundle.ReadDir(args[0])
			if err != nil {
				return err
			}

			outcome := &domain.PatchOutcome{
				Records:  rep.PatchReport,
				Failures: rep.Failures,
			}
			if rep.Decision != nil {
				outcome.AppliedTier = rep.Decision.SelectedTier
			}

			v := verifier.NewVerifier(e.cfg.Verify, e.logger)
			res := v.Verify(b, rep.Detection, outcome)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.StructuralIntegrity {
				return withExitCode(1, errIntegrity)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reportPath, "report", "", "Report file (default: <patched-dir>/report.json)")
	return cmd
}
