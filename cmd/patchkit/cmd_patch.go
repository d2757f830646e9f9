package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patchkit/internal/domain"
	"github.com/apk-analysis/apk-patchkit/internal/repository"
	"github.com/apk-analysis/apk-patchkit/internal/worker"
)

// exitRunFailed 运行进入 failed 状态
const exitRunFailed = 2

func newPatchCmd(opts *globalOptions) *cobra.Command {
	var (
		tierFlag string
		out      string
		repack   string
		sign     bool
	)

	cmd := &cobra.Command{
		Use:   "patch <input>",
		Short: "Run the full detect, patch and verify pipeline",
		Long: `Run the full pipeline on a bundle and write the patched tree plus
report.json to --out. Per-file patch failures are reported but do not change
the exit status; a run that ends in the failed state exits with status 2.
An --out directory that already holds report.json from an earlier run is
refused, so each report describes exactly the tree written beside it.

Examples:
  patchkit patch app.apk --out ./patched
  patchkit patch ./extracted --tier advanced --out ./patched --repack app-patched.apk --sign`,
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

			orch := worker.NewOrchestrator(e.registry, e.cfg, e.logger)
			if e.cfg.Database.Enabled {
				db, err := repository.InitDB(&e.cfg.Database, e.logger)
				if err != nil {
					return err
				}
				if sqlDB, err := db.DB(); err == nil {
					defer sqlDB.Close()
				}
				orch.SetRunRepository(repository.NewRunRepository(db, e.logger))
			}

			rep, runErr := orch.Run(cmd.Context(), worker.RunRequest{
				InputPath:  args[0],
				Override:   override,
				OutputDir:  out,
				RepackPath: repack,
				Sign:       sign,
			})

			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if runErr != nil {
				e.logger.WithError(runErr).WithFields(logrus.Fields{
					"run_id": rep.RunID,
					"state":  rep.State,
				}).Error("Run failed")
				return withExitCode(exitRunFailed, runErr)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&tierFlag, "tier", "auto", "Tier: basic, standard, advanced or auto")
	f.StringVarP(&out, "out", "o", "", "Output directory for the patched tree and report.json")
	f.StringVar(&repack, "repack", "", "Also write the patched bundle as a zip to this path")
	f.BoolVar(&sign, "sign", false, "Sign the repackaged zip with the configured signer")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
