package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	httpadapter "github.com/robgpita/inundation-mapping/internal/adapter/http"
	"github.com/robgpita/inundation-mapping/internal/config"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/partition"
	"github.com/robgpita/inundation-mapping/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <huc>",
		Short: "Process one watershed into branch rating curves",
		Long: `run partitions the watershed into branches, processes every branch
through the stage sequence in parallel, and aggregates the branch
hydro-tables. Branch failures are reported at the end and do not stop
sibling branches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, metrics, cache := runtimeFor(cfg)

			stages, err := branchStages(cfg, cache, metrics, logger)
			if err != nil {
				return err
			}
			part := partition.New(cfg.Workspace.Inputs, cfg.Partition.BufferM,
				cfg.Partition.BranchAttr, cache, logger)
			runner := pipeline.NewRunner(part, pipeline.New(stages, logger, metrics),
				cfg.Workspace.Outputs, cfg.Jobs, logger, metrics)

			var srv *httpadapter.Server
			if cfg.HTTP.Addr != "" {
				srv = httpadapter.NewServer(cfg.HTTP.Addr, runner, runner, logger)
				go func() {
					if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server error", "error", err)
					}
				}()
			}

			runErr := runner.Run(cmd.Context(), args[0])

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("http server shutdown error", "error", err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().String("http-addr", "", "progress/metrics server address (off when empty)")
	cmd.Flags().String("router-mode", "", "flow router implementation (d8|remote)")
	cmd.Flags().String("router-url", "", "remote flow router base URL")
	return cmd
}

func newBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch <huc> <branch-id>",
		Short: "Re-run the stage sequence for a single branch",
		Long: `branch runs the stage sequence over one already-partitioned branch.
Use it to retry a branch that failed during a watershed run without
repeating the partition or its siblings.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, metrics, cache := runtimeFor(cfg)

			b := domain.NewBranch(cfg.Workspace.Outputs, args[0], args[1])
			if _, err := os.Stat(b.Dir); err != nil {
				return fmt.Errorf("branch %s of huc %s is not partitioned yet: %w", b.ID, b.HUC, err)
			}

			stages, err := branchStages(cfg, cache, metrics, logger)
			if err != nil {
				return err
			}
			return pipeline.New(stages, logger, metrics).Process(cmd.Context(), b)
		},
	}

	cmd.Flags().String("router-mode", "", "flow router implementation (d8|remote)")
	cmd.Flags().String("router-url", "", "remote flow router base URL")
	return cmd
}
