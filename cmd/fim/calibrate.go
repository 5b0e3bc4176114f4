package main

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/robgpita/inundation-mapping/internal/adapter/calibdb"
	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/calibration"
	"github.com/robgpita/inundation-mapping/internal/config"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/pipeline"
)

func newCalibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate <huc>",
		Short: "Calibrate branch roughness from observed water-edge points",
		Long: `calibrate loads water-edge observations for the watershed from the
points database, adjusts Manning roughness per catchment, rewrites the
branch hydro-tables, and refreshes the watershed aggregate. Running it
again after observations are withdrawn reverts the affected catchments
to their default curves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Calibration.DB == "" {
				return errors.New("calibration.db is required (set --calibration-db or FIM_CALIBRATION__DB)")
			}
			logger, metrics, cache := runtimeFor(cfg)
			huc := args[0]

			store, err := calibdb.Open(cfg.Calibration.DB)
			if err != nil {
				return fmt.Errorf("open calibration points db: %w", err)
			}
			defer store.Close()

			engine := &calibration.Engine{
				PropagateKM: cfg.Calibration.PropagateKM,
				MinPoints:   cfg.Calibration.MinPoints,
			}
			stage := calibration.NewStage(cache, store, engine, metrics, logger)

			ids, err := branchIDs(cfg.Workspace.Outputs, huc)
			if err != nil {
				return err
			}
			logger.Info("calibrating watershed", "huc", huc, "branches", len(ids), "db", cfg.Calibration.DB)

			ctx := cmd.Context()
			results := make([]error, len(ids))
			var g errgroup.Group
			g.SetLimit(cfg.Jobs)
			for i, id := range ids {
				g.Go(func() error {
					results[i] = stage.Run(ctx, domain.NewBranch(cfg.Workspace.Outputs, huc, id))
					return nil
				})
			}
			_ = g.Wait()
			if err := ctx.Err(); err != nil {
				return err
			}

			var failures []pipeline.BranchFailure
			var tables []string
			for i, id := range ids {
				if err := results[i]; err != nil {
					logger.Error("branch calibration failed", "huc", huc, "branch", id, "error", err)
					failures = append(failures, pipeline.BranchFailure{BranchID: id, Err: err})
				}
				b := domain.NewBranch(cfg.Workspace.Outputs, huc, id)
				if path := b.TablePath(domain.TableHydro); fileExists(path) {
					tables = append(tables, path)
				}
			}

			aggPath := filepath.Join(cfg.Workspace.Outputs, huc, domain.AggregateHydroTable)
			if err := hydrotable.Aggregate(aggPath, tables); err != nil {
				return fmt.Errorf("aggregate hydro-tables: %w", err)
			}

			logger.Info("calibration complete", "huc", huc, "branches", len(ids), "failed", len(failures))
			if len(failures) > 0 {
				return &pipeline.RunError{HUC: huc, Total: len(ids), Failures: failures}
			}
			return nil
		},
	}

	cmd.Flags().String("calibration-db", "", "SQLite water-edge points database")
	return cmd
}

// branchIDs lists partitioned branch directories, branch zero first and
// level paths ascending, matching the partitioner's processing order.
func branchIDs(outputsDir, huc string) ([]string, error) {
	entries, err := os.ReadDir(domain.BranchesDir(outputsDir, huc))
	if err != nil {
		return nil, fmt.Errorf("list branches for huc %s (run fim run first): %w", huc, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("huc %s has no partitioned branches", huc)
	}
	slices.SortFunc(ids, func(a, b string) int {
		na, errA := strconv.ParseInt(a, 10, 64)
		nb, errB := strconv.ParseInt(b, 10, 64)
		if errA == nil && errB == nil {
			return cmp.Compare(na, nb)
		}
		return strings.Compare(a, b)
	})
	return ids, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
