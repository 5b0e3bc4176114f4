// Command fim builds synthetic rating curves for flood inundation
// mapping: it partitions a watershed into branches, derives relative
// elevation and catchments per branch, rates catchments over a shared
// stage ladder, and crosswalks them onto the national flow network.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/catchments"
	"github.com/robgpita/inundation-mapping/internal/config"
	"github.com/robgpita/inundation-mapping/internal/crosswalk"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/flowrouter"
	"github.com/robgpita/inundation-mapping/internal/hydraulics"
	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/pipeline"
	"github.com/robgpita/inundation-mapping/internal/rem"
)

// Build information, set by the linker.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fim",
		Short: "Synthetic rating curve pipeline for flood inundation mapping",
		Long: `fim processes a watershed (HUC) into per-branch relative elevation
surfaces, catchment polygons, and synthetic rating curves, then
aggregates the branch hydro-tables into one watershed table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.String("inputs", "", "watershed inputs directory")
	pf.String("outputs", "", "pipeline outputs directory")
	pf.Int("jobs", 0, "concurrent branches (default: all CPUs)")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (json|text)")

	root.AddCommand(newRunCmd(), newBranchCmd(), newCalibrateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fim %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// runtimeFor builds the shared observability and raster plumbing.
func runtimeFor(cfg *config.Config) (*slog.Logger, *observability.Metrics, *rasterio.Cache) {
	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	metrics := observability.NewMetrics()
	cache := rasterio.NewCache(cfg.Raster.CacheEntries, metrics)
	return logger, metrics, cache
}

// branchStages assembles the per-branch stage sequence from config.
func branchStages(cfg *config.Config, cache *rasterio.Cache,
	metrics *observability.Metrics, logger *slog.Logger) ([]pipeline.Stage, error) {

	var labeler flowrouter.Labeler
	switch cfg.Router.Mode {
	case "remote":
		labeler = flowrouter.NewRemote(cfg.Router.URL, cfg.Router.Timeout, logger)
	default:
		labeler = flowrouter.NewD8()
	}

	engine := &crosswalk.Engine{
		MaxDistanceM: cfg.Crosswalk.MaxDistanceM,
		MinLengthKM:  cfg.Crosswalk.MinLengthKM,
		DefaultN:     cfg.Roughness.Default,
		NByOrder:     cfg.Roughness.ByOrder,
		ChannelN:     cfg.Roughness.ChannelN,
		OverbankN:    cfg.Roughness.OverbankN,
	}
	if cfg.Roughness.OverridesCSV != "" {
		overrides, err := hydrotable.ReadRoughnessOverrides(cfg.Roughness.OverridesCSV)
		if err != nil {
			return nil, fmt.Errorf("roughness overrides: %w", err)
		}
		engine.NOverrides = overrides
	}
	if cfg.Bankfull.FlowsCSV != "" {
		flows, err := hydrotable.ReadBankfullFlows(cfg.Bankfull.FlowsCSV)
		if err != nil {
			return nil, fmt.Errorf("bankfull flows: %w", err)
		}
		engine.BankfullFlows = flows
	} else {
		logger.Info("bankfull flows not configured, channel classification skipped")
	}

	ladder := domain.Stages(cfg.Stage.MinM, cfg.Stage.MaxM, cfg.Stage.IntervalM)

	return []pipeline.Stage{
		flowrouter.NewStage(labeler, cfg.Router.Mode, cache, metrics, logger),
		rem.NewStage(cache, logger),
		catchments.NewStage(cache, metrics, logger),
		hydraulics.NewStage(cache, ladder, cfg.Jobs, metrics, logger),
		crosswalk.NewStage(engine, metrics, logger),
	}, nil
}
