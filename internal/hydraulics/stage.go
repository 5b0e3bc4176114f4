package hydraulics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
)

// Stage rates the branch: it samples the masked relative elevation
// surface over the stage ladder and writes the geometry columns of the
// synthetic rating curve to src_base.
type Stage struct {
	rasters *rasterio.Cache
	stages  []float64
	workers int
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewStage returns the rating stage. The ladder is shared by every
// branch of the run so hydro-tables line up row for row across
// catchments. workers bounds the per-catchment parallelism.
func NewStage(rasters *rasterio.Cache, stages []float64, workers int, metrics *observability.Metrics, logger *slog.Logger) *Stage {
	return &Stage{rasters: rasters, stages: stages, workers: workers, metrics: metrics, logger: logger}
}

func (s *Stage) Name() string { return stageName }

func (s *Stage) Run(ctx context.Context, b domain.Branch) error {
	if len(s.stages) == 0 {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "empty stage ladder"}
	}
	rem, err := s.rasters.Grid(b.RasterPath(domain.RasterREMMasked))
	if err != nil {
		return fmt.Errorf("read masked relative elevation: %w", err)
	}
	slope, err := s.rasters.Grid(b.RasterPath(domain.RasterSlope))
	if err != nil {
		return fmt.Errorf("read slopes: %w", err)
	}
	labels, err := s.rasters.IntGrid(b.RasterPath(domain.RasterReachCatch))
	if err != nil {
		return fmt.Errorf("read reach catchments: %w", err)
	}
	if err := rem.Align(
		[]string{domain.RasterSlope, domain.RasterReachCatch},
		slope.Frame, labels.Frame,
	); err != nil {
		return &domain.PreconditionError{Stage: s.Name(), Reason: err.Error()}
	}
	reaches, err := shpfile.ReadReaches(b.VectorPath(domain.VectorReaches))
	if err != nil {
		return fmt.Errorf("read reaches: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rows, excluded, err := Compute(ctx, rem, slope, labels, reaches, s.stages, s.workers)
	if err != nil {
		return err
	}
	for _, ex := range excluded {
		s.logger.Warn("catchment excluded from rating",
			"branch", b.ID,
			"hydro_id", ex.HydroID,
			"reason", ex.Reason)
	}
	if len(rows) == 0 {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "no rateable catchments"}
	}

	if err := hydrotable.WriteBase(b.TablePath(domain.TableSRCBase), rows); err != nil {
		return err
	}
	s.metrics.RatingRowsWritten.Add(float64(len(rows)))
	s.logger.Info("rating table computed",
		"branch", b.ID,
		"catchments", len(rows)/len(s.stages),
		"rows", len(rows),
		"excluded", len(excluded))
	return nil
}
