package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
)

// PointSource supplies water-edge observations for a HUC.
type PointSource interface {
	PointsForHUC(ctx context.Context, huc string) ([]domain.WaterEdgePoint, error)
}

// Stage calibrates a branch that has already been rated and crosswalked.
// It runs from its own command rather than the branch pipeline:
// observations arrive on their own schedule, usually long after the
// watershed was processed. Running it with no observations reverts any
// previous calibration, so the hydro-table always reflects the current
// point set.
type Stage struct {
	rasters *rasterio.Cache
	points  PointSource
	engine  *Engine
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewStage(rasters *rasterio.Cache, points PointSource, engine *Engine, metrics *observability.Metrics, logger *slog.Logger) *Stage {
	return &Stage{rasters: rasters, points: points, engine: engine, metrics: metrics, logger: logger}
}

func (s *Stage) Name() string { return stageName }

func (s *Stage) Run(ctx context.Context, b domain.Branch) error {
	points, err := s.points.PointsForHUC(ctx, b.HUC)
	if err != nil {
		return fmt.Errorf("load calibration points: %w", err)
	}
	rows, err := hydrotable.ReadHydro(b.TablePath(domain.TableHydro), b.HUC, b.ID)
	if errors.Is(err, os.ErrNotExist) {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "hydro table missing, branch not yet processed"}
	}
	if err != nil {
		return fmt.Errorf("read hydro table: %w", err)
	}
	polys, err := shpfile.ReadCatchmentPolygons(b.VectorPath(domain.VectorCatchPoly))
	if err != nil {
		return fmt.Errorf("read catchment polygons: %w", err)
	}
	rem, err := s.rasters.Grid(b.RasterPath(domain.RasterREMMasked))
	if err != nil {
		return fmt.Errorf("read masked relative elevation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, recs := s.engine.Calibrate(rows, points, polys, rem)

	for _, sp := range observationSpread(recs) {
		s.logger.Debug("calibrated roughness spread",
			"branch", b.ID,
			"hydro_id", sp.hydroID,
			"points", sp.count,
			"mean_n", sp.mean,
			"stddev_n", sp.stdDev)
	}

	if err := hydrotable.WriteHydro(b.TablePath(domain.TableHydro), b.HUC, b.ID, out); err != nil {
		return err
	}
	if err := hydrotable.WriteSRCJSON(b.JSONPath(domain.TableSRCJSON), out); err != nil {
		return err
	}
	if err := hydrotable.WriteCalibrationPoints(b.TablePath(domain.TableCalibration), recs); err != nil {
		return err
	}

	used, calibrated, reverted := summarize(rows, out, recs)
	s.metrics.CalibrationPointsUsed.Add(float64(used))
	s.metrics.CalibrationPointsDrop.Add(float64(len(recs) - used))
	s.logger.Info("roughness calibration applied",
		"branch", b.ID,
		"points", len(points),
		"used", used,
		"catchments", calibrated,
		"reverted", reverted)
	return nil
}

// summarize counts accepted observations, calibrated catchments, and
// catchments reverted to the default curve.
func summarize(before, after []domain.RatingRow, recs []hydrotable.CalibrationRecord) (used, calibrated, reverted int) {
	for _, r := range recs {
		if r.Used {
			used++
		}
	}
	was := make(map[int]bool)
	for _, r := range before {
		if r.CalibApplied {
			was[r.HydroID] = true
		}
	}
	now := make(map[int]bool)
	for _, r := range after {
		if r.CalibApplied && !now[r.HydroID] {
			now[r.HydroID] = true
			calibrated++
		}
	}
	for id := range was {
		if !now[id] {
			reverted++
		}
	}
	return used, calibrated, reverted
}
