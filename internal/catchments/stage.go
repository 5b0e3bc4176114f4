package catchments

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

// Stage polygonizes the branch reach-catchment labeling and records any
// catchment whose geometry collapsed.
type Stage struct {
	rasters *rasterio.Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewStage(rasters *rasterio.Cache, metrics *observability.Metrics, logger *slog.Logger) *Stage {
	return &Stage{rasters: rasters, metrics: metrics, logger: logger}
}

func (s *Stage) Name() string { return "polygonize" }

func (s *Stage) Run(ctx context.Context, b domain.Branch) error {
	labels, err := s.rasters.IntGrid(b.RasterPath(domain.RasterReachCatch))
	if err != nil {
		return fmt.Errorf("read reach catchments: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	polys, degen := Polygonize(labels)
	if len(polys) == 0 {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "no catchments in reach labeling"}
	}
	if err := shpfile.WriteCatchmentPolygons(b.VectorPath(domain.VectorCatchPoly), polys); err != nil {
		return err
	}

	records := make([]hydrotable.DegenerateRecord, 0, len(degen))
	dropped := 0
	for _, d := range degen {
		dropped += d.PartsDropped
		records = append(records, hydrotable.DegenerateRecord{
			HydroID:      d.HydroID,
			PartsDropped: d.PartsDropped,
			PartsKept:    d.PartsKept,
			Reason:       d.Reason,
		})
	}
	if err := hydrotable.WriteDegenerate(b.TablePath(domain.TableDegenerate), records); err != nil {
		return err
	}
	s.metrics.CatchmentsPolygonized.Add(float64(len(polys)))
	s.metrics.DegenerateParts.Add(float64(dropped))

	s.logger.Info("catchments polygonized",
		"branch", b.ID,
		"catchments", len(polys),
		"degenerate", len(degen))
	return nil
}
