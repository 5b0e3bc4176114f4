package flowrouter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Stage labels a branch twice: reach catchments from the reach split
// points, then pixel catchments from every stream cell.
type Stage struct {
	labeler Labeler
	mode    string
	rasters *rasterio.Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewStage wires the labeling stage. mode is recorded on router metrics
// ("d8" or "remote").
func NewStage(labeler Labeler, mode string, rasters *rasterio.Cache, metrics *observability.Metrics, logger *slog.Logger) *Stage {
	return &Stage{
		labeler: labeler,
		mode:    mode,
		rasters: rasters,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Stage) Name() string { return "label" }

func (s *Stage) Run(ctx context.Context, b domain.Branch) error {
	flowdir, err := s.rasters.IntGrid(b.RasterPath(domain.RasterFlowDir))
	if err != nil {
		return fmt.Errorf("read flow directions: %w", err)
	}
	flows, err := s.rasters.IntGrid(b.RasterPath(domain.RasterFlows))
	if err != nil {
		return fmt.Errorf("read stream mask: %w", err)
	}
	if err := flowdir.Align([]string{domain.RasterFlows}, flows.Frame); err != nil {
		return &domain.PreconditionError{Stage: s.Name(), Reason: err.Error()}
	}

	reachOutlets, err := shpfile.ReadPoints(b.VectorPath(domain.VectorReachPoints))
	if err != nil {
		return fmt.Errorf("read reach outlet points: %w", err)
	}
	reachLabels, err := s.label(ctx, flowdir, reachOutlets)
	if err != nil {
		return fmt.Errorf("label reach catchments: %w", err)
	}
	if err := rasterio.WriteIntGrid(b.RasterPath(domain.RasterReachCatch), reachLabels); err != nil {
		return err
	}

	pixelOutlets := StreamCellOutlets(flows)
	pixelLabels, err := s.label(ctx, flowdir, pixelOutlets)
	if err != nil {
		return fmt.Errorf("label pixel catchments: %w", err)
	}
	if err := rasterio.WriteIntGrid(b.RasterPath(domain.RasterPixelCatch), pixelLabels); err != nil {
		return err
	}

	s.logger.Info("branch labeled",
		"branch", b.ID,
		"reach_outlets", len(reachOutlets),
		"pixel_outlets", len(pixelOutlets))
	return nil
}

func (s *Stage) label(ctx context.Context, flowdir *raster.IntGrid, outlets []domain.OutletPoint) (*raster.IntGrid, error) {
	labels, err := s.labeler.Label(ctx, flowdir, outlets)
	if err != nil {
		s.metrics.RouterRequests.WithLabelValues(s.mode, "error").Inc()
		return nil, err
	}
	s.metrics.RouterRequests.WithLabelValues(s.mode, "ok").Inc()

	labeled := 0
	for _, v := range labels.Data {
		if v != labels.NoData {
			labeled++
		}
	}
	s.metrics.CellsLabeled.Add(float64(labeled))
	return labels, nil
}
