package rem

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/domain"
)

// Stage writes the branch relative elevation rasters: the raw surface and
// the zeroed, reach-masked surface the hydraulic engine samples.
type Stage struct {
	rasters *rasterio.Cache
	logger  *slog.Logger
}

func NewStage(rasters *rasterio.Cache, logger *slog.Logger) *Stage {
	return &Stage{rasters: rasters, logger: logger}
}

func (s *Stage) Name() string { return "rem" }

func (s *Stage) Run(ctx context.Context, b domain.Branch) error {
	dem, err := s.rasters.Grid(b.RasterPath(domain.RasterDEM))
	if err != nil {
		return fmt.Errorf("read dem: %w", err)
	}
	flows, err := s.rasters.IntGrid(b.RasterPath(domain.RasterFlows))
	if err != nil {
		return fmt.Errorf("read stream mask: %w", err)
	}
	pixels, err := s.rasters.IntGrid(b.RasterPath(domain.RasterPixelCatch))
	if err != nil {
		return fmt.Errorf("read pixel catchments: %w", err)
	}
	reaches, err := s.rasters.IntGrid(b.RasterPath(domain.RasterReachCatch))
	if err != nil {
		return fmt.Errorf("read reach catchments: %w", err)
	}
	if err := dem.Align(
		[]string{domain.RasterFlows, domain.RasterPixelCatch, domain.RasterReachCatch},
		flows.Frame, pixels.Frame, reaches.Frame,
	); err != nil {
		return &domain.PreconditionError{Stage: s.Name(), Reason: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	surface, err := Compute(dem, flows, pixels)
	if err != nil {
		return err
	}
	if err := rasterio.WriteGrid(b.RasterPath(domain.RasterREM), surface); err != nil {
		return err
	}

	masked := ZeroAndMask(surface, reaches)
	if err := rasterio.WriteGrid(b.RasterPath(domain.RasterREMMasked), masked); err != nil {
		return err
	}

	valid := 0
	for _, v := range masked.Data {
		if !masked.IsNoData(v) {
			valid++
		}
	}
	s.logger.Info("relative elevation computed",
		"branch", b.ID,
		"valid_cells", valid)
	return nil
}
