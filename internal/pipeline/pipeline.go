// Package pipeline sequences the branch stages and fans a watershed run
// out over its branches.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
)

// Stage is one step of branch processing. Stages read and write branch
// artifacts on disk; they carry no state between branches.
type Stage interface {
	Name() string
	Run(ctx context.Context, b domain.Branch) error
}

// Pipeline runs the branch stages in order. The first stage error aborts
// the branch; later stages never see partial output from a failed one.
type Pipeline struct {
	stages  []Stage
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Pipeline running the given stages in slice order.
func New(stages []Stage, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{stages: stages, logger: logger, metrics: metrics}
}

// Process runs every stage against one branch.
func (p *Pipeline) Process(ctx context.Context, b domain.Branch) error {
	start := time.Now()
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		stageStart := time.Now()
		if err := st.Run(ctx, b); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		elapsed := time.Since(stageStart)
		p.metrics.StageDuration.WithLabelValues(st.Name()).Observe(elapsed.Seconds())
		p.logger.Debug("stage complete",
			"huc", b.HUC,
			"branch", b.ID,
			"stage", st.Name(),
			"elapsed", elapsed.Round(time.Millisecond))
	}
	p.logger.Info("branch complete",
		"huc", b.HUC,
		"branch", b.ID,
		"stages", len(p.stages),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
