package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
)

// BranchPartitioner splits a watershed into branch working sets.
type BranchPartitioner interface {
	Partition(ctx context.Context, outputsDir, huc string) ([]domain.Branch, error)
}

// Progress is a snapshot of the active watershed run.
type Progress struct {
	HUC       string `json:"huc"`
	Total     int    `json:"total_branches"`
	Completed int    `json:"completed_branches"`
	Failed    int    `json:"failed_branches"`
	Running   bool   `json:"running"`
}

// BranchFailure pairs a branch with the stage error that stopped it.
type BranchFailure struct {
	BranchID string
	Err      error
}

// RunError reports the branches that failed during a watershed run.
// Successful siblings are unaffected and their output stands.
type RunError struct {
	HUC      string
	Total    int
	Failures []BranchFailure
}

func (e *RunError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.BranchID
	}
	return fmt.Sprintf("huc %s: %d of %d branches failed: %s",
		e.HUC, len(e.Failures), e.Total, strings.Join(ids, ", "))
}

// RunSummary is written beside the aggregate hydro-table after a run.
type RunSummary struct {
	HUC            string    `json:"huc"`
	ProcessedAt    time.Time `json:"processed_at"`
	Branches       int       `json:"branches"`
	Succeeded      int       `json:"succeeded"`
	Failed         []string  `json:"failed,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// Runner partitions a watershed and processes its branches in parallel.
// A branch failure never stops sibling branches; failures are collected
// and reported together after the run.
type Runner struct {
	partitioner BranchPartitioner
	pipeline    *Pipeline
	outputsDir  string
	jobs        int
	logger      *slog.Logger
	metrics     *observability.Metrics

	ready atomic.Bool

	mu       sync.Mutex
	progress Progress
}

// NewRunner creates a Runner. jobs bounds how many branches process at
// once; values below 1 run one branch at a time.
func NewRunner(partitioner BranchPartitioner, pipeline *Pipeline, outputsDir string, jobs int,
	logger *slog.Logger, metrics *observability.Metrics) *Runner {
	if jobs < 1 {
		jobs = 1
	}
	return &Runner{
		partitioner: partitioner,
		pipeline:    pipeline,
		outputsDir:  outputsDir,
		jobs:        jobs,
		logger:      logger,
		metrics:     metrics,
	}
}

// Run processes one watershed end to end: partition, branch stages in
// parallel, then the aggregate hydro-table and run summary. Failed
// branches are skipped by the aggregate and reported in the returned
// RunError.
func (r *Runner) Run(ctx context.Context, huc string) error {
	start := time.Now()
	r.metrics.PipelineRunning.Set(1)
	defer r.metrics.PipelineRunning.Set(0)

	branches, err := r.partitioner.Partition(ctx, r.outputsDir, huc)
	if err != nil {
		return fmt.Errorf("partition huc %s: %w", huc, err)
	}
	r.logger.Info("watershed partitioned", "huc", huc, "branches", len(branches), "jobs", r.jobs)

	r.setProgress(Progress{HUC: huc, Total: len(branches), Running: true})
	defer r.update(func(p *Progress) { p.Running = false })

	results := make([]error, len(branches))
	var g errgroup.Group
	g.SetLimit(r.jobs)
	for i, b := range branches {
		g.Go(func() error {
			err := r.pipeline.Process(ctx, b)
			results[i] = err
			switch {
			case err == nil:
				r.ready.Store(true)
				r.metrics.BranchesProcessed.Inc()
				r.update(func(p *Progress) { p.Completed++ })
			case isCancellation(err):
				// run teardown, not a branch defect
			default:
				r.logger.Error("branch failed", "huc", huc, "branch", b.ID, "error", err)
				r.metrics.BranchFailures.Inc()
				r.update(func(p *Progress) { p.Failed++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	var failures []BranchFailure
	var tables []string
	for i, b := range branches {
		switch err := results[i]; {
		case err == nil:
			tables = append(tables, b.TablePath(domain.TableHydro))
		case isCancellation(err):
		default:
			failures = append(failures, BranchFailure{BranchID: b.ID, Err: err})
		}
	}

	if err := ctx.Err(); err != nil {
		r.logger.Info("run cancelled", "huc", huc, "completed", len(tables))
		return err
	}

	aggPath := filepath.Join(r.outputsDir, huc, domain.AggregateHydroTable)
	if err := hydrotable.Aggregate(aggPath, tables); err != nil {
		return fmt.Errorf("aggregate hydro-tables: %w", err)
	}

	elapsed := time.Since(start)
	summary := RunSummary{
		HUC:            huc,
		ProcessedAt:    domain.Now().UTC(),
		Branches:       len(branches),
		Succeeded:      len(tables),
		ElapsedSeconds: elapsed.Seconds(),
	}
	for _, f := range failures {
		summary.Failed = append(summary.Failed, f.BranchID)
	}
	if err := writeSummary(filepath.Join(r.outputsDir, huc, domain.RunSummaryFile), summary); err != nil {
		return err
	}

	r.logger.Info("watershed run complete",
		"huc", huc,
		"branches", len(branches),
		"succeeded", len(tables),
		"failed", len(failures),
		"elapsed", elapsed.Round(time.Millisecond))

	if len(failures) > 0 {
		return &RunError{HUC: huc, Total: len(branches), Failures: failures}
	}
	return nil
}

// CheckReadiness reports ready once any branch has completed every stage.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no branch has finished processing yet")
	}
	return nil
}

// Progress returns a snapshot of the current run state.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Runner) setProgress(p Progress) {
	r.mu.Lock()
	r.progress = p
	r.mu.Unlock()
}

func (r *Runner) update(f func(*Progress)) {
	r.mu.Lock()
	f(&r.progress)
	r.mu.Unlock()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func writeSummary(path string, s RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	return nil
}
