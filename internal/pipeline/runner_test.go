package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/pipeline"
)

type stubPartitioner struct {
	ids []string
	err error
}

func (s *stubPartitioner) Partition(_ context.Context, outputsDir, huc string) ([]domain.Branch, error) {
	if s.err != nil {
		return nil, s.err
	}
	branches := make([]domain.Branch, 0, len(s.ids))
	for _, id := range s.ids {
		b := domain.NewBranch(outputsDir, huc, id)
		if err := os.MkdirAll(b.Dir, 0o755); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, nil
}

// tableStage writes a minimal hydro-table, failing one chosen branch.
type tableStage struct {
	failBranch string
}

func (s *tableStage) Name() string { return "rating" }

func (s *tableStage) Run(_ context.Context, b domain.Branch) error {
	if b.ID == s.failBranch {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "label grid missing"}
	}
	row := domain.RatingRow{
		HydroID:    1,
		FeatureID:  948000001,
		NextDownID: domain.NoNextDown,
		Order:      1,
		LakeID:     domain.NoLake,
		Slope:      0.004,
		LengthKM:   0.5,
		ManningN:   0.06,
	}
	return hydrotable.WriteHydro(b.TablePath(domain.TableHydro), b.HUC, b.ID, []domain.RatingRow{row})
}

func newTestRunner(part pipeline.BranchPartitioner, outputs string, stages ...pipeline.Stage) *pipeline.Runner {
	p := pipeline.New(stages, testLogger(), observability.NewMetricsForTesting())
	return pipeline.NewRunner(part, p, outputs, 2, testLogger(), observability.NewMetricsForTesting())
}

func TestRunnerProcessesAllBranches(t *testing.T) {
	outputs := t.TempDir()
	r := newTestRunner(&stubPartitioner{ids: []string{"0", "1001", "1002"}}, outputs, &tableStage{})

	require.Error(t, r.CheckReadiness(context.Background()), "not ready before any branch completes")
	require.NoError(t, r.Run(context.Background(), "12090301"))
	assert.NoError(t, r.CheckReadiness(context.Background()))

	data, err := os.ReadFile(filepath.Join(outputs, "12090301", domain.AggregateHydroTable))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4, "header plus one row per branch")
	assert.True(t, strings.HasPrefix(lines[1], "12090301,0,"))
	assert.True(t, strings.HasPrefix(lines[2], "12090301,1001,"), "branch order follows the partitioner")
	assert.True(t, strings.HasPrefix(lines[3], "12090301,1002,"))

	p := r.Progress()
	assert.Equal(t, pipeline.Progress{HUC: "12090301", Total: 3, Completed: 3}, p)
}

func TestRunnerCollectsBranchFailures(t *testing.T) {
	outputs := t.TempDir()
	r := newTestRunner(&stubPartitioner{ids: []string{"0", "1001", "1002"}}, outputs, &tableStage{failBranch: "1001"})

	err := r.Run(context.Background(), "12090301")
	require.Error(t, err)

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	require.Len(t, runErr.Failures, 1)
	assert.Equal(t, "1001", runErr.Failures[0].BranchID)
	assert.Equal(t, "huc 12090301: 1 of 3 branches failed: 1001", runErr.Error())

	data, err := os.ReadFile(filepath.Join(outputs, "12090301", domain.AggregateHydroTable))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "12090301,0,")
	assert.Contains(t, text, "12090301,1002,")
	assert.NotContains(t, text, "12090301,1001,", "failed branch left out of the aggregate")

	var summary pipeline.RunSummary
	raw, err := os.ReadFile(filepath.Join(outputs, "12090301", domain.RunSummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 3, summary.Branches)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, []string{"1001"}, summary.Failed)

	p := r.Progress()
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 1, p.Failed)
}

func TestRunnerReportsPartitionError(t *testing.T) {
	r := newTestRunner(&stubPartitioner{err: errors.New("no branch polygons")}, t.TempDir(), &tableStage{})

	err := r.Run(context.Background(), "12090301")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition huc 12090301")
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	outputs := t.TempDir()
	r := newTestRunner(&stubPartitioner{ids: []string{"0", "1001"}}, outputs, &tableStage{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, "12090301")
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(filepath.Join(outputs, "12090301", domain.AggregateHydroTable))
	assert.ErrorIs(t, statErr, os.ErrNotExist, "cancelled run writes no aggregate")

	p := r.Progress()
	assert.Zero(t, p.Completed)
	assert.Zero(t, p.Failed, "cancellation is not a branch failure")
}

func TestRunSummaryUsesInjectedClock(t *testing.T) {
	at := time.Date(2025, time.June, 3, 9, 30, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(at))
	t.Cleanup(func() { domain.SetClock(nil) })

	outputs := t.TempDir()
	r := newTestRunner(&stubPartitioner{ids: []string{"0"}}, outputs, &tableStage{})
	require.NoError(t, r.Run(context.Background(), "12090301"))

	var summary pipeline.RunSummary
	raw, err := os.ReadFile(filepath.Join(outputs, "12090301", domain.RunSummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.True(t, summary.ProcessedAt.Equal(at), "summary stamped from the injected clock")
	assert.Equal(t, "12090301", summary.HUC)
}
