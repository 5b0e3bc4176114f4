package crosswalk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
)

// Stage crosswalks the branch and emits the final artifacts: crosswalk
// table, crosswalked rating table, hydro-table, src JSON, and the
// mismatch and small-segment diagnostics.
type Stage struct {
	engine  *Engine
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewStage(engine *Engine, metrics *observability.Metrics, logger *slog.Logger) *Stage {
	return &Stage{engine: engine, metrics: metrics, logger: logger}
}

func (s *Stage) Name() string { return stageName }

func (s *Stage) Run(ctx context.Context, b domain.Branch) error {
	reaches, err := shpfile.ReadReaches(b.VectorPath(domain.VectorReaches))
	if err != nil {
		return fmt.Errorf("read reaches: %w", err)
	}
	flowlines, err := shpfile.ReadFlowlines(b.VectorPath(domain.VectorNWMFlows))
	if err != nil {
		return fmt.Errorf("read flowlines: %w", err)
	}
	if len(flowlines) == 0 {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "no flowlines to crosswalk against"}
	}
	base, err := hydrotable.ReadBase(b.TablePath(domain.TableSRCBase))
	if err != nil {
		return fmt.Errorf("read rating table: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rated := make(map[int]bool, len(base))
	for _, r := range base {
		rated[r.HydroID] = true
	}

	xw, mismatches := s.engine.Match(reaches, flowlines)
	xw, mismatches, smallSegs := s.engine.AdoptSmallSegments(reaches, rated, xw, mismatches)
	for _, m := range mismatches {
		s.logger.Warn("crosswalk mismatch",
			"branch", b.ID,
			"err", &domain.CrosswalkMismatchError{HydroID: m.HydroID, Distance: m.Distance})
	}
	for _, sm := range smallSegs {
		s.logger.Info("small segment folded",
			"branch", b.ID,
			"warning", &domain.SmallSegmentWarning{
				HydroID: sm.HydroID, LengthKM: sm.LengthKM, MergedInto: sm.AdoptedFrom,
			})
	}

	rows := s.engine.Apply(base, xw)
	if len(rows) == 0 {
		return &domain.PreconditionError{Stage: s.Name(), Reason: "no catchments crosswalked"}
	}
	s.engine.ApplyBankfull(rows)

	breaks := DischargeBreaks(rows)
	ids := make([]int, 0, len(breaks))
	for id := range breaks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s.logger.Warn("discharge not monotonic",
			"branch", b.ID, "hydro_id", id, "breaks", breaks[id])
	}

	if err := hydrotable.WriteCrosswalk(b.TablePath(domain.TableCrosswalk), xw); err != nil {
		return err
	}
	if err := hydrotable.WriteFull(b.TablePath(domain.TableSRCFull), rows); err != nil {
		return err
	}
	if err := hydrotable.WriteHydro(b.TablePath(domain.TableHydro), b.HUC, b.ID, rows); err != nil {
		return err
	}
	if err := hydrotable.WriteSRCJSON(b.JSONPath(domain.TableSRCJSON), rows); err != nil {
		return err
	}
	if err := hydrotable.WriteMismatches(b.TablePath(domain.TableMismatches), mismatches); err != nil {
		return err
	}
	if err := hydrotable.WriteSmallSegments(b.TablePath(domain.TableSmallSegments), smallSegs); err != nil {
		return err
	}
	s.metrics.CrosswalkMismatches.Add(float64(len(mismatches)))
	s.metrics.SmallSegmentsMerged.Add(float64(len(smallSegs)))

	s.logger.Info("crosswalk complete",
		"branch", b.ID,
		"matched", len(xw),
		"mismatched", len(mismatches),
		"small_segments", len(smallSegs),
		"rows", len(rows))
	return nil
}
