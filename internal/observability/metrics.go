package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// branch pipeline.
type Metrics struct {
	BranchesProcessed prometheus.Counter
	BranchFailures    prometheus.Counter
	PipelineRunning   prometheus.Gauge

	// Per-stage timings, labeled by stage name.
	StageDuration *prometheus.HistogramVec

	// Stage work counters.
	CellsLabeled          prometheus.Counter
	CatchmentsPolygonized prometheus.Counter
	DegenerateParts       prometheus.Counter
	RatingRowsWritten     prometheus.Counter
	CrosswalkMismatches   prometheus.Counter
	SmallSegmentsMerged   prometheus.Counter
	CalibrationPointsUsed prometheus.Counter
	CalibrationPointsDrop prometheus.Counter

	// Adapter metrics.
	RouterRequests *prometheus.CounterVec // labels: mode={d8,remote}, outcome={ok,error}
	RasterCache    *prometheus.CounterVec // labels: kind={float,int}, result={hit,miss}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		BranchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "branches_processed_total",
			Help:      "Branches that completed every stage.",
		}),
		BranchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "branch_failures_total",
			Help:      "Branches that aborted on a stage error.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fim",
			Name:      "pipeline_running",
			Help:      "1 while a HUC run is active, 0 otherwise.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fim",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one branch stage.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		CellsLabeled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "cells_labeled_total",
			Help:      "Grid cells assigned a catchment label.",
		}),
		CatchmentsPolygonized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "catchments_polygonized_total",
			Help:      "Catchment label zones converted to polygons.",
		}),
		DegenerateParts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "degenerate_parts_total",
			Help:      "Polygon parts dropped as degenerate.",
		}),
		RatingRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "rating_rows_written_total",
			Help:      "Rating curve rows emitted across all branches.",
		}),
		CrosswalkMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "crosswalk_mismatches_total",
			Help:      "Reaches with no flowline match within tolerance.",
		}),
		SmallSegmentsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "small_segments_merged_total",
			Help:      "Short reaches folded into a neighbor's feature.",
		}),
		CalibrationPointsUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "calibration_points_used_total",
			Help:      "Water-edge points that produced a roughness sample.",
		}),
		CalibrationPointsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "calibration_points_dropped_total",
			Help:      "Water-edge points rejected (outside catchments or implausible n).",
		}),
		RouterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "router_requests_total",
			Help:      "Flow-router labelings by mode and outcome.",
		}, []string{"mode", "outcome"}),
		RasterCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fim",
			Name:      "raster_cache_total",
			Help:      "Watershed raster cache lookups by kind and result.",
		}, []string{"kind", "result"}),
	}

	prometheus.MustRegister(
		m.BranchesProcessed,
		m.BranchFailures,
		m.PipelineRunning,
		m.StageDuration,
		m.CellsLabeled,
		m.CatchmentsPolygonized,
		m.DegenerateParts,
		m.RatingRowsWritten,
		m.CrosswalkMismatches,
		m.SmallSegmentsMerged,
		m.CalibrationPointsUsed,
		m.CalibrationPointsDrop,
		m.RouterRequests,
		m.RasterCache,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		BranchesProcessed:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "branches_processed_total"}),
		BranchFailures:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "branch_failures_total"}),
		PipelineRunning:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "fim", Name: "pipeline_running"}),
		StageDuration:         prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "fim", Name: "stage_duration_seconds"}, []string{"stage"}),
		CellsLabeled:          prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "cells_labeled_total"}),
		CatchmentsPolygonized: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "catchments_polygonized_total"}),
		DegenerateParts:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "degenerate_parts_total"}),
		RatingRowsWritten:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "rating_rows_written_total"}),
		CrosswalkMismatches:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "crosswalk_mismatches_total"}),
		SmallSegmentsMerged:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "small_segments_merged_total"}),
		CalibrationPointsUsed: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "calibration_points_used_total"}),
		CalibrationPointsDrop: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "fim", Name: "calibration_points_dropped_total"}),
		RouterRequests:        prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "fim", Name: "router_requests_total"}, []string{"mode", "outcome"}),
		RasterCache:           prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "fim", Name: "raster_cache_total"}, []string{"kind", "result"}),
	}
}
