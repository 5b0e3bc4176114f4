// Command validate performs end-to-end integrity checks on a processed
// watershed output tree: branch raster and vector artifacts, rating
// curve tables, crosswalk coverage, and the watershed-level aggregates.
// It re-derives the guarantees the pipeline promises, ordering,
// monotonicity, geometry consistency across tables, instead of trusting
// that the run reported success.
//
// Usage:
//
//	go run ./cmd/validate -outputs testdata/mock/outputs -huc 12090301
package main

import (
	"cmp"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/pipeline"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Diagnostics table headers as written by the branch stages.
var (
	degenerateHeader = []string{"HydroID", "parts_dropped", "parts_kept", "reason"}
	mismatchHeader   = []string{"HydroID", "midpoint_x", "midpoint_y", "nearest_distance_m"}
	smallSegHeader   = []string{"HydroID", "length_km", "adopted_feature_id", "adopted_from"}
	calibHeader      = []string{"HydroID", "x", "y", "flow_cms", "stage_m", "mannings_n", "used", "reason"}
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	outputs := flag.String("outputs", "", "pipeline outputs directory")
	huc := flag.String("huc", "", "HUC code of the processed watershed")
	flag.Parse()

	if *outputs == "" || *huc == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*outputs, *huc); code != 0 {
		os.Exit(code)
	}
}

func run(outputsDir, huc string) int {
	fmt.Println("=== Watershed Output Validation ===")
	fmt.Println()

	ids, err := branchIDs(outputsDir, huc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	fmt.Printf("HUC %s: %d branches under %s\n", huc, len(ids), domain.BranchesDir(outputsDir, huc))

	branches := loadBranches(outputsDir, huc, ids)

	phases := []*phase{
		validateBranchArtifacts(branches),
		validateRatingCurves(branches),
		validateCrosswalkCoverage(branches),
		validateAggregate(outputsDir, huc, branches),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d branches, %d rating rows, %d crosswalk rows\n",
		len(branches), countRatingRows(branches), countCrosswalkRows(branches))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

// branchData carries one branch's parsed tables. Load errors are kept,
// not fatal: a missing table is a finding, and the other branches still
// get validated.
type branchData struct {
	domain.Branch
	hydro    []domain.RatingRow
	hydroErr error
	base     []domain.RatingRow
	baseErr  error
	xwalk    []domain.CrosswalkRow
	xwalkErr error
}

// branchIDs lists branch directories sorted with branch zero first and
// level paths ascending, the order the run aggregated tables in.
func branchIDs(outputsDir, huc string) ([]string, error) {
	dir := domain.BranchesDir(outputsDir, huc)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list branches for huc %s (has the pipeline run?): %w", huc, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("huc %s has no branches under %s", huc, dir)
	}
	slices.SortFunc(ids, func(a, b string) int {
		ai, aerr := strconv.ParseInt(a, 10, 64)
		bi, berr := strconv.ParseInt(b, 10, 64)
		if aerr == nil && berr == nil {
			return cmp.Compare(ai, bi)
		}
		return strings.Compare(a, b)
	})
	return ids, nil
}

func loadBranches(outputsDir, huc string, ids []string) []branchData {
	branches := make([]branchData, 0, len(ids))
	for _, id := range ids {
		b := branchData{Branch: domain.NewBranch(outputsDir, huc, id)}
		b.hydro, b.hydroErr = hydrotable.ReadHydro(b.TablePath(domain.TableHydro), huc, id)
		b.base, b.baseErr = hydrotable.ReadBase(b.TablePath(domain.TableSRCBase))
		b.xwalk, b.xwalkErr = hydrotable.ReadCrosswalk(b.TablePath(domain.TableCrosswalk))
		branches = append(branches, b)
	}
	return branches
}

func loadJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func countRatingRows(branches []branchData) int {
	n := 0
	for _, b := range branches {
		n += len(b.hydro)
	}
	return n
}

func countCrosswalkRows(branches []branchData) int {
	n := 0
	for _, b := range branches {
		n += len(b.xwalk)
	}
	return n
}

// ── Phase 1: Branch Artifacts ──
// Every branch must carry its full raster, vector, and diagnostics set,
// with all rasters on one grid frame.

func validateBranchArtifacts(branches []branchData) *phase {
	p := &phase{name: "Phase 1: Branch Artifacts (files, frames)"}
	for i := range branches {
		checkBranchRasters(p, &branches[i])
		checkBranchFiles(p, &branches[i])
	}
	return p
}

func checkBranchRasters(p *phase, b *branchData) {
	var names []string
	var frames []raster.Frame

	for _, name := range []string{domain.RasterDEM, domain.RasterSlope, domain.RasterREM, domain.RasterREMMasked} {
		g, err := rasterio.ReadGrid(b.RasterPath(name))
		if err != nil {
			p.errorf("branch %s: %s: %v", b.ID, name, err)
			continue
		}
		names = append(names, name)
		frames = append(frames, g.Frame)
		if name == domain.RasterREMMasked {
			negatives := 0
			for _, v := range g.Data {
				if !g.IsNoData(v) && v < 0 {
					negatives++
				}
			}
			if negatives > 0 {
				p.errorf("branch %s: %s has %d negative cells (should be clamped at 0)", b.ID, name, negatives)
			}
		}
	}

	var pixels, reaches *raster.IntGrid
	for _, name := range []string{domain.RasterFlowDir, domain.RasterFlows, domain.RasterPixelCatch, domain.RasterReachCatch} {
		g, err := rasterio.ReadIntGrid(b.RasterPath(name))
		if err != nil {
			p.errorf("branch %s: %s: %v", b.ID, name, err)
			continue
		}
		names = append(names, name)
		frames = append(frames, g.Frame)
		switch name {
		case domain.RasterPixelCatch:
			pixels = g
		case domain.RasterReachCatch:
			reaches = g
		}
	}

	aligned := true
	if len(frames) > 1 {
		if err := frames[0].Align(names[1:], frames[1:]...); err != nil {
			p.errorf("branch %s: %v (reference %s)", b.ID, err, names[0])
			aligned = false
		}
	}

	// Every cell a reach catchment claims must also belong to a pixel
	// catchment; the reach outlets are a subset of the stream cells.
	if aligned && pixels != nil && reaches != nil {
		orphans := 0
		for i, v := range reaches.Data {
			if v != reaches.NoData && pixels.Data[i] == pixels.NoData {
				orphans++
			}
		}
		if orphans > 0 {
			p.errorf("branch %s: %d reach-labeled cells missing from pixel catchments", b.ID, orphans)
		}
	}
}

func checkBranchFiles(p *phase, b *branchData) {
	vectors := []string{
		domain.VectorReaches, domain.VectorReachPoints,
		domain.VectorNWMFlows, domain.VectorCatchPoly,
	}
	for _, name := range vectors {
		if _, err := os.Stat(b.VectorPath(name)); err != nil {
			p.errorf("branch %s: %v", b.ID, err)
		}
	}
	if _, err := os.Stat(b.JSONPath(domain.TableSRCJSON)); err != nil {
		p.errorf("branch %s: %v", b.ID, err)
	}

	checkDiagnostics(p, b.ID, b.TablePath(domain.TableDegenerate), degenerateHeader, false)
	checkDiagnostics(p, b.ID, b.TablePath(domain.TableMismatches), mismatchHeader, false)
	checkDiagnostics(p, b.ID, b.TablePath(domain.TableSmallSegments), smallSegHeader, false)
	// Only written once a calibration pass has run.
	checkDiagnostics(p, b.ID, b.TablePath(domain.TableCalibration), calibHeader, true)
}

// checkDiagnostics verifies a diagnostics CSV opens and carries the
// expected header. Diagnostics are written even when empty, so absence
// means the producing stage never completed.
func checkDiagnostics(p *phase, branchID, path string, header []string, optional bool) {
	f, err := os.Open(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return
		}
		p.errorf("branch %s: %v", branchID, err)
		return
	}
	defer f.Close()

	rec, err := csv.NewReader(f).Read()
	if err != nil {
		p.errorf("branch %s: %s: read header: %v", branchID, path, err)
		return
	}
	if !slices.Equal(rec, header) {
		p.errorf("branch %s: %s: header %v, want %v", branchID, path, rec, header)
	}
}

// ── Phase 2: Rating Curves ──
// Hydro-tables must hold (HydroID, stage) ordered rows on a shared
// stage ladder, with geometry columns that never shrink as stage rises
// and that match the src base table they were derived from.

func validateRatingCurves(branches []branchData) *phase {
	p := &phase{name: "Phase 2: Rating Curves (src tables)"}
	for i := range branches {
		b := &branches[i]
		if b.hydroErr != nil {
			p.errorf("branch %s: hydro-table: %v", b.ID, b.hydroErr)
			continue
		}
		if b.baseErr != nil {
			p.errorf("branch %s: src base: %v", b.ID, b.baseErr)
		}
		checkRowOrder(p, b)
		checkCurveShape(p, b)
		checkStageLadder(p, b)
		if b.baseErr == nil {
			checkBaseConsistency(p, b)
		}
		checkSRCJSON(p, b)
	}
	return p
}

func checkRowOrder(p *phase, b *branchData) {
	for i := 1; i < len(b.hydro); i++ {
		prev, cur := b.hydro[i-1], b.hydro[i]
		if cur.HydroID < prev.HydroID || (cur.HydroID == prev.HydroID && cur.Stage <= prev.Stage) {
			p.errorf("branch %s: row %d out of order: (%d, %g) after (%d, %g)",
				b.ID, i+2, cur.HydroID, cur.Stage, prev.HydroID, prev.Stage)
		}
	}
}

var monotoneColumns = []struct {
	name string
	get  func(domain.RatingRow) float64
}{
	{"Number of Cells", func(r domain.RatingRow) float64 { return float64(r.CellCount) }},
	{"SurfaceArea (m2)", func(r domain.RatingRow) float64 { return r.SurfaceArea }},
	{"BedArea (m2)", func(r domain.RatingRow) float64 { return r.BedArea }},
	{"Volume (m3)", func(r domain.RatingRow) float64 { return r.Volume }},
}

func checkCurveShape(p *phase, b *branchData) {
	for i, r := range b.hydro {
		if r.ManningN <= 0 {
			p.errorf("branch %s: catchment %d stage %g: ManningN %g not positive",
				b.ID, r.HydroID, r.Stage, r.ManningN)
		}
		if r.Discharge < 0 || r.DefaultDischarge < 0 {
			p.errorf("branch %s: catchment %d stage %g: negative discharge",
				b.ID, r.HydroID, r.Stage)
		}
		if i == 0 || b.hydro[i-1].HydroID != r.HydroID {
			continue
		}
		prev := b.hydro[i-1]
		for _, col := range monotoneColumns {
			if col.get(r) < col.get(prev) {
				p.errorf("branch %s: catchment %d: %s decreases at stage %g (%g -> %g)",
					b.ID, r.HydroID, col.name, r.Stage, col.get(prev), col.get(r))
			}
		}
	}
}

func checkStageLadder(p *phase, b *branchData) {
	ladders := make(map[int][]float64)
	var order []int
	for _, r := range b.hydro {
		if _, ok := ladders[r.HydroID]; !ok {
			order = append(order, r.HydroID)
		}
		ladders[r.HydroID] = append(ladders[r.HydroID], r.Stage)
	}
	if len(order) == 0 {
		p.errorf("branch %s: hydro-table has no rows", b.ID)
		return
	}

	ref := ladders[order[0]]
	if len(ref) > 0 && ref[0] != 0 {
		p.errorf("branch %s: catchment %d ladder starts at stage %g, want 0", b.ID, order[0], ref[0])
	}
	for _, id := range order[1:] {
		if !slices.EqualFunc(ladders[id], ref, floatEq) {
			p.errorf("branch %s: catchment %d has %d stages, catchment %d has %d (ladder must be shared)",
				b.ID, id, len(ladders[id]), order[0], len(ref))
		}
	}
}

// checkBaseConsistency verifies the hydro-table kept the src base
// geometry untouched; crosswalk and calibration only add columns.
func checkBaseConsistency(p *phase, b *branchData) {
	type rowKey struct {
		id    int
		stage float64
	}
	baseIdx := make(map[rowKey]domain.RatingRow, len(b.base))
	for _, r := range b.base {
		baseIdx[rowKey{r.HydroID, r.Stage}] = r
	}

	if len(b.hydro) != len(b.base) {
		p.errorf("branch %s: hydro-table has %d rows, src base has %d", b.ID, len(b.hydro), len(b.base))
	}
	for _, r := range b.hydro {
		base, ok := baseIdx[rowKey{r.HydroID, r.Stage}]
		if !ok {
			p.errorf("branch %s: hydro row (%d, %g) has no src base row", b.ID, r.HydroID, r.Stage)
			continue
		}
		if base.CellCount != r.CellCount || !floatEq(base.Volume, r.Volume) ||
			!floatEq(base.SurfaceArea, r.SurfaceArea) || !floatEq(base.BedArea, r.BedArea) {
			p.errorf("branch %s: geometry drift from src base at (%d, %g)", b.ID, r.HydroID, r.Stage)
		}
	}
}

// srcCurve mirrors one entry of the src JSON consumed by inundation
// lookup tooling.
type srcCurve struct {
	StageList []float64 `json:"stage_list"`
	QList     []float64 `json:"q_list"`
}

func checkSRCJSON(p *phase, b *branchData) {
	curves, err := loadJSON[map[string]srcCurve](b.JSONPath(domain.TableSRCJSON))
	if err != nil {
		p.errorf("branch %s: src json: %v", b.ID, err)
		return
	}

	// Rebuild the expected curves from the hydro-table, which is already
	// in (HydroID, stage) order.
	want := make(map[string]*srcCurve)
	var order []string
	for _, r := range b.hydro {
		key := strconv.Itoa(r.HydroID)
		e, ok := want[key]
		if !ok {
			e = &srcCurve{}
			want[key] = e
			order = append(order, key)
		}
		e.StageList = append(e.StageList, r.Stage)
		e.QList = append(e.QList, r.Discharge)
	}

	for _, key := range order {
		c, ok := curves[key]
		if !ok {
			p.errorf("branch %s: catchment %s missing from src json", b.ID, key)
			continue
		}
		if !slices.EqualFunc(c.StageList, want[key].StageList, floatEq) {
			p.errorf("branch %s: src json catchment %s stage_list differs from hydro-table", b.ID, key)
		}
		if !slices.EqualFunc(c.QList, want[key].QList, floatEq) {
			p.errorf("branch %s: src json catchment %s q_list differs from hydro-table", b.ID, key)
		}
	}

	var extras []string
	for key := range curves {
		if _, ok := want[key]; !ok {
			extras = append(extras, key)
		}
	}
	slices.Sort(extras)
	for _, key := range extras {
		p.errorf("branch %s: src json catchment %s not in hydro-table", b.ID, key)
	}
}

// ── Phase 3: Crosswalk Coverage ──
// Every rated catchment maps to exactly one national network feature,
// by a known method, and the hydro-table agrees with the mapping.

func validateCrosswalkCoverage(branches []branchData) *phase {
	p := &phase{name: "Phase 3: Crosswalk Coverage (feature_id)"}
	validMethods := map[string]bool{
		domain.MatchNearest:      true,
		domain.MatchSmoothed:     true,
		domain.MatchSmallSegment: true,
	}

	for i := range branches {
		b := &branches[i]
		if b.xwalkErr != nil {
			p.errorf("branch %s: crosswalk: %v", b.ID, b.xwalkErr)
			continue
		}

		byID := make(map[int]domain.CrosswalkRow, len(b.xwalk))
		for _, row := range b.xwalk {
			if _, dup := byID[row.HydroID]; dup {
				p.errorf("branch %s: duplicate crosswalk row for catchment %d", b.ID, row.HydroID)
				continue
			}
			byID[row.HydroID] = row
			if !validMethods[row.Method] {
				p.errorf("branch %s: catchment %d: unknown crosswalk method %q", b.ID, row.HydroID, row.Method)
			}
			if row.Distance < 0 {
				p.errorf("branch %s: catchment %d: negative crosswalk distance %g", b.ID, row.HydroID, row.Distance)
			}
			if row.FeatureID == 0 {
				p.errorf("branch %s: catchment %d: crosswalk has no feature id", b.ID, row.HydroID)
			}
		}

		if b.hydroErr != nil {
			continue
		}
		rated := make(map[int]bool)
		for _, r := range b.hydro {
			if rated[r.HydroID] {
				continue
			}
			rated[r.HydroID] = true
			xw, ok := byID[r.HydroID]
			if !ok {
				p.errorf("branch %s: catchment %d rated but missing from crosswalk", b.ID, r.HydroID)
				continue
			}
			if r.FeatureID != xw.FeatureID {
				p.errorf("branch %s: catchment %d: hydro-table feature %d, crosswalk feature %d",
					b.ID, r.HydroID, r.FeatureID, xw.FeatureID)
			}
		}
		var orphans []int
		for id := range byID {
			if !rated[id] {
				orphans = append(orphans, id)
			}
		}
		slices.Sort(orphans)
		for _, id := range orphans {
			p.errorf("branch %s: crosswalk catchment %d has no rating rows", b.ID, id)
		}
	}
	return p
}

// ── Phase 4: Watershed Aggregate ──
// The watershed hydro-table must be the branch tables concatenated in
// branch order, and the run summary must account for every branch.

func validateAggregate(outputsDir, huc string, branches []branchData) *phase {
	p := &phase{name: "Phase 4: Watershed Aggregate (rollup)"}

	agg, err := readRawHydroTable(filepath.Join(outputsDir, huc, domain.AggregateHydroTable))
	if err != nil {
		p.errorf("aggregate hydro-table: %v", err)
	} else {
		// The aggregate skips branches whose table never got written,
		// so expected rows come from the readable tables only.
		var want [][]string
		for _, b := range branches {
			recs, err := readRawHydroTable(b.TablePath(domain.TableHydro))
			if err != nil {
				continue
			}
			want = append(want, recs...)
		}
		switch {
		case len(agg) != len(want):
			p.errorf("aggregate has %d rows, branch tables hold %d", len(agg), len(want))
		default:
			for i := range want {
				if !slices.Equal(agg[i], want[i]) {
					p.errorf("aggregate row %d differs from branch tables: %v", i+2, agg[i])
					break
				}
			}
		}
	}

	summary, err := loadJSON[pipeline.RunSummary](filepath.Join(outputsDir, huc, domain.RunSummaryFile))
	if err != nil {
		p.errorf("run summary: %v", err)
		return p
	}
	if summary.HUC != huc {
		p.errorf("run summary huc %q, want %q", summary.HUC, huc)
	}
	if summary.Branches != len(branches) {
		p.errorf("run summary says %d branches, found %d on disk", summary.Branches, len(branches))
	}
	if summary.Succeeded+len(summary.Failed) != summary.Branches {
		p.errorf("run summary counts do not add up: %d succeeded + %d failed != %d branches",
			summary.Succeeded, len(summary.Failed), summary.Branches)
	}
	if len(summary.Failed) > 0 {
		p.errorf("run recorded %d failed branches: %v", len(summary.Failed), summary.Failed)
	}
	if summary.ProcessedAt.IsZero() {
		p.errorf("run summary processed_at is zero")
	}
	if summary.ElapsedSeconds < 0 {
		p.errorf("run summary elapsed_seconds %g is negative", summary.ElapsedSeconds)
	}
	return p
}

func readRawHydroTable(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(hydrotable.HydroHeader)
	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("read %s: empty file", path)
	}
	if !slices.Equal(all[0], hydrotable.HydroHeader) {
		return nil, fmt.Errorf("read %s: header %v, want %v", path, all[0], hydrotable.HydroHeader)
	}
	return all[1:], nil
}

// ── Helpers ──

func floatEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
