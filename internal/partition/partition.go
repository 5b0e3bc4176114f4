// Package partition splits a watershed into level-path branches. Each
// branch is cut to its polygon from the branch-polygon layer: the four
// watershed rasters are clipped to the buffered footprint, the reach and
// flowline vectors are subset to it, and routing outlet points are
// derived from the subset reaches. Branch zero covers the whole network
// so inundation from the full-network rating remains available alongside
// the per-path ratings.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"

	"github.com/ctessum/geom"

	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Partitioner clips watershed inputs into per-branch working sets.
type Partitioner struct {
	inputsDir  string
	bufferM    float64
	branchAttr string
	rasters    *rasterio.Cache
	logger     *slog.Logger
}

// New creates a partitioner reading HUC inputs under inputsDir. bufferM
// widens each branch polygon by that many map units before clipping;
// branchAttr names the polygon attribute carrying the branch identifier.
func New(inputsDir string, bufferM float64, branchAttr string, rasters *rasterio.Cache, logger *slog.Logger) *Partitioner {
	return &Partitioner{
		inputsDir:  inputsDir,
		bufferM:    bufferM,
		branchAttr: branchAttr,
		rasters:    rasters,
		logger:     logger,
	}
}

// Partition reads the HUC inputs and writes per-branch artifacts under
// outputsDir. Returned branches are ordered branch zero first, then by
// ascending level path ID, so downstream processing order is stable.
func (p *Partitioner) Partition(ctx context.Context, outputsDir, huc string) ([]domain.Branch, error) {
	hucIn := filepath.Join(p.inputsDir, huc)

	dem, err := p.rasters.Grid(filepath.Join(hucIn, domain.RasterDEM+".bil"))
	if err != nil {
		return nil, fmt.Errorf("read dem: %w", err)
	}
	slope, err := p.rasters.Grid(filepath.Join(hucIn, domain.RasterSlope+".bil"))
	if err != nil {
		return nil, fmt.Errorf("read slopes: %w", err)
	}
	flowdir, err := p.rasters.IntGrid(filepath.Join(hucIn, domain.RasterFlowDir+".bil"))
	if err != nil {
		return nil, fmt.Errorf("read flow directions: %w", err)
	}
	flows, err := p.rasters.IntGrid(filepath.Join(hucIn, domain.RasterFlows+".bil"))
	if err != nil {
		return nil, fmt.Errorf("read stream mask: %w", err)
	}
	if err := dem.Align(
		[]string{domain.RasterSlope, domain.RasterFlowDir, domain.RasterFlows},
		slope.Frame, flowdir.Frame, flows.Frame,
	); err != nil {
		return nil, &domain.PreconditionError{Stage: "partition", Reason: err.Error()}
	}

	reaches, err := shpfile.ReadReaches(filepath.Join(hucIn, domain.VectorReaches+".shp"))
	if err != nil {
		return nil, fmt.Errorf("read reaches: %w", err)
	}
	if len(reaches) == 0 {
		return nil, &domain.PreconditionError{Stage: "partition", Reason: "no reaches in watershed"}
	}
	flowlines, err := shpfile.ReadFlowlines(filepath.Join(hucIn, domain.VectorNWMFlows+".shp"))
	if err != nil {
		return nil, fmt.Errorf("read flowlines: %w", err)
	}
	footprints, err := shpfile.ReadBranchPolygons(
		filepath.Join(hucIn, domain.VectorBranchPoly+".shp"), p.branchAttr)
	if err != nil {
		return nil, fmt.Errorf("read branch polygons: %w", err)
	}

	byLevelPath := make(map[int64][]domain.Reach)
	for _, r := range reaches {
		byLevelPath[r.LevelPathID] = append(byLevelPath[r.LevelPathID], r)
	}
	levelPaths := make([]int64, 0, len(byLevelPath))
	for lp := range byLevelPath {
		levelPaths = append(levelPaths, lp)
	}
	slices.Sort(levelPaths)

	branchIDs := make([]string, 0, len(levelPaths)+1)
	subsets := map[string][]domain.Reach{domain.BranchZero: reaches}
	branchIDs = append(branchIDs, domain.BranchZero)
	for _, lp := range levelPaths {
		id := strconv.FormatInt(lp, 10)
		branchIDs = append(branchIDs, id)
		subsets[id] = byLevelPath[lp]
	}

	branches := make([]domain.Branch, 0, len(branchIDs))
	for _, id := range branchIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		poly, err := footprintFor(footprints, id)
		if err != nil {
			return nil, err
		}
		b := domain.NewBranch(outputsDir, huc, id)
		if err := p.writeBranch(b, poly, subsets[id], flowlines, dem, slope, flowdir, flows); err != nil {
			return nil, fmt.Errorf("branch %s: %w", b.ID, err)
		}
		branches = append(branches, b)
	}

	p.logger.Info("watershed partitioned",
		"huc", huc,
		"reaches", len(reaches),
		"branches", len(branches))
	return branches, nil
}

// footprintFor selects the polygon feature for one branch. Exactly one
// feature must carry the branch identifier.
func footprintFor(polys []domain.BranchPolygon, branchID string) (domain.BranchPolygon, error) {
	var match domain.BranchPolygon
	n := 0
	for _, bp := range polys {
		if bp.BranchID == branchID {
			match = bp
			n++
		}
	}
	if n != 1 {
		return domain.BranchPolygon{}, &domain.PreconditionError{
			Stage:  "partition",
			Reason: fmt.Sprintf("branch %s matches %d polygon features, want exactly 1", branchID, n),
		}
	}
	if len(match.Geom) == 0 {
		return domain.BranchPolygon{}, &domain.PreconditionError{
			Stage:  "partition",
			Reason: fmt.Sprintf("branch %s polygon has no geometry", branchID),
		}
	}
	return match, nil
}

func (p *Partitioner) writeBranch(b domain.Branch, poly domain.BranchPolygon, subset []domain.Reach,
	flowlines []domain.Flowline, dem, slope *raster.Grid, flowdir, flows *raster.IntGrid) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}

	col0, row0, ncols, nrows, err := p.window(dem.Frame, poly)
	if err != nil {
		return err
	}

	demClip, err := dem.Clip(col0, row0, ncols, nrows)
	if err != nil {
		return err
	}
	keep := footprintMask(demClip.Frame, poly, p.bufferM)

	maskGrid(demClip, keep)
	if err := rasterio.WriteGrid(b.RasterPath(domain.RasterDEM), demClip); err != nil {
		return err
	}
	slopeClip, err := slope.Clip(col0, row0, ncols, nrows)
	if err != nil {
		return err
	}
	maskGrid(slopeClip, keep)
	if err := rasterio.WriteGrid(b.RasterPath(domain.RasterSlope), slopeClip); err != nil {
		return err
	}
	dirClip, err := flowdir.Clip(col0, row0, ncols, nrows)
	if err != nil {
		return err
	}
	maskIntGrid(dirClip, keep)
	if err := rasterio.WriteIntGrid(b.RasterPath(domain.RasterFlowDir), dirClip); err != nil {
		return err
	}
	maskClip, err := flows.Clip(col0, row0, ncols, nrows)
	if err != nil {
		return err
	}
	maskIntGrid(maskClip, keep)
	if err := rasterio.WriteIntGrid(b.RasterPath(domain.RasterFlows), maskClip); err != nil {
		return err
	}

	if err := shpfile.WriteReaches(b.VectorPath(domain.VectorReaches), subset); err != nil {
		return err
	}
	if err := shpfile.WriteFlowlines(b.VectorPath(domain.VectorNWMFlows),
		clipFlowlines(flowlines, demClip.Frame)); err != nil {
		return err
	}
	return shpfile.WritePoints(b.VectorPath(domain.VectorReachPoints),
		OutletPoints(subset, dem.CellSize()))
}

// OutletPoints derives one labeling outlet per reach, placed half a cell
// upstream of the downstream end. Reach endpoints meet at confluence
// nodes; pulling the outlet back along the reach keeps outlets of
// different reaches in different cells.
func OutletPoints(reaches []domain.Reach, cellSize float64) []domain.OutletPoint {
	pts := make([]domain.OutletPoint, 0, len(reaches))
	for _, r := range reaches {
		length := r.GeomLengthM()
		back := length - cellSize/2
		if back < length/2 {
			back = length / 2
		}
		p := r.PointAlong(back)
		pts = append(pts, domain.OutletPoint{ID: r.HydroID, X: p.X, Y: p.Y})
	}
	return pts
}

// window returns the clip window covering the branch polygon plus the
// configured buffer, clamped to the frame.
func (p *Partitioner) window(f raster.Frame, poly domain.BranchPolygon) (col0, row0, ncols, nrows int, err error) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pg := range poly.Geom {
		for _, ring := range pg {
			for _, pt := range ring {
				minX = math.Min(minX, pt.X)
				minY = math.Min(minY, pt.Y)
				maxX = math.Max(maxX, pt.X)
				maxY = math.Max(maxY, pt.Y)
			}
		}
	}
	if math.IsInf(minX, 1) {
		return 0, 0, 0, 0, &domain.PreconditionError{
			Stage:  "partition",
			Reason: fmt.Sprintf("branch %s polygon has no geometry", poly.BranchID),
		}
	}

	cell := f.CellSize()
	originX, originY := f.Transform[0], f.Transform[3]
	c0 := int(math.Floor((minX - p.bufferM - originX) / cell))
	c1 := int(math.Ceil((maxX + p.bufferM - originX) / cell))
	r0 := int(math.Floor((originY - maxY - p.bufferM) / cell))
	r1 := int(math.Ceil((originY - minY + p.bufferM) / cell))
	if c1 <= c0 {
		c1 = c0 + 1
	}
	if r1 <= r0 {
		r1 = r0 + 1
	}
	c0 = max(c0, 0)
	r0 = max(r0, 0)
	c1 = min(c1, f.NCols)
	r1 = min(r1, f.NRows)
	if c0 >= c1 || r0 >= r1 {
		return 0, 0, 0, 0, &domain.PreconditionError{
			Stage:  "partition",
			Reason: "branch polygon falls outside the raster frame",
		}
	}
	return c0, r0, c1 - c0, r1 - r0, nil
}

// footprintMask rasterizes the branch polygon onto the clip frame and
// grows it outward by bufferM. Scanline even-odd fill per row keeps
// holes correct without caring about ring orientation.
func footprintMask(f raster.Frame, poly domain.BranchPolygon, bufferM float64) []bool {
	mask := make([]bool, f.NCols*f.NRows)
	originX := f.Transform[0]
	cell := f.CellSize()

	xs := make([]float64, 0, 8)
	for row := 0; row < f.NRows; row++ {
		_, yc := f.CellCenter(0, row)
		xs = xs[:0]
		for _, pg := range poly.Geom {
			for _, ring := range pg {
				for i := 0; i < len(ring); i++ {
					a, b := ring[i], ring[(i+1)%len(ring)]
					if (a.Y > yc) == (b.Y > yc) {
						continue
					}
					xs = append(xs, a.X+(yc-a.Y)/(b.Y-a.Y)*(b.X-a.X))
				}
			}
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			// First cell whose center is >= the crossing.
			cStart := int(math.Ceil((xs[i]-originX)/cell - 0.5))
			cEnd := int(math.Ceil((xs[i+1]-originX)/cell - 0.5))
			for c := max(cStart, 0); c < min(cEnd, f.NCols); c++ {
				mask[f.Index(c, row)] = true
			}
		}
	}

	if n := int(math.Round(bufferM / cell)); n > 0 {
		mask = dilate(mask, f.NCols, f.NRows, n)
	}
	return mask
}

// dilate grows the mask outward by n cells using a two-pass Chebyshev
// distance transform, matching a square structuring element.
func dilate(mask []bool, ncols, nrows, n int) []bool {
	far := ncols + nrows
	dist := make([]int, len(mask))
	for i, in := range mask {
		if in {
			dist[i] = 0
		} else {
			dist[i] = far
		}
	}
	at := func(c, r int) int {
		if c < 0 || c >= ncols || r < 0 || r >= nrows {
			return far
		}
		return dist[r*ncols+c]
	}
	for r := 0; r < nrows; r++ {
		for c := 0; c < ncols; c++ {
			i := r*ncols + c
			d := min(at(c-1, r), at(c, r-1), at(c-1, r-1), at(c+1, r-1)) + 1
			if d < dist[i] {
				dist[i] = d
			}
		}
	}
	for r := nrows - 1; r >= 0; r-- {
		for c := ncols - 1; c >= 0; c-- {
			i := r*ncols + c
			d := min(at(c+1, r), at(c, r+1), at(c+1, r+1), at(c-1, r+1)) + 1
			if d < dist[i] {
				dist[i] = d
			}
		}
	}
	out := make([]bool, len(mask))
	for i, d := range dist {
		out[i] = d <= n
	}
	return out
}

func maskGrid(g *raster.Grid, keep []bool) {
	for i := range g.Data {
		if !keep[i] {
			g.Data[i] = g.NoData
		}
	}
}

func maskIntGrid(g *raster.IntGrid, keep []bool) {
	for i := range g.Data {
		if !keep[i] {
			g.Data[i] = g.NoData
		}
	}
}

// clipFlowlines keeps flowlines with at least one segment crossing the
// branch frame.
func clipFlowlines(lines []domain.Flowline, f raster.Frame) []domain.Flowline {
	x0 := f.Transform[0]
	x1 := x0 + float64(f.NCols)*f.CellSize()
	y1 := f.Transform[3]
	y0 := y1 - float64(f.NRows)*f.CellSize()
	var out []domain.Flowline
	for _, fl := range lines {
		for i := 0; i+1 < len(fl.Geom); i++ {
			if segmentCrossesRect(fl.Geom[i], fl.Geom[i+1], x0, y0, x1, y1) {
				out = append(out, fl)
				break
			}
		}
	}
	return out
}

// segmentCrossesRect is a Liang-Barsky overlap test against an axis-
// aligned rectangle.
func segmentCrossesRect(a, b geom.Point, x0, y0, x1, y1 float64) bool {
	dx, dy := b.X-a.X, b.Y-a.Y
	t0, t1 := 0.0, 1.0
	clip := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return false
			}
			if r < t1 {
				t1 = r
			}
		}
		return true
	}
	return clip(-dx, a.X-x0) && clip(dx, x1-a.X) && clip(-dy, a.Y-y0) && clip(dy, y1-a.Y) && t0 <= t1
}
