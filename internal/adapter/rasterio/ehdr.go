// Package rasterio reads and writes grids as EHdr rasters: a flat
// little-endian .bil payload with a plain-text .hdr sidecar. Float grids
// are stored as 32-bit IEEE floats, label grids as signed 32-bit ints.
// Writes go through a temp file and rename so a re-run never leaves a
// half-written raster behind.
package rasterio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robgpita/inundation-mapping/internal/raster"
)

const (
	pixelFloat     = "FLOAT"
	pixelSignedInt = "SIGNEDINT"
)

// WriteGrid writes g to path (.bil) plus its .hdr sidecar.
func WriteGrid(path string, g *raster.Grid) error {
	data := make([]float32, len(g.Data))
	for i, v := range g.Data {
		data[i] = float32(v)
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(data) * 4)
	if err := binary.Write(buf, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	hdr := headerText(g.Frame, pixelFloat, formatFloat(g.NoData))
	return writePair(path, buf.Bytes(), hdr)
}

// WriteIntGrid writes g to path (.bil) plus its .hdr sidecar.
func WriteIntGrid(path string, g *raster.IntGrid) error {
	buf := new(bytes.Buffer)
	buf.Grow(len(g.Data) * 4)
	if err := binary.Write(buf, binary.LittleEndian, g.Data); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	hdr := headerText(g.Frame, pixelSignedInt, strconv.FormatInt(int64(g.NoData), 10))
	return writePair(path, buf.Bytes(), hdr)
}

// ReadGrid reads a float raster written by WriteGrid.
func ReadGrid(path string) (*raster.Grid, error) {
	h, err := readHeader(hdrPath(path))
	if err != nil {
		return nil, err
	}
	if h.pixelType != pixelFloat {
		return nil, fmt.Errorf("%s: pixel type %s, want %s", path, h.pixelType, pixelFloat)
	}
	nodata, err := strconv.ParseFloat(h.nodata, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parse NODATA %q: %w", path, h.nodata, err)
	}

	raw, err := readPayload(path, h)
	if err != nil {
		return nil, err
	}
	data := make([]float32, h.frame.NCols*h.frame.NRows)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	g := &raster.Grid{Frame: h.frame, NoData: nodata, Data: make([]float64, len(data))}
	for i, v := range data {
		g.Data[i] = float64(v)
	}
	return g, nil
}

// ReadIntGrid reads a label raster written by WriteIntGrid.
func ReadIntGrid(path string) (*raster.IntGrid, error) {
	h, err := readHeader(hdrPath(path))
	if err != nil {
		return nil, err
	}
	if h.pixelType != pixelSignedInt {
		return nil, fmt.Errorf("%s: pixel type %s, want %s", path, h.pixelType, pixelSignedInt)
	}
	nodata, err := strconv.ParseInt(h.nodata, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%s: parse NODATA %q: %w", path, h.nodata, err)
	}

	raw, err := readPayload(path, h)
	if err != nil {
		return nil, err
	}
	g := &raster.IntGrid{Frame: h.frame, NoData: int32(nodata), Data: make([]int32, h.frame.NCols*h.frame.NRows)}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, g.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return g, nil
}

func hdrPath(bilPath string) string {
	return strings.TrimSuffix(bilPath, filepath.Ext(bilPath)) + ".hdr"
}

// headerText renders the EHdr sidecar. ULXMAP/ULYMAP are the map
// coordinates of the center of the upper-left cell. Floats use the
// shortest round-tripping representation so values survive rewrite
// bit-exactly.
func headerText(f raster.Frame, pixelType, nodata string) string {
	ulx := f.Transform[0] + f.Transform[1]/2
	uly := f.Transform[3] + f.Transform[5]/2
	var b strings.Builder
	fmt.Fprintf(&b, "NCOLS %d\n", f.NCols)
	fmt.Fprintf(&b, "NROWS %d\n", f.NRows)
	fmt.Fprintf(&b, "NBANDS 1\n")
	fmt.Fprintf(&b, "NBITS 32\n")
	fmt.Fprintf(&b, "PIXELTYPE %s\n", pixelType)
	fmt.Fprintf(&b, "BYTEORDER I\n")
	fmt.Fprintf(&b, "LAYOUT BIL\n")
	fmt.Fprintf(&b, "ULXMAP %s\n", formatFloat(ulx))
	fmt.Fprintf(&b, "ULYMAP %s\n", formatFloat(uly))
	fmt.Fprintf(&b, "XDIM %s\n", formatFloat(f.Transform[1]))
	fmt.Fprintf(&b, "YDIM %s\n", formatFloat(-f.Transform[5]))
	fmt.Fprintf(&b, "NODATA %s\n", nodata)
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type header struct {
	frame     raster.Frame
	pixelType string
	nodata    string
}

func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, fmt.Errorf("open header: %w", err)
	}
	defer f.Close()

	fields := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) < 2 {
			continue
		}
		fields[strings.ToUpper(parts[0])] = parts[1]
	}
	if err := sc.Err(); err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}

	var h header
	ncols, err := headerInt(fields, "NCOLS")
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	nrows, err := headerInt(fields, "NROWS")
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	ulx, err := headerFloat(fields, "ULXMAP")
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	uly, err := headerFloat(fields, "ULYMAP")
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	xdim, err := headerFloat(fields, "XDIM")
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	ydim, err := headerFloat(fields, "YDIM")
	if err != nil {
		return header{}, fmt.Errorf("%s: %w", path, err)
	}
	if nbits := fields["NBITS"]; nbits != "" && nbits != "32" {
		return header{}, fmt.Errorf("%s: NBITS %s unsupported", path, nbits)
	}
	if bo := fields["BYTEORDER"]; bo != "" && bo != "I" {
		return header{}, fmt.Errorf("%s: BYTEORDER %s unsupported", path, bo)
	}

	h.frame = raster.Frame{
		NCols:     ncols,
		NRows:     nrows,
		Transform: [6]float64{ulx - xdim/2, xdim, 0, uly + ydim/2, 0, -ydim},
	}
	h.pixelType = fields["PIXELTYPE"]
	if h.pixelType == "" {
		h.pixelType = pixelFloat
	}
	h.nodata = fields["NODATA"]
	if h.nodata == "" {
		return header{}, fmt.Errorf("%s: missing NODATA", path)
	}
	return h, nil
}

func headerInt(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func headerFloat(fields map[string]string, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return f, nil
}

func readPayload(path string, h header) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read raster: %w", err)
	}
	want := h.frame.NCols * h.frame.NRows * 4
	if len(raw) != want {
		return nil, fmt.Errorf("%s: payload is %d bytes, header says %d", path, len(raw), want)
	}
	return raw, nil
}

// writePair writes the .bil payload and .hdr sidecar atomically.
func writePair(bilPath string, payload []byte, hdr string) error {
	if err := os.MkdirAll(filepath.Dir(bilPath), 0o755); err != nil {
		return fmt.Errorf("create raster dir: %w", err)
	}
	if err := atomicWrite(bilPath, payload); err != nil {
		return err
	}
	return atomicWrite(hdrPath(bilPath), []byte(hdr))
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
