package flowrouter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

func testRemote(baseURL string) *Remote {
	return NewRemote(baseURL, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRemote_Label_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/gagewatershed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req labelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.NCols)
		assert.Equal(t, 2, req.NRows)
		require.Len(t, req.Outlets, 1)
		assert.Equal(t, 42, req.Outlets[0].ID)

		flowdir, err := decodeInt32(req.FlowDir, 4)
		require.NoError(t, err)
		assert.Equal(t, []int32{1, 7, 1, 1}, flowdir)

		// The service answers with its own nodata convention.
		resp := labelResponse{
			Labels: encodeInt32([]int32{42, 42, -1, 42}),
			NoData: -1,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	g := raster.NewIntGrid(raster.NewFrame(2, 2, 0, 20, 10), -9999)
	copy(g.Data, []int32{1, 7, 1, 1})
	x, y := g.CellCenter(1, 1)

	labels, err := testRemote(srv.URL).Label(context.Background(), g,
		[]domain.OutletPoint{{ID: 42, X: x, Y: y}})
	require.NoError(t, err)

	assert.Equal(t, int32(42), labels.At(0, 0))
	assert.Equal(t, int32(LabelNoData), labels.At(0, 1), "service nodata remapped")
	assert.Equal(t, int32(LabelNoData), labels.NoData)
	assert.True(t, labels.Frame.Same(g.Frame))
}

func TestRemote_Label_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "walker crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := raster.NewIntGrid(raster.NewFrame(1, 1, 0, 10, 10), -9999)
	g.Set(0, 0, 1)
	x, y := g.CellCenter(0, 0)

	_, err := testRemote(srv.URL).Label(context.Background(), g,
		[]domain.OutletPoint{{ID: 1, X: x, Y: y}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "walker crashed")
}

func TestRemote_Label_ShortPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := labelResponse{Labels: encodeInt32([]int32{1}), NoData: -1}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	g := raster.NewIntGrid(raster.NewFrame(2, 2, 0, 20, 10), -9999)
	x, y := g.CellCenter(0, 0)

	_, err := testRemote(srv.URL).Label(context.Background(), g,
		[]domain.OutletPoint{{ID: 1, X: x, Y: y}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload is 4 bytes, want 16")
}

func TestRemote_Label_NoOutlets(t *testing.T) {
	g := raster.NewIntGrid(raster.NewFrame(1, 1, 0, 10, 10), -9999)
	_, err := testRemote("http://unused").Label(context.Background(), g, nil)

	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
}

func TestInt32Codec(t *testing.T) {
	in := []int32{0, 1, -1, -9999, 2147483647, -2147483648}
	out, err := decodeInt32(encodeInt32(in), len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
