package flowrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Remote implements Labeler against an external routing service, for
// deployments that keep a dedicated worker pool for the walk. Grids cross
// the wire as base64 little-endian int32 payloads inside JSON.
type Remote struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewRemote creates a routing service client.
func NewRemote(baseURL string, timeout time.Duration, logger *slog.Logger) *Remote {
	return &Remote{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		logger:  logger,
	}
}

type labelRequest struct {
	NCols     int             `json:"ncols"`
	NRows     int             `json:"nrows"`
	Transform [6]float64      `json:"transform"`
	NoData    int32           `json:"nodata"`
	FlowDir   string          `json:"flowdir"` // base64, little-endian int32
	Outlets   []outletPayload `json:"outlets"`
}

type outletPayload struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type labelResponse struct {
	Labels string `json:"labels"` // base64, little-endian int32
	NoData int32  `json:"nodata"`
}

// Label implements Labeler. The service's nodata is remapped to the
// pipeline's label nodata so downstream stages see one convention.
func (c *Remote) Label(ctx context.Context, flowdir *raster.IntGrid, outlets []domain.OutletPoint) (*raster.IntGrid, error) {
	if len(outlets) == 0 {
		return nil, &domain.PreconditionError{Stage: "label", Reason: "no outlet points"}
	}

	reqBody := labelRequest{
		NCols:     flowdir.NCols,
		NRows:     flowdir.NRows,
		Transform: flowdir.Transform,
		NoData:    flowdir.NoData,
		FlowDir:   encodeInt32(flowdir.Data),
	}
	for _, o := range outlets {
		reqBody.Outlets = append(reqBody.Outlets, outletPayload{ID: o.ID, X: o.X, Y: o.Y})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal label request: %w", err)
	}

	u := c.baseURL + "/v1/gagewatershed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("routing service error: status %d: %s", resp.StatusCode, body)
	}

	var labelResp labelResponse
	if err := json.NewDecoder(resp.Body).Decode(&labelResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	data, err := decodeInt32(labelResp.Labels, flowdir.NCols*flowdir.NRows)
	if err != nil {
		return nil, fmt.Errorf("decode label payload: %w", err)
	}
	for i, v := range data {
		if v == labelResp.NoData {
			data[i] = LabelNoData
		}
	}
	c.logger.Debug("remote labeling done",
		"outlets", len(outlets),
		"cells", len(data),
		"duration", time.Since(start))

	return &raster.IntGrid{Frame: flowdir.Frame, NoData: LabelNoData, Data: data}, nil
}

func encodeInt32(data []int32) string {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeInt32(s string, want int) ([]int32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 4*want {
		return nil, fmt.Errorf("payload is %d bytes, want %d", len(raw), 4*want)
	}
	out := make([]int32, want)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
