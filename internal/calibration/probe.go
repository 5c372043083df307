package calibration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/motion.report/internal/httputil"
)

// HTTPProbe asks a sensor gateway to sample a sensor with the given
// parameters. The gateway answers POST {BaseURL}/sensors/{id}/probe with
// {"quality": q}.
type HTTPProbe struct {
	BaseURL string
	Client  httputil.Doer
}

// NewHTTPProbe returns a probe against baseURL using client, or
// http.DefaultClient when client is nil.
func NewHTTPProbe(baseURL string, client httputil.Doer) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

type probeResponse struct {
	Quality *float64 `json:"quality"`
}

func (h *HTTPProbe) Probe(ctx context.Context, sensorID string, p Params) (float64, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	u := h.BaseURL + "/sensors/" + url.PathEscape(sensorID) + "/probe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", sensorID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("probe %s: gateway returned %d: %s", sensorID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var pr probeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&pr); err != nil {
		return 0, fmt.Errorf("probe %s: decode response: %w", sensorID, err)
	}
	if pr.Quality == nil {
		return 0, fmt.Errorf("probe %s: response has no quality", sensorID)
	}
	q := *pr.Quality
	if math.IsNaN(q) || q < 0 || q > 1 {
		return 0, errors.New("probe " + sensorID + ": quality outside [0,1]")
	}
	return q, nil
}
