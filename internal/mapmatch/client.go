// Package mapmatch snaps GPS traces onto the road network through an external
// Valhalla trace_route service.
//
// Every failure (bad input, transport error, timeout, non-200 status,
// malformed body, wrong point count) is reported as ok=false, never as an
// error, so callers can fall through to their own projection tiers.
package mapmatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"transit-trajectories/internal/gtfs"
)

const maxErrorBody = 64 << 10

// Result is a successful match: one matched location per input point and the
// overall route geometry.
type Result struct {
	Points []gtfs.Point `json:"points"`
	Shape  []gtfs.Point `json:"shape"`
}

// Cache stores successful matches keyed by the submitted trace.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool)
	Set(ctx context.Context, key string, r *Result)
}

// Metrics receives request outcomes. It may be nil.
type Metrics interface {
	MatchRequestObserve(d time.Duration)
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Costing string
	Cache   Cache
	Metrics Metrics
	Logger  *zap.Logger
	// HTTPClient overrides the default client; Timeout is still applied.
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	costing    string
	httpClient *http.Client
	cache      Cache
	metrics    Metrics
	log        *zap.Logger
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	}
	costing := opts.Costing
	if costing == "" {
		costing = "auto"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		costing:    costing,
		httpClient: hc,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		log:        log,
	}
}

type shapePoint struct {
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
	Time *int64  `json:"time,omitempty"`
}

type traceRequest struct {
	Shape         []shapePoint `json:"shape"`
	Costing       string       `json:"costing"`
	ShapeMatch    string       `json:"shape_match"`
	Format        string       `json:"format"`
	TraceOptions  traceOptions `json:"trace_options"`
	UseTimestamps bool         `json:"use_timestamps,omitempty"`
	GPSAccuracy   float64      `json:"gps_accuracy"`
	SearchRadius  float64      `json:"search_radius"`
}

type traceOptions struct {
	SearchRadius float64 `json:"search_radius"`
}

type tracepoint struct {
	Location []float64 `json:"location"`
}

type traceResponse struct {
	Matchings []struct {
		Geometry string `json:"geometry"`
	} `json:"matchings"`
	Tracepoints []*tracepoint `json:"tracepoints"`
}

// Match submits the ordered trace. Per-point timestamps are sent only when
// every point carries one (a zero Time means absent).
func (c *Client) Match(ctx context.Context, trace []gtfs.TimedPoint) (*Result, bool) {
	if len(trace) < 2 {
		return nil, false
	}
	req := buildRequest(trace, c.costing)
	if req == nil {
		c.log.Warn("map match skipped: invalid coordinates", zap.Int("points", len(trace)))
		return nil, false
	}

	key := cacheKey(req)
	if c.cache != nil {
		if r, ok := c.cache.Get(ctx, key); ok && len(r.Points) == len(trace) {
			return r, true
		}
	}

	res, ok := c.call(ctx, req, len(trace))
	if ok && c.cache != nil {
		c.cache.Set(ctx, key, res)
	}
	return res, ok
}

func buildRequest(trace []gtfs.TimedPoint, costing string) *traceRequest {
	shape := make([]shapePoint, len(trace))
	allTimed := true
	for i, tp := range trace {
		if !tp.Point.Valid() {
			return nil
		}
		shape[i] = shapePoint{Lon: tp.Lon, Lat: tp.Lat}
		if tp.Time.IsZero() {
			allTimed = false
			continue
		}
		ts := tp.Time.Unix()
		shape[i].Time = &ts
	}
	if !allTimed {
		for i := range shape {
			shape[i].Time = nil
		}
	}
	return &traceRequest{
		Shape:         shape,
		Costing:       costing,
		ShapeMatch:    "map_snap",
		Format:        "osrm",
		TraceOptions:  traceOptions{SearchRadius: 75},
		UseTimestamps: allTimed,
		GPSAccuracy:   10,
		SearchRadius:  50,
	}
}

func (c *Client) call(ctx context.Context, body *traceRequest, want int) (*Result, bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		c.log.Warn("map match request encoding failed", zap.Error(err))
		return nil, false
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trace_route", bytes.NewReader(payload))
	if err != nil {
		c.log.Warn("map match request failed", zap.Error(err))
		return nil, false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if c.metrics != nil {
		c.metrics.MatchRequestObserve(time.Since(start))
	}
	if err != nil {
		c.log.Warn("map match request failed", zap.Error(err))
		return nil, false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("map match service returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("error", errorMessage(raw)))
		c.log.Debug("map match request payload", zap.ByteString("payload", truncate(payload, 1000)))
		return nil, false
	}

	var tr traceResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		c.log.Warn("map match response parse failed", zap.Error(err))
		return nil, false
	}

	var shape []gtfs.Point
	if len(tr.Matchings) > 0 {
		shape = DecodePolyline(tr.Matchings[0].Geometry)
	}

	matched := resolvedTracepoints(tr.Tracepoints)
	if matched == nil && len(shape) > 0 {
		matched = Resample(shape, want)
	}
	if len(matched) != want {
		c.log.Warn("map match point count mismatch",
			zap.Int("expected", want),
			zap.Int("matched", len(matched)))
		return nil, false
	}
	if len(shape) == 0 {
		shape = matched
	}
	return &Result{Points: matched, Shape: shape}, true
}

// resolvedTracepoints returns every tracepoint location, or nil if any is unresolved.
func resolvedTracepoints(tps []*tracepoint) []gtfs.Point {
	if len(tps) == 0 {
		return nil
	}
	out := make([]gtfs.Point, 0, len(tps))
	for _, tp := range tps {
		if tp == nil || len(tp.Location) != 2 {
			return nil
		}
		out = append(out, gtfs.Point{Lat: tp.Location[1], Lon: tp.Location[0]})
	}
	return out
}

// errorMessage extracts a readable message from the error payload shapes the
// service is known to return: {"error": "..."}, {"error": {"message": "..."}},
// {"message": "..."}, a bare JSON value, or non-JSON text.
func errorMessage(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(truncate(raw, 200))
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprint(v)
	}
	msg, ok := obj["error"]
	if !ok {
		msg, ok = obj["message"]
	}
	if !ok {
		return fmt.Sprint(obj)
	}
	if inner, ok := msg.(map[string]any); ok {
		if m, ok := inner["message"]; ok {
			return fmt.Sprint(m)
		}
		return fmt.Sprint(inner)
	}
	return fmt.Sprint(msg)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
