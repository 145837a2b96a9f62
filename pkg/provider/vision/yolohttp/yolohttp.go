// Package yolohttp provides a vision provider backed by a local YOLO
// inference server.
//
// It connects to a running detector process (which exposes a REST API at
// POST /detect) and submits each doorbell snapshot as a multipart upload. The
// server replies with the detected boxes and, optionally, the path of an
// annotated copy of the snapshot it has written.
//
// Usage:
//
//	p, err := yolohttp.New("http://localhost:8090")
//	res, err := p.Detect(ctx, "data/snaps/visitor_ab12cd34.jpg")
package yolohttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dwarpal/dwarpal/pkg/provider/vision"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// Compile-time assertion that Provider implements vision.Provider.
var _ vision.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithConfidenceFloor sets the minimum confidence forwarded to the detector.
// Boxes below the floor are dropped server-side. Defaults to 0.25.
func WithConfidenceFloor(conf float64) Option {
	return func(p *Provider) {
		p.confFloor = conf
	}
}

// WithHTTPClient replaces the default HTTP client. Useful for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements vision.Provider backed by a YOLO HTTP inference server.
// Multiple detections may run concurrently.
type Provider struct {
	serverURL  string
	confFloor  float64
	httpClient *http.Client
}

// New creates a new Provider that connects to the detector at serverURL
// (e.g., "http://localhost:8090"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("yolohttp: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		confFloor:  0.25,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Detect uploads the snapshot at imagePath to the /detect endpoint and
// returns the parsed detections.
func (p *Provider) Detect(ctx context.Context, imagePath string) (types.VisionResult, error) {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: read image: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: create form file: %w", err)
	}
	if _, err := fw.Write(img); err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: write image data: %w", err)
	}
	if err := mw.WriteField("conf", fmt.Sprintf("%.2f", p.confFloor)); err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: write conf field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/detect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.VisionResult{}, fmt.Errorf("yolohttp: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: read response body: %w", err)
	}

	var parsed struct {
		Detections []struct {
			Label      string  `json:"label"`
			Confidence float64 `json:"confidence"`
			Box        [4]int  `json:"box"`
		} `json:"detections"`
		AnnotatedPath string `json:"annotated_path"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return types.VisionResult{}, fmt.Errorf("yolohttp: parse JSON response: %w", err)
	}

	res := types.VisionResult{AnnotatedPath: parsed.AnnotatedPath}
	for _, d := range parsed.Detections {
		res.Detections = append(res.Detections, types.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        d.Box,
		})
	}
	return res, nil
}
