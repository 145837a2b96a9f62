// Package static provides a model-less vision provider for deployments that
// run with detection disabled. It reports a single medium-confidence person
// so that downstream stages still exercise their full logic.
package static

import (
	"context"

	"github.com/dwarpal/dwarpal/pkg/provider/vision"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// Provider implements [vision.Provider] without any model.
type Provider struct{}

// Compile-time interface assertion.
var _ vision.Provider = (*Provider)(nil)

// New creates a static vision provider.
func New() *Provider { return &Provider{} }

// Detect returns a fixed single-person result regardless of the image.
func (p *Provider) Detect(_ context.Context, _ string) (types.VisionResult, error) {
	return types.VisionResult{
		Detections: []types.Detection{{Label: "person", Confidence: 0.6}},
	}, nil
}
