// Package espeak provides a TTS provider backed by the espeak-ng command-line
// synthesizer. It is fully offline, which keeps the doorbell speaking even
// when the network or hosted engines are down.
//
// The binary is invoked with an explicit argument list; the reply text is
// passed as a single argv element and never goes through a shell.
package espeak

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/dwarpal/dwarpal/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBinary overrides the espeak binary name or path. Defaults to the first
// of "espeak-ng", "espeak" found on PATH.
func WithBinary(bin string) Option {
	return func(p *Provider) {
		p.binary = bin
	}
}

// WithSpeed sets the speaking rate in words per minute. Defaults to 150.
func WithSpeed(wpm int) Option {
	return func(p *Provider) {
		p.speed = wpm
	}
}

// Provider implements tts.Provider by shelling out to espeak-ng.
type Provider struct {
	binary string
	speed  int
}

// New creates a new Provider. It returns an error if no espeak binary can be
// found on PATH and none was supplied via WithBinary.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{speed: 150}
	for _, o := range opts {
		o(p)
	}
	if p.binary == "" {
		for _, candidate := range []string{"espeak-ng", "espeak"} {
			if path, err := exec.LookPath(candidate); err == nil {
				p.binary = path
				break
			}
		}
	}
	if p.binary == "" {
		return nil, errors.New("espeak: no espeak-ng or espeak binary on PATH")
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) error {
	if req.Text == "" {
		return errors.New("espeak: text must not be empty")
	}
	if req.OutputPath == "" {
		return errors.New("espeak: output path must not be empty")
	}

	voice := req.Voice
	if voice == "" {
		voice = "en"
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", voice,
		"-s", fmt.Sprintf("%d", p.speed),
		"-w", req.OutputPath,
		req.Text,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("espeak: synthesis failed: %w (output: %s)", err, out)
	}
	return nil
}
