// Package perception implements the first pipeline stage: it turns a
// doorbell snapshot and audio clip into a PerceptionReport by running object
// detection, weapon detection, speech-to-text, and a set of transcript
// heuristics (emotion, context flags, anti-spoof).
package perception

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/transcript"
	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	"github.com/dwarpal/dwarpal/pkg/provider/vision"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// weaponConfidenceFloor discards weapon detections below this confidence.
const weaponConfidenceFloor = 0.6

// faceVisibleFloor is the minimum best-person confidence below which the face
// is assumed obscured.
const faceVisibleFloor = 0.35

// weaponLabels are the detector labels treated as weapons when no dedicated
// weapon model is configured.
var weaponLabels = map[string]bool{
	"knife":  true,
	"gun":    true,
	"pistol": true,
	"rifle":  true,
}

// Engine implements [agent.Perception].
type Engine struct {
	vision  vision.Provider
	weapons vision.Provider // optional dedicated weapon detector
	stt     stt.Provider
	logger  *slog.Logger
}

// Compile-time interface assertion.
var _ agent.Perception = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithWeaponDetector sets a dedicated weapon detection provider. Without one,
// weapon labels are filtered out of the main detector's output.
func WithWeaponDetector(p vision.Provider) Option {
	return func(e *Engine) { e.weapons = p }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a perception Engine using the given vision and STT providers.
func New(visionProvider vision.Provider, sttProvider stt.Provider, opts ...Option) *Engine {
	e := &Engine{
		vision: visionProvider,
		stt:    sttProvider,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Perceive runs detection and transcription for one ring event. Provider
// failures degrade the report instead of failing the stage; only context
// cancellation is returned as an error.
func (e *Engine) Perceive(ctx context.Context, in agent.PerceptionInput) (agent.PerceptionReport, error) {
	report := agent.PerceptionReport{
		SessionID:    in.SessionID,
		Emotion:      agent.EmotionNeutral,
		FaceVisible:  true,
		ImagePath:    in.ImagePath,
		AudioPresent: in.AudioPath != "",
		Timestamp:    time.Now().UTC(),
	}

	if in.ImagePath != "" {
		vis, err := e.vision.Detect(ctx, in.ImagePath)
		if err != nil {
			if ctx.Err() != nil {
				return agent.PerceptionReport{}, fmt.Errorf("perception: vision: %w", ctx.Err())
			}
			e.logger.Warn("vision detection failed, degrading report",
				slog.String("session_id", in.SessionID), slog.Any("error", err))
			report.Degraded = true
		} else {
			applyVision(&report, vis, e.weapons == nil)
		}

		if e.weapons != nil {
			weap, err := e.weapons.Detect(ctx, in.ImagePath)
			if err != nil {
				if ctx.Err() != nil {
					return agent.PerceptionReport{}, fmt.Errorf("perception: weapon detection: %w", ctx.Err())
				}
				e.logger.Warn("weapon detection failed",
					slog.String("session_id", in.SessionID), slog.Any("error", err))
			} else {
				applyWeapons(&report, weap.Detections)
			}
		}
	}

	if in.AudioPath != "" {
		tr, err := e.stt.Transcribe(ctx, stt.Request{AudioPath: in.AudioPath})
		if err != nil {
			if ctx.Err() != nil {
				return agent.PerceptionReport{}, fmt.Errorf("perception: stt: %w", ctx.Err())
			}
			e.logger.Warn("transcription failed, degrading report",
				slog.String("session_id", in.SessionID), slog.Any("error", err))
			report.Degraded = true
		} else {
			report.Transcript = tr.Text
			report.STTConfidence = tr.Confidence
		}
	}

	normalized := transcript.Normalize(report.Transcript)

	report.Emotion = inferEmotion(normalized)
	report.ContextFlags = detectContextFlags(normalized, report.Objects, report.PersonDetected, report.NumPersons)
	report.AntiSpoofScore = antiSpoofScore(report)

	e.logger.Info("perception complete",
		slog.String("session_id", in.SessionID),
		slog.Bool("person_detected", report.PersonDetected),
		slog.Int("num_persons", report.NumPersons),
		slog.Bool("weapon_detected", report.WeaponDetected),
		slog.String("emotion", string(report.Emotion)),
		slog.Float64("anti_spoof", report.AntiSpoofScore),
	)
	return report, nil
}

// applyVision folds the detector output into the report. When
// classifyWeapons is true, weapon-vocabulary labels also drive the weapon
// fields (no dedicated weapon model configured).
func applyVision(report *agent.PerceptionReport, vis types.VisionResult, classifyWeapons bool) {
	bestPerson := 0.0
	for _, d := range vis.Detections {
		label := strings.ToLower(d.Label)
		report.Objects = append(report.Objects, agent.ObjectDetection{
			Label:      label,
			Confidence: d.Confidence,
		})
		if d.Confidence > report.VisionConfidence {
			report.VisionConfidence = d.Confidence
		}
		if label == "person" {
			report.PersonDetected = true
			report.NumPersons++
			if d.Confidence > bestPerson {
				bestPerson = d.Confidence
			}
		}
		if classifyWeapons && weaponLabels[label] && d.Confidence >= weaponConfidenceFloor {
			report.WeaponDetected = true
			report.WeaponLabels = append(report.WeaponLabels, label)
			if d.Confidence > report.WeaponConfidence {
				report.WeaponConfidence = d.Confidence
			}
		}
	}
	if report.PersonDetected {
		report.FaceVisible = bestPerson >= faceVisibleFloor
	}
	if vis.AnnotatedPath != "" {
		report.ImagePath = vis.AnnotatedPath
	}
}

// applyWeapons folds a dedicated weapon detector's output into the report.
func applyWeapons(report *agent.PerceptionReport, detections []types.Detection) {
	for _, d := range detections {
		if d.Confidence < weaponConfidenceFloor {
			continue
		}
		report.WeaponDetected = true
		report.WeaponLabels = append(report.WeaponLabels, strings.ToLower(d.Label))
		if d.Confidence > report.WeaponConfidence {
			report.WeaponConfidence = d.Confidence
		}
	}
}

// antiSpoofScore estimates the chance the ring was not produced by a real
// person at the door. Base signals come from vision confidence and the
// audio/transcript combination; context flags and a hidden face add further
// penalties.
func antiSpoofScore(report agent.PerceptionReport) float64 {
	if !report.PersonDetected {
		return 0.9
	}
	score := 0.0
	if report.VisionConfidence <= 0.5 {
		score += 0.3
	}
	if report.AudioPresent && strings.TrimSpace(report.Transcript) == "" {
		score += 0.2
	}
	if !report.AudioPresent {
		score += 0.1
	}
	if !report.FaceVisible {
		score += 0.25
	}
	for _, flag := range report.ContextFlags {
		switch flag {
		case FlagClaimObjectMismatch:
			score += 0.20
		case FlagOTPRequest:
			score += 0.15
		case FlagOccupancyProbe:
			score += 0.15
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}
