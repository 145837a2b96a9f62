// Package action implements the final pipeline stage: executing a Directive's
// side effects. It synthesizes speech for the visitor, records owner
// notifications, and publishes the matching bus events. It never decides and
// never retries; failures are logged and surfaced as a failed result.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/store"
	"github.com/dwarpal/dwarpal/internal/transcript"
	"github.com/dwarpal/dwarpal/pkg/provider/tts"
)

// maxTTSLength bounds the synthesized text so a hostile transcript cannot
// produce minutes of speech.
const maxTTSLength = 240

// Executor implements [agent.Action].
type Executor struct {
	assets       *assets.Dir
	tts          tts.Provider
	store        store.Store
	bus          *bus.Bus
	englishVoice string
	hindiVoice   string
	logger       *slog.Logger
}

// Compile-time interface assertion.
var _ agent.Action = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithVoices sets the TTS voices for Latin and Devanagari text.
// Defaults: "en", "hi".
func WithVoices(english, hindi string) Option {
	return func(e *Executor) {
		e.englishVoice = english
		e.hindiVoice = hindi
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an action Executor.
func New(dir *assets.Dir, ttsProvider tts.Provider, st store.Store, b *bus.Bus, opts ...Option) *Executor {
	e := &Executor{
		assets:       dir,
		tts:          ttsProvider,
		store:        st,
		bus:          b,
		englishVoice: "en",
		hindiVoice:   "hi",
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs the Directive's side effects and returns the result. The
// result is returned with a non-nil error only when a side effect failed; the
// result's status is then StatusFailed.
func (e *Executor) Execute(ctx context.Context, in agent.ActionInput) (agent.ActionResult, error) {
	result := agent.ActionResult{
		SessionID:  in.Directive.SessionID,
		ActionType: in.Directive.FinalAction,
		Payload:    map[string]any{},
		Timestamp:  time.Now().UTC(),
	}

	switch in.Directive.FinalAction {
	case agent.ActionAutoReply:
		return e.autoReply(ctx, in, result)

	case agent.ActionNotifyOwner:
		return e.notifyOwner(ctx, in, result, false)

	case agent.ActionEscalate:
		// Notify with urgency, then speak the security line to the visitor.
		result, err := e.notifyOwner(ctx, in, result, true)
		if err != nil {
			return result, err
		}
		if ttsPath, txtPath, err := e.speak(ctx, in); err != nil {
			e.logger.Warn("escalation tts failed",
				slog.String("session_id", in.Directive.SessionID), slog.Any("error", err))
		} else {
			result.Payload["tts_file"] = e.assets.Rel(ttsPath)
			result.Payload["tts_text_file"] = e.assets.Rel(txtPath)
		}
		return result, nil

	default:
		result.Status = agent.ActionIgnored
		return result, nil
	}
}

// autoReply sanitizes and speaks the reply to the visitor.
func (e *Executor) autoReply(ctx context.Context, in agent.ActionInput, result agent.ActionResult) (agent.ActionResult, error) {
	ttsPath, txtPath, err := e.speak(ctx, in)
	if err != nil {
		result.Status = agent.ActionFailed
		result.Payload["error"] = err.Error()
		return result, fmt.Errorf("action: auto reply: %w", err)
	}
	result.Status = agent.ActionPlayed
	result.Payload["tts_file"] = e.assets.Rel(ttsPath)
	result.Payload["tts_text_file"] = e.assets.Rel(txtPath)
	return result, nil
}

// notifyOwner appends the owner-facing audit row and publishes the stage
// event on the owner channel.
func (e *Executor) notifyOwner(ctx context.Context, in agent.ActionInput, result agent.ActionResult, urgent bool) (agent.ActionResult, error) {
	payload := map[string]any{
		"message":    in.Intelligence.ReplyText,
		"risk_score": in.Intelligence.RiskScore,
		"image_path": in.Perception.ImagePath,
	}
	if urgent {
		payload["urgent"] = true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		result.Status = agent.ActionFailed
		return result, fmt.Errorf("action: marshal payload: %w", err)
	}

	if _, err := e.store.AppendAudit(ctx, store.AuditRow{
		SessionID:   in.Directive.SessionID,
		Agent:       "action",
		ActionType:  string(in.Directive.FinalAction),
		PayloadJSON: string(raw),
		Status:      string(agent.ActionQueued),
		ShortReason: in.Directive.Reason,
	}); err != nil {
		result.Status = agent.ActionFailed
		result.Payload["error"] = err.Error()
		return result, fmt.Errorf("action: audit notify: %w", err)
	}

	e.bus.Publish(bus.ChannelOwner, bus.Event{
		Type:      bus.EventPipelineStage,
		SessionID: in.Directive.SessionID,
		Payload:   payload,
	})

	result.Status = agent.ActionQueued
	for k, v := range payload {
		result.Payload[k] = v
	}
	return result, nil
}

// speak sanitizes the reply, writes the text preview, and synthesizes the
// audio file. The TTS provider receives the text through a typed request,
// never a shell string.
func (e *Executor) speak(ctx context.Context, in agent.ActionInput) (wavPath, txtPath string, err error) {
	if e.tts == nil {
		return "", "", errors.New("no tts provider configured")
	}
	text := Sanitize(in.Intelligence.ReplyText)
	sessionID := in.Directive.SessionID

	txtPath, err = e.assets.WriteFile(assets.DirTTS, []byte(text), sessionID+".txt")
	if err != nil {
		return "", "", fmt.Errorf("write preview: %w", err)
	}

	wavPath, err = e.assets.Path(assets.DirTTS, sessionID+".wav")
	if err != nil {
		return "", "", err
	}

	voice := e.englishVoice
	if transcript.HasDevanagari(text) {
		voice = e.hindiVoice
	}

	if err := e.tts.Synthesize(ctx, tts.Request{
		Text:       text,
		Voice:      voice,
		OutputPath: wavPath,
	}); err != nil {
		return "", "", fmt.Errorf("synthesize: %w", err)
	}
	return wavPath, txtPath, nil
}

// Sanitize strips control and other non-printable characters, replaces double
// quotes with single quotes, and truncates to the TTS length limit.
func Sanitize(text string) string {
	var sb strings.Builder
	for _, r := range text {
		if !unicode.IsPrint(r) {
			continue
		}
		if r == '"' {
			r = '\''
		}
		sb.WriteRune(r)
	}
	out := sb.String()
	if len(out) > maxTTSLength {
		out = truncateRunes(out, maxTTSLength)
	}
	return out
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
