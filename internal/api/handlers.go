package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/agent/action"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/orchestrator"
	"github.com/dwarpal/dwarpal/internal/store"
	"github.com/dwarpal/dwarpal/internal/transcript"
	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	"github.com/dwarpal/dwarpal/pkg/provider/tts"
)

// ringRequest is the JSON ingress body sent by doorbell firmware. Media
// arrives base64-encoded.
type ringRequest struct {
	SessionID   string            `json:"session_id"`
	Timestamp   time.Time         `json:"timestamp"`
	DeviceID    string            `json:"device_id"`
	ImageBase64 string            `json:"image_base64"`
	AudioBase64 string            `json:"audio_base64"`
	Metadata    map[string]string `json:"metadata"`
}

// ringResponse acknowledges one ring. Greeting is present only when the
// session already has a reply, as happens for repeat rings on a live session.
type ringResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Greeting  string `json:"greeting,omitempty"`
}

// handleRing ingests one doorbell press. The canonical body is JSON with
// base64 media; multipart forms are accepted as well for devices that stream
// files directly.
func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var (
		ev  orchestrator.RingEvent
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		ev, err = ringFromMultipart(r)
	} else {
		ev, err = ringFromJSON(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	ack, err := s.orch.Ring(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrBackPressure), errors.Is(err, orchestrator.ErrDraining):
			s.writeDomainError(w, err)
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	resp := ringResponse{SessionID: ack.SessionID, Status: string(ack.Status)}
	if intel, err := s.store.GetIntelligence(r.Context(), ack.SessionID); err == nil && intel != nil {
		resp.Greeting = intel.ReplyText
	}
	writeJSON(w, http.StatusOK, resp)
}

func ringFromJSON(r *http.Request) (orchestrator.RingEvent, error) {
	var req ringRequest
	if err := decodeJSON(r, &req); err != nil {
		return orchestrator.RingEvent{}, errors.New("invalid json body")
	}
	ev := orchestrator.RingEvent{
		SessionID: req.SessionID,
		DeviceID:  req.DeviceID,
		Timestamp: req.Timestamp,
		Metadata:  req.Metadata,
	}
	var err error
	if req.ImageBase64 != "" {
		if ev.ImageBytes, err = base64.StdEncoding.DecodeString(req.ImageBase64); err != nil {
			return orchestrator.RingEvent{}, errors.New("image_base64 is not valid base64")
		}
	}
	if req.AudioBase64 != "" {
		if ev.AudioBytes, err = base64.StdEncoding.DecodeString(req.AudioBase64); err != nil {
			return orchestrator.RingEvent{}, errors.New("audio_base64 is not valid base64")
		}
	}
	return ev, nil
}

func ringFromMultipart(r *http.Request) (orchestrator.RingEvent, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return orchestrator.RingEvent{}, errors.New("expected multipart form")
	}
	ev := orchestrator.RingEvent{
		SessionID: r.FormValue("session_id"),
		DeviceID:  r.FormValue("device_id"),
	}
	var err error
	if ev.ImageBytes, err = formFileBytes(r, "image"); err != nil {
		return orchestrator.RingEvent{}, errors.New("image part unreadable")
	}
	if ev.AudioBytes, err = formFileBytes(r, "audio"); err != nil {
		return orchestrator.RingEvent{}, errors.New("audio part unreadable")
	}
	return ev, nil
}

// formFileBytes reads one optional file part fully into memory.
func formFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// sessionStatusResponse is the firmware-facing status view of a session.
type sessionStatusResponse struct {
	SessionID   string    `json:"sessionId"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"lastUpdated"`
	RiskScore   float64   `json:"riskScore"`
	FinalAction string    `json:"finalAction,omitempty"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := sessionStatusResponse{
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		LastUpdated: sess.LastUpdated,
		RiskScore:   sess.RiskScore,
	}
	if sess.FinalAction != nil {
		resp.FinalAction = string(*sess.FinalAction)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.store.SessionDetail(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be in 1..100")
			return
		}
		limit = n
	}
	logs, err := s.store.RecentLogs(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type aiReplyRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleAIReply generates the doorbell's reply to a visitor follow-up
// utterance and records both turns on the session transcript.
func (s *Server) handleAIReply(w http.ResponseWriter, r *http.Request) {
	var req aiReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	if _, err := s.store.GetSession(r.Context(), req.SessionID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	history, err := s.store.ListTranscripts(r.Context(), req.SessionID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	report, err := s.store.GetPerception(r.Context(), req.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeDomainError(w, err)
		return
	}

	replyText, err := s.intel.FollowUp(r.Context(), agent.FollowUpInput{
		SessionID: req.SessionID,
		Message:   req.Message,
		History:   history,
		Report:    report,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendTurn(r, req.SessionID, agent.RoleVisitor, "", req.Message)
	s.appendTurn(r, req.SessionID, agent.RoleDoorbell, "", replyText)

	resp := map[string]any{"reply": replyText}
	if s.tts != nil {
		if wav, err := s.speak(r, req.SessionID, replyText); err != nil {
			s.logger.Warn("follow-up tts failed",
				slog.String("session_id", req.SessionID), slog.Any("error", err))
		} else {
			resp["tts_file"] = s.assets.Rel(wav)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type ownerReplyRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleOwnerReply speaks the owner's message at the door and notifies
// listeners. Requires authentication.
func (s *Server) handleOwnerReply(w http.ResponseWriter, r *http.Request) {
	var req ownerReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	if _, err := s.store.GetSession(r.Context(), req.SessionID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.tts == nil {
		writeError(w, http.StatusServiceUnavailable, "speech synthesis not configured")
		return
	}

	wav, err := s.speak(r, req.SessionID, req.Message)
	if err != nil {
		s.writeDomainError(w, fmt.Errorf("api: owner reply tts: %w", err))
		return
	}

	// The door speaks the owner's words, so the turn stays doorbell-role but
	// the speaker records who authored it.
	s.appendTurn(r, req.SessionID, agent.RoleDoorbell, agent.SpeakerOwner, req.Message)
	if _, err := s.store.AppendAudit(r.Context(), store.AuditRow{
		SessionID:  req.SessionID,
		Agent:      "owner",
		ActionType: "owner_reply",
		Status:     string(agent.ActionPlayed),
	}); err != nil {
		s.logger.Error("owner reply audit failed", slog.Any("error", err))
	}

	ev := bus.Event{
		Type:      bus.EventOwnerReply,
		SessionID: req.SessionID,
		Payload:   map[string]any{"tts_file": s.assets.Rel(wav)},
	}
	s.bus.Publish(req.SessionID, ev)
	s.bus.Publish(bus.ChannelOwner, ev)

	writeJSON(w, http.StatusOK, map[string]any{"status": "played", "tts_file": s.assets.Rel(wav)})
}

// speak sanitizes text and synthesizes it into the session's tts slot.
func (s *Server) speak(r *http.Request, sessionID, text string) (string, error) {
	clean := action.Sanitize(text)
	wav, err := s.assets.Path(assets.DirTTS, sessionID+".wav")
	if err != nil {
		return "", err
	}
	voice := "en"
	if transcript.HasDevanagari(clean) {
		voice = "hi"
	}
	if err := s.tts.Synthesize(r.Context(), tts.Request{
		Text:       clean,
		Voice:      voice,
		OutputPath: wav,
	}); err != nil {
		return "", err
	}
	return wav, nil
}

func (s *Server) appendTurn(r *http.Request, sessionID string, role agent.Role, speaker, content string) {
	if err := s.store.AppendTranscript(r.Context(), agent.TranscriptEntry{
		SessionID: sessionID,
		Role:      role,
		Speaker:   speaker,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Error("transcript append failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// handleTranscribe runs a standalone STT pass over an uploaded clip.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.stt == nil {
		writeError(w, http.StatusServiceUnavailable, "transcription not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}
	data, err := requiredFileBytes(r, "audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio part is required")
		return
	}

	path, err := s.assets.WriteFile(assets.DirTmp, data, "uploads", uuid.NewString()+".wav")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	t, err := s.stt.Transcribe(r.Context(), stt.Request{AudioPath: path})
	if err != nil {
		s.writeDomainError(w, fmt.Errorf("api: transcribe: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":       t.Text,
		"language":   t.Language,
		"confidence": t.Confidence,
	})
}

func requiredFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer func(f multipart.File) { _ = f.Close() }(f)
	return io.ReadAll(f)
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// handleTTS synthesizes arbitrary text into a one-off preview file.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.tts == nil {
		writeError(w, http.StatusServiceUnavailable, "speech synthesis not configured")
		return
	}
	var req ttsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	clean := action.Sanitize(req.Text)
	if clean == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	voice := req.Voice
	if voice == "" {
		voice = "en"
		if transcript.HasDevanagari(clean) {
			voice = "hi"
		}
	}
	wav, err := s.assets.Path(assets.DirTTS, "preview-"+uuid.NewString()+".wav")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.tts.Synthesize(r.Context(), tts.Request{
		Text:       clean,
		Voice:      voice,
		OutputPath: wav,
	}); err != nil {
		s.writeDomainError(w, fmt.Errorf("api: tts: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tts_file": s.assets.Rel(wav)})
}
