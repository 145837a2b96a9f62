package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/agent/decision"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/orchestrator"
	"github.com/dwarpal/dwarpal/internal/store"
	"github.com/dwarpal/dwarpal/internal/store/sqlite"
	sttmock "github.com/dwarpal/dwarpal/pkg/provider/stt/mock"
	ttsmock "github.com/dwarpal/dwarpal/pkg/provider/tts/mock"
	"github.com/dwarpal/dwarpal/pkg/types"
)

// stage stubs kept minimal; pipeline behaviour itself is covered by the
// orchestrator tests.

type okPerception struct{}

func (okPerception) Perceive(_ context.Context, in agent.PerceptionInput) (agent.PerceptionReport, error) {
	return agent.PerceptionReport{
		SessionID:        in.SessionID,
		PersonDetected:   true,
		VisionConfidence: 0.9,
		Emotion:          agent.EmotionNeutral,
		NumPersons:       1,
		FaceVisible:      true,
		ImagePath:        in.ImagePath,
		Timestamp:        time.Now().UTC(),
	}, nil
}

type okIntelligence struct {
	reply string
}

func (s okIntelligence) Analyze(_ context.Context, in agent.AnalysisInput) (agent.IntelligenceReport, error) {
	return agent.IntelligenceReport{
		SessionID: in.Report.SessionID,
		Intent:    agent.IntentVisitor,
		ReplyText: s.reply,
		RiskScore: 0.1,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s okIntelligence) FollowUp(context.Context, agent.FollowUpInput) (string, error) {
	return s.reply, nil
}

type okAction struct{}

func (okAction) Execute(_ context.Context, in agent.ActionInput) (agent.ActionResult, error) {
	return agent.ActionResult{
		SessionID:  in.Directive.SessionID,
		ActionType: in.Directive.FinalAction,
		Status:     agent.ActionPlayed,
		Payload:    map[string]any{},
		Timestamp:  time.Now().UTC(),
	}, nil
}

type testServer struct {
	srv   *httptest.Server
	store *sqlite.Store
	bus   *bus.Bus
	tts   *ttsmock.Provider
	stt   *sttmock.Provider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "dwarpal.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dir, err := assets.New(t.TempDir())
	if err != nil {
		t.Fatalf("assets.New: %v", err)
	}

	b := bus.New()
	intel := okIntelligence{reply: "Please wait while I notify the owner."}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := orchestrator.New(st, b, dir, okPerception{}, intel, decision.New(), okAction{},
		orchestrator.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	ttsP := &ttsmock.Provider{WriteFile: true}
	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "namaste", Language: "hi", Confidence: 0.8}}

	s := New(orch, st, st, b, dir, intel,
		WithTTS(ttsP), WithSTT(sttP), WithLogger(logger))

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: st, bus: b, tts: ttsP, stt: sttP}
}

func ringForm(t *testing.T, sessionID, deviceID string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sessionID != "" {
		_ = mw.WriteField("session_id", sessionID)
	}
	if deviceID != "" {
		_ = mw.WriteField("device_id", deviceID)
	}
	img, err := mw.CreateFormFile("image", "snap.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = img.Write([]byte("jpeg-bytes"))
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitForStatus(t *testing.T, st *sqlite.Store, id string, want agent.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := st.GetSession(context.Background(), id)
		if err == nil && s.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, want)
}

func TestRingEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body, ctype := ringForm(t, "api_ring_1", "door-1")
	resp, err := http.Post(ts.srv.URL+"/api/ring", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ack map[string]string
	decodeBody(t, resp, &ack)
	if ack["sessionId"] != "api_ring_1" || ack["status"] != "queued" {
		t.Errorf("ack = %v", ack)
	}

	waitForStatus(t, ts.store, "api_ring_1", agent.StatusCompleted)
}

func TestRingEndpoint_JSONBody(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.srv.URL+"/api/ring", "", map[string]any{
		"session_id":   "api_ring_json",
		"device_id":    "door-1",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"image_base64": base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		"metadata":     map[string]string{"firmware": "2.1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ack map[string]string
	decodeBody(t, resp, &ack)
	if ack["sessionId"] != "api_ring_json" || ack["status"] != "queued" {
		t.Errorf("ack = %v", ack)
	}

	waitForStatus(t, ts.store, "api_ring_json", agent.StatusCompleted)
}

func TestRingEndpoint_BadBase64(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.srv.URL+"/api/ring", "", map[string]any{
		"device_id":    "door-1",
		"image_base64": "not-base64!!!",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRingEndpoint_GreetingOnRepeatRing(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.srv.URL+"/api/ring", "", map[string]any{
		"session_id": "api_ring_again", "device_id": "door-1",
	})
	resp.Body.Close()
	waitForStatus(t, ts.store, "api_ring_again", agent.StatusCompleted)

	resp = postJSON(t, ts.srv.URL+"/api/ring", "", map[string]any{
		"session_id": "api_ring_again", "device_id": "door-1",
	})
	var again map[string]string
	decodeBody(t, resp, &again)
	if again["greeting"] != "Please wait while I notify the owner." {
		t.Errorf("repeat ring greeting = %q", again["greeting"])
	}
}

func TestRingEndpoint_MissingDeviceID(t *testing.T) {
	ts := newTestServer(t)

	body, ctype := ringForm(t, "", "")
	resp, err := http.Post(ts.srv.URL+"/api/ring", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionStatusAndDetail(t *testing.T) {
	ts := newTestServer(t)

	body, ctype := ringForm(t, "api_detail", "door-1")
	resp, err := http.Post(ts.srv.URL+"/api/ring", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	waitForStatus(t, ts.store, "api_detail", agent.StatusCompleted)

	resp, err = http.Get(ts.srv.URL + "/api/session/api_detail/status")
	if err != nil {
		t.Fatal(err)
	}
	var sess struct {
		SessionID   string  `json:"sessionId"`
		Status      string  `json:"status"`
		LastUpdated string  `json:"lastUpdated"`
		RiskScore   float64 `json:"riskScore"`
		FinalAction string  `json:"finalAction"`
	}
	decodeBody(t, resp, &sess)
	if sess.SessionID != "api_detail" || sess.Status != string(agent.StatusCompleted) {
		t.Errorf("session = %+v", sess)
	}
	if sess.LastUpdated == "" || sess.FinalAction == "" {
		t.Errorf("status view incomplete: %+v", sess)
	}

	resp, err = http.Get(ts.srv.URL + "/api/session/api_detail/detail")
	if err != nil {
		t.Fatal(err)
	}
	var detail store.SessionDetail
	decodeBody(t, resp, &detail)
	if detail.Perception == nil || detail.Decision == nil {
		t.Errorf("detail missing reports: %+v", detail)
	}
	if detail.Visitor == nil || detail.Visitor.Type != string(agent.IntentVisitor) {
		t.Errorf("visitor card = %+v", detail.Visitor)
	}

	resp, err = http.Get(ts.srv.URL + "/api/session/no_such/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", resp.StatusCode)
	}
}

func TestLogsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/api/logs?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/api/logs?limit=0")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}
}

func TestAIReply(t *testing.T) {
	ts := newTestServer(t)

	body, ctype := ringForm(t, "api_chat", "door-1")
	resp, err := http.Post(ts.srv.URL+"/api/ring", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	waitForStatus(t, ts.store, "api_chat", agent.StatusCompleted)

	resp = postJSON(t, ts.srv.URL+"/api/ai-reply", "", map[string]string{
		"session_id": "api_chat",
		"message":    "is anyone home?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["reply"] != "Please wait while I notify the owner." {
		t.Errorf("reply = %v", out["reply"])
	}

	turns, err := ts.store.ListTranscripts(context.Background(), "api_chat")
	if err != nil {
		t.Fatal(err)
	}
	last := turns[len(turns)-1]
	if last.Role != agent.RoleDoorbell {
		t.Errorf("last transcript role = %q", last.Role)
	}
	if turns[len(turns)-2].Content != "is anyone home?" {
		t.Errorf("visitor turn missing: %+v", turns)
	}
}

func TestAIReply_UnknownSession(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.srv.URL+"/api/ai-reply", "", map[string]string{
		"session_id": "ghost", "message": "hello",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func registerOwner(t *testing.T, ts *testServer) string {
	t.Helper()
	resp := postJSON(t, ts.srv.URL+"/api/auth/register", "", map[string]string{
		"username": "asha", "password": "long-enough-pw", "name": "Asha",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &out)
	if out.Token == "" {
		t.Fatal("no token returned")
	}
	return out.Token
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)
	token := registerOwner(t, ts)

	// Duplicate username conflicts.
	resp := postJSON(t, ts.srv.URL+"/api/auth/register", "", map[string]string{
		"username": "asha", "password": "long-enough-pw",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}

	// Me with token.
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	meResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var owner store.Owner
	decodeBody(t, meResp, &owner)
	if owner.Username != "asha" {
		t.Errorf("me = %+v", owner)
	}

	// Wrong password.
	resp = postJSON(t, ts.srv.URL+"/api/auth/login", "", map[string]string{
		"username": "asha", "password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}

	// Logout kills the token.
	resp = postJSON(t, ts.srv.URL+"/api/auth/logout", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("logout status = %d", resp.StatusCode)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.srv.URL+"/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	meResp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	meResp.Body.Close()
	if meResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("me after logout = %d, want 401", meResp.StatusCode)
	}
}

func TestOwnerReply(t *testing.T) {
	ts := newTestServer(t)
	token := registerOwner(t, ts)

	body, ctype := ringForm(t, "api_owner", "door-1")
	resp, err := http.Post(ts.srv.URL+"/api/ring", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	waitForStatus(t, ts.store, "api_owner", agent.StatusCompleted)

	// Unauthenticated is rejected.
	resp = postJSON(t, ts.srv.URL+"/api/owner-reply", "", map[string]string{
		"session_id": "api_owner", "message": "leave it at the gate",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, ts.srv.URL+"/api/owner-reply", token, map[string]string{
		"session_id": "api_owner", "message": "leave it at the gate",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if ts.tts.CallCount() == 0 {
		t.Error("owner reply never synthesized")
	}
	turns, err := ts.store.ListTranscripts(context.Background(), "api_owner")
	if err != nil {
		t.Fatal(err)
	}
	last := turns[len(turns)-1]
	if last.Content != "leave it at the gate" {
		t.Errorf("transcript = %+v", turns)
	}
	if last.Role != agent.RoleDoorbell || last.Speaker != agent.SpeakerOwner {
		t.Errorf("owner turn role = %q speaker = %q", last.Role, last.Speaker)
	}
}

func TestMembersCRUD(t *testing.T) {
	ts := newTestServer(t)
	token := registerOwner(t, ts)

	resp := postJSON(t, ts.srv.URL+"/api/members", token, map[string]any{
		"name": "Ravi", "role": "gardener", "permitted": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	var m store.Member
	decodeBody(t, resp, &m)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/members", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Members []store.Member `json:"members"`
	}
	decodeBody(t, listResp, &list)
	if len(list.Members) != 1 || list.Members[0].Name != "Ravi" {
		t.Fatalf("members = %+v", list.Members)
	}

	req, _ = http.NewRequest(http.MethodDelete,
		ts.srv.URL+"/api/members/"+itoa(m.ID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", delResp.StatusCode)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestTTSEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.srv.URL+"/api/tts", "", map[string]string{"text": "hello there"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	decodeBody(t, resp, &out)
	if !strings.HasPrefix(out["tts_file"], "tts/preview-") {
		t.Errorf("tts_file = %q", out["tts_file"])
	}
	if got := ts.tts.SynthesizeCalls[0].Req.Voice; got != "en" {
		t.Errorf("voice = %q, want en", got)
	}
}

func TestTranscribeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("RIFF-fake"))
	_ = mw.Close()

	resp, err := http.Post(ts.srv.URL+"/api/transcribe", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	decodeBody(t, resp, &out)
	if out["text"] != "namaste" || out["language"] != "hi" {
		t.Errorf("out = %v", out)
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/ws/owner"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server loop a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for ts.bus.SubscriberCount(bus.ChannelOwner) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ts.bus.Publish(bus.ChannelOwner, bus.Event{
		Type:      bus.EventNewRing,
		SessionID: "ws_sess",
		Payload:   map[string]any{"device_id": "door-1"},
	})

	var ev bus.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != bus.EventNewRing || ev.SessionID != "ws_sess" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
