package agent

import "time"

// Status is the lifecycle state of a session. Statuses advance monotonically
// through the pipeline order; StatusError is terminal from any non-terminal
// state and StatusCompleted is terminal.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusPerceptionDone   Status = "perception_done"
	StatusIntelligenceDone Status = "intelligence_done"
	StatusDecisionDone     Status = "decision_done"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// statusRank orders the non-terminal pipeline states for monotonicity checks.
var statusRank = map[Status]int{
	StatusQueued:           0,
	StatusProcessing:       1,
	StatusPerceptionDone:   2,
	StatusIntelligenceDone: 3,
	StatusDecisionDone:     4,
	StatusCompleted:        5,
	StatusError:            6,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether a session in state s may move to next.
// Transitions to StatusError are allowed from any non-terminal state; all
// other transitions must advance strictly forward in pipeline order.
func (s Status) CanTransition(next Status) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Intent is the classified purpose of a visit. The set is closed; matching
// order is fixed by the intelligence engine.
type Intent string

const (
	IntentAggression        Intent = "aggression"
	IntentHelp              Intent = "help"
	IntentScamAttempt       Intent = "scam_attempt"
	IntentOccupancyProbe    Intent = "occupancy_probe"
	IntentIdentityClaim     Intent = "identity_claim"
	IntentEntryRequest      Intent = "entry_request"
	IntentGovernmentClaim   Intent = "government_claim"
	IntentDomesticStaff     Intent = "domestic_staff"
	IntentReligiousDonation Intent = "religious_donation"
	IntentSalesMarketing    Intent = "sales_marketing"
	IntentChildElderly      Intent = "child_elderly"
	IntentDelivery          Intent = "delivery"
	IntentVisitor           Intent = "visitor"
	IntentUnknown           Intent = "unknown"
)

// Intents lists all intents in classification priority order.
var Intents = []Intent{
	IntentAggression,
	IntentHelp,
	IntentScamAttempt,
	IntentOccupancyProbe,
	IntentIdentityClaim,
	IntentEntryRequest,
	IntentGovernmentClaim,
	IntentDomesticStaff,
	IntentReligiousDonation,
	IntentSalesMarketing,
	IntentChildElderly,
	IntentDelivery,
	IntentVisitor,
	IntentUnknown,
}

// IsValid reports whether i is a known intent.
func (i Intent) IsValid() bool {
	for _, v := range Intents {
		if i == v {
			return true
		}
	}
	return false
}

// FinalAction is the Decision stage's verdict.
type FinalAction string

const (
	ActionAutoReply   FinalAction = "auto_reply"
	ActionNotifyOwner FinalAction = "notify_owner"
	ActionEscalate    FinalAction = "escalate"
	ActionIgnore      FinalAction = "ignore"
)

// IsValid reports whether a is a known final action.
func (a FinalAction) IsValid() bool {
	switch a {
	case ActionAutoReply, ActionNotifyOwner, ActionEscalate, ActionIgnore:
		return true
	}
	return false
}

// Emotion is the rule-inferred emotional tone of a transcript.
type Emotion string

const (
	EmotionNeutral    Emotion = "neutral"
	EmotionAggressive Emotion = "aggressive"
	EmotionDistressed Emotion = "distressed"
)

// IsValid reports whether e is a known emotion.
func (e Emotion) IsValid() bool {
	switch e {
	case EmotionNeutral, EmotionAggressive, EmotionDistressed:
		return true
	}
	return false
}

// Weight returns the emotion's contribution to the risk base term.
func (e Emotion) Weight() float64 {
	switch e {
	case EmotionAggressive:
		return 0.6
	case EmotionDistressed:
		return 0.4
	default:
		return 0.2
	}
}

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleDoorbell Role = "doorbell"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleVisitor || r == RoleDoorbell
}

// ActionStatus is the outcome of an Action execution.
type ActionStatus string

const (
	ActionPlayed  ActionStatus = "played"
	ActionQueued  ActionStatus = "queued"
	ActionIgnored ActionStatus = "ignored"
	ActionFailed  ActionStatus = "failed"
)

// IsValid reports whether s is a known action status.
func (s ActionStatus) IsValid() bool {
	switch s {
	case ActionPlayed, ActionQueued, ActionIgnored, ActionFailed:
		return true
	}
	return false
}

// ObjectDetection is one labelled box from the vision provider.
type ObjectDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// PerceptionReport is the Perception stage's output. Produced once per
// session and immutable once stored.
type PerceptionReport struct {
	SessionID        string            `json:"session_id"`
	PersonDetected   bool              `json:"person_detected"`
	Objects          []ObjectDetection `json:"objects"`
	VisionConfidence float64           `json:"vision_confidence"`
	Transcript       string            `json:"transcript"`
	STTConfidence    float64           `json:"stt_confidence"`
	Emotion          Emotion           `json:"emotion"`
	AntiSpoofScore   float64           `json:"anti_spoof_score"`
	WeaponDetected   bool              `json:"weapon_detected"`
	WeaponConfidence float64           `json:"weapon_confidence"`
	WeaponLabels     []string          `json:"weapon_labels"`
	NumPersons       int               `json:"num_persons"`
	FaceVisible      bool              `json:"face_visible"`
	ContextFlags     []string          `json:"context_flags"`
	ImagePath        string            `json:"image_path"`
	AudioPresent     bool              `json:"audio_present"`
	Degraded         bool              `json:"degraded"`
	Timestamp        time.Time         `json:"timestamp"`
}

// HasObject reports whether the report contains a detection with the given
// label (case-sensitive; labels are detector-normalized lowercase).
func (r PerceptionReport) HasObject(label string) bool {
	for _, o := range r.Objects {
		if o.Label == label {
			return true
		}
	}
	return false
}

// DegradedReport returns the report used when perception times out or fails:
// zeroed confidences, empty fields, degraded flag set.
func DegradedReport(sessionID, imagePath string, audioPresent bool) PerceptionReport {
	return PerceptionReport{
		SessionID:    sessionID,
		Emotion:      EmotionNeutral,
		FaceVisible:  true,
		ImagePath:    imagePath,
		AudioPresent: audioPresent,
		Degraded:     true,
		Timestamp:    time.Now().UTC(),
	}
}

// IntelligenceReport is the Intelligence stage's output.
type IntelligenceReport struct {
	SessionID          string    `json:"session_id"`
	Intent             Intent    `json:"intent"`
	ReplyText          string    `json:"reply_text"`
	RiskScore          float64   `json:"risk_score"`
	EscalationRequired bool      `json:"escalation_required"`
	Tags               []string  `json:"tags"`
	Timestamp          time.Time `json:"timestamp"`
}

// Dispatch flags name the side effects a Directive requests.
type Dispatch struct {
	TTS         bool `json:"tts"`
	NotifyOwner bool `json:"notify_owner"`
	Escalate    bool `json:"escalate"`
}

// Directive is the Decision stage's output.
type Directive struct {
	SessionID   string      `json:"session_id"`
	FinalAction FinalAction `json:"final_action"`
	Reason      string      `json:"reason"`
	Dispatch    Dispatch    `json:"dispatch"`
	Timestamp   time.Time   `json:"timestamp"`
}

// ActionResult is the Action stage's output.
type ActionResult struct {
	SessionID  string         `json:"session_id"`
	ActionType FinalAction    `json:"action_type"`
	Status     ActionStatus   `json:"status"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SpeakerOwner marks a doorbell-role turn that was typed by the owner rather
// than generated by the pipeline.
const SpeakerOwner = "owner"

// TranscriptEntry is one turn of a session's conversation log. Append-only.
type TranscriptEntry struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Speaker   string    `json:"speaker,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
