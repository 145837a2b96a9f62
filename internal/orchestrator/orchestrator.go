// Package orchestrator schedules ring events through the four-stage pipeline.
//
// Each session is driven by at most one pipeline task; a weighted semaphore
// caps how many tasks run concurrently. Ring events for a busy session queue
// on its bounded per-session queue, and a full queue surfaces back-pressure
// to the ingress caller. CPU-heavy provider calls share a small worker pool
// so that ingress never blocks behind model inference.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/observe"
	"github.com/dwarpal/dwarpal/internal/store"
)

// Defaults for the scheduling knobs.
const (
	DefaultMaxConcurrentSessions = 2
	DefaultSessionIdleTimeout    = 90 * time.Second
	DefaultProviderTimeout       = 8 * time.Second
	DefaultActionTimeout         = 10 * time.Second

	// semaphoreAcquireTimeout bounds how long a queued session waits for a
	// pipeline slot before it is marked failed.
	semaphoreAcquireTimeout = 60 * time.Second

	// sessionQueueCap is the per-session ring-event queue size.
	sessionQueueCap = 4

	// cpuPoolSize caps concurrent CPU-heavy provider work.
	cpuPoolSize = 2
)

// ErrDraining is returned by Ring once Shutdown has begun. Transports map it
// to 503.
var ErrDraining = errors.New("orchestrator: shutting down")

// RingEvent is one doorbell press as received from transport. Bytes are
// written to disk before the event is enqueued.
type RingEvent struct {
	SessionID  string
	Timestamp  time.Time
	DeviceID   string
	ImageBytes []byte
	AudioBytes []byte
	Metadata   map[string]string
}

// RingAck is the immediate ingress response; the pipeline continues
// asynchronously and progress is observable on the event bus.
type RingAck struct {
	SessionID string
	Status    agent.Status
}

// queuedRing is one enqueued unit of pipeline work.
type queuedRing struct {
	ImagePath string
	AudioPath string
}

// sessionTask is the handle for a session's running pipeline task.
type sessionTask struct {
	queue chan queuedRing
	done  chan struct{}
}

// Orchestrator wires the stages together. Create with New.
type Orchestrator struct {
	store      store.Store
	bus        *bus.Bus
	assets     *assets.Dir
	perception agent.Perception
	intel      agent.Intelligence
	decision   agent.Decision
	action     agent.Action
	metrics    *observe.Metrics
	logger     *slog.Logger

	maxSessions     int64
	idleTimeout     time.Duration
	providerTimeout time.Duration
	actionTimeout   time.Duration
	autoReply       bool

	slots   *semaphore.Weighted
	cpuPool *semaphore.Weighted

	root   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*sessionTask
	draining bool
	wg       sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrentSessions caps simultaneously processing sessions.
func WithMaxConcurrentSessions(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSessions = int64(n)
		}
	}
}

// WithIdleTimeout sets how long a drained session waits for another ring
// before closing.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idleTimeout = d }
}

// WithProviderTimeout sets the per-stage provider deadline.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.providerTimeout = d }
}

// WithActionTimeout sets the action stage deadline.
func WithActionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.actionTimeout = d }
}

// WithAutoReply sets the device-wide auto-reply policy.
func WithAutoReply(permitted bool) Option {
	return func(o *Orchestrator) { o.autoReply = permitted }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator from its collaborators.
func New(st store.Store, b *bus.Bus, dir *assets.Dir,
	perception agent.Perception, intel agent.Intelligence,
	decision agent.Decision, action agent.Action, opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:           st,
		bus:             b,
		assets:          dir,
		perception:      perception,
		intel:           intel,
		decision:        decision,
		action:          action,
		logger:          slog.Default(),
		maxSessions:     DefaultMaxConcurrentSessions,
		idleTimeout:     DefaultSessionIdleTimeout,
		providerTimeout: DefaultProviderTimeout,
		actionTimeout:   DefaultActionTimeout,
		autoReply:       true,
		tasks:           make(map[string]*sessionTask),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.slots = semaphore.NewWeighted(o.maxSessions)
	o.cpuPool = semaphore.NewWeighted(cpuPoolSize)
	o.root, o.cancel = context.WithCancel(context.Background())
	return o
}

// Ring ingests one doorbell press. It persists the event's artifacts, creates
// or reuses the session, enqueues pipeline work, and returns immediately.
// A full per-session queue returns [agent.ErrBackPressure].
func (o *Orchestrator) Ring(ctx context.Context, ev RingEvent) (RingAck, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return RingAck{}, ErrDraining
	}
	o.mu.Unlock()

	if ev.DeviceID == "" {
		return RingAck{}, fmt.Errorf("orchestrator: device_id required")
	}
	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = mintSessionID()
	} else if !validSessionID(sessionID) {
		return RingAck{}, fmt.Errorf("orchestrator: invalid session_id %q", sessionID)
	}

	item, err := o.persistArtifacts(sessionID, ev)
	if err != nil {
		return RingAck{}, err
	}

	if err := o.ensureSession(ctx, sessionID, ev.DeviceID); err != nil {
		return RingAck{}, err
	}

	o.audit(ctx, sessionID, "orchestrator", "ring_received", string(agent.StatusQueued), "")
	o.bus.Publish(bus.ChannelOwner, bus.Event{
		Type:      bus.EventNewRing,
		SessionID: sessionID,
		Payload:   map[string]any{"device_id": ev.DeviceID, "image_path": o.assets.Rel(item.ImagePath)},
	})
	o.metrics.RingsReceived.Add(ctx, 1)

	o.mu.Lock()
	task, running := o.tasks[sessionID]
	if !running {
		task = &sessionTask{
			queue: make(chan queuedRing, sessionQueueCap),
			done:  make(chan struct{}),
		}
		o.tasks[sessionID] = task
	}
	select {
	case task.queue <- item:
	default:
		if !running {
			// Fresh queue can't be full; defensive only for the running case.
			delete(o.tasks, sessionID)
		}
		o.mu.Unlock()
		o.metrics.BackPressureRejections.Add(ctx, 1)
		return RingAck{}, fmt.Errorf("orchestrator: session %s queue full: %w", sessionID, agent.ErrBackPressure)
	}
	o.metrics.QueuedTasks.Add(ctx, 1)
	if !running {
		o.wg.Add(1)
		go o.runPipeline(sessionID, task)
	}
	o.mu.Unlock()

	return RingAck{SessionID: sessionID, Status: agent.StatusQueued}, nil
}

// Shutdown stops accepting rings, cancels running pipeline tasks, and waits
// for them to exit or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAutoReply updates the device-wide auto-reply policy at runtime. Sessions
// already past the decision stage keep their verdict.
func (o *Orchestrator) SetAutoReply(permitted bool) {
	o.mu.Lock()
	o.autoReply = permitted
	o.mu.Unlock()
}

// SetIdleTimeout updates the idle timeout used for subsequent timer resets.
// Non-positive values are ignored.
func (o *Orchestrator) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.idleTimeout = d
	o.mu.Unlock()
}

func (o *Orchestrator) currentIdleTimeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.idleTimeout
}

func (o *Orchestrator) autoReplyPermitted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoReply
}

// ActiveTasks returns the number of running pipeline tasks.
func (o *Orchestrator) ActiveTasks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// persistArtifacts writes the event's image and audio bytes under the data
// root and returns the queued work item.
func (o *Orchestrator) persistArtifacts(sessionID string, ev RingEvent) (queuedRing, error) {
	var item queuedRing
	if len(ev.ImageBytes) > 0 {
		p, err := o.assets.WriteFile(assets.DirSnaps, ev.ImageBytes, sessionID+".jpg")
		if err != nil {
			return item, fmt.Errorf("orchestrator: persist snapshot: %w", err)
		}
		item.ImagePath = p
	}
	if len(ev.AudioBytes) > 0 {
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		name := fmt.Sprintf("%d.wav", ts.UnixMilli())
		p, err := o.assets.WriteFile(assets.DirTmp, ev.AudioBytes, sessionID, name)
		if err != nil {
			return item, fmt.Errorf("orchestrator: persist audio: %w", err)
		}
		item.AudioPath = p
	}
	return item, nil
}

// ensureSession creates the session row if it does not exist yet.
func (o *Orchestrator) ensureSession(ctx context.Context, sessionID, deviceID string) error {
	err := o.store.CreateSession(ctx, store.Session{
		ID:       sessionID,
		DeviceID: deviceID,
		Status:   agent.StatusQueued,
	})
	if err != nil && err != store.ErrDuplicateSession {
		return fmt.Errorf("orchestrator: create session: %w", err)
	}
	return nil
}

// audit appends an audit row, logging rather than failing on error: audit
// writes never break the pipeline.
func (o *Orchestrator) audit(ctx context.Context, sessionID, agentName, actionType, status, reason string) {
	if _, err := o.store.AppendAudit(ctx, store.AuditRow{
		SessionID:   sessionID,
		Agent:       agentName,
		ActionType:  actionType,
		Status:      status,
		ShortReason: reason,
	}); err != nil {
		o.logger.Error("audit append failed",
			slog.String("session_id", sessionID),
			slog.String("action_type", actionType),
			slog.Any("error", err))
	}
}

// mintSessionID creates a fresh visitor id from a random UUID.
func mintSessionID() string {
	return "visitor_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// validSessionID accepts caller-supplied ids that are safe as file names.
func validSessionID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
