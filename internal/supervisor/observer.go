package supervisor

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"
)

// defaultRingSize bounds how many recent output lines are retained.
const defaultRingSize = 1000

// ObserverConfig tunes output observation.
type ObserverConfig struct {
	// RingSize caps the retained line history. Zero means the default.
	RingSize int

	// IdleWindow is how long output must stay silent before the worker
	// can be considered idle.
	IdleWindow time.Duration

	// PromptPattern matches the last line of an idle worker's output.
	// Nil accepts any last line.
	PromptPattern *regexp.Regexp
}

// Health states reported for a worker's output stream.
const (
	// HealthActive means output arrived within the idle window.
	HealthActive = "active"

	// HealthIdle means output went quiet and the last line looks like a
	// prompt, so the worker is waiting for input.
	HealthIdle = "idle"

	// HealthSilent means no output at all, or quiet past the idle window
	// without a prompt-looking last line.
	HealthSilent = "silent"
)

// Health is a point-in-time snapshot of a worker's output behavior.
type Health struct {
	// State is one of HealthActive, HealthIdle, or HealthSilent.
	State string

	// MsSinceLastLine is the silence duration in milliseconds, -1 when
	// no line was ever observed.
	MsSinceLastLine int64

	// ErrorCount is how many error-shaped events were recognized.
	ErrorCount int

	// TotalLines is the count of all observed lines.
	TotalLines int

	// Healthy is true while no error-shaped events were recognized.
	Healthy bool
}

// Observer watches a worker's output stream. It keeps a bounded ring of
// recent lines, recognizes NDJSON events on a best-effort basis (session
// id capture, error counting), and applies the idle heuristic. All
// methods are safe for concurrent use.
type Observer struct {
	mu         sync.Mutex
	cfg        ObserverConfig
	ring       []Line
	next       int
	total      int
	errorCount int
	lastLine   string
	lastAt     time.Time
	sessionID  string
}

// NewObserver creates an Observer with the given configuration.
func NewObserver(cfg ObserverConfig) *Observer {
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}
	return &Observer{
		cfg:  cfg,
		ring: make([]Line, cfg.RingSize),
	}
}

// eventProbe is the loose shape sniffed out of NDJSON output lines.
// Missing or mismatched fields are simply ignored.
type eventProbe struct {
	Type      string `json:"type"`
	SubType   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// Observe records one output line.
func (o *Observer) Observe(line Line) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ring[o.next] = line
	o.next = (o.next + 1) % len(o.ring)
	o.total++
	o.lastLine = line.Text
	o.lastAt = line.At

	// Best-effort event recognition; non-JSON lines are plain output.
	if len(line.Text) == 0 || line.Text[0] != '{' {
		return
	}
	var probe eventProbe
	if err := json.Unmarshal([]byte(line.Text), &probe); err != nil {
		return
	}
	if o.sessionID == "" && probe.SessionID != "" {
		o.sessionID = probe.SessionID
	}
	if probe.Type == "error" || probe.SubType == "error" || probe.IsError {
		o.errorCount++
	}
}

// SessionID returns the first session reference seen in output, if any.
func (o *Observer) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Recent returns up to n of the most recent lines, oldest first.
func (o *Observer) Recent(n int) []Line {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.total
	if kept > len(o.ring) {
		kept = len(o.ring)
	}
	if n > kept {
		n = kept
	}
	if n <= 0 {
		return nil
	}

	out := make([]Line, 0, n)
	start := o.next - n
	if start < 0 {
		start += len(o.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, o.ring[(start+i)%len(o.ring)])
	}
	return out
}

// IsIdle reports whether output has been silent for at least the idle
// window and the last line matches the prompt pattern. A worker that
// has produced no output yet is starting, not idle.
func (o *Observer) IsIdle(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.idleLocked(now)
}

func (o *Observer) idleLocked(now time.Time) bool {
	if o.total == 0 || o.cfg.IdleWindow <= 0 {
		return false
	}
	if now.Sub(o.lastAt) < o.cfg.IdleWindow {
		return false
	}
	if o.cfg.PromptPattern == nil {
		return true
	}
	return o.cfg.PromptPattern.MatchString(o.lastLine)
}

// Health returns the current snapshot.
func (o *Observer) Health(now time.Time) Health {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := Health{
		State:           HealthActive,
		MsSinceLastLine: -1,
		ErrorCount:      o.errorCount,
		TotalLines:      o.total,
		Healthy:         o.errorCount == 0,
	}
	if o.total == 0 {
		h.State = HealthSilent
		return h
	}

	h.MsSinceLastLine = now.Sub(o.lastAt).Milliseconds()
	if o.cfg.IdleWindow > 0 && now.Sub(o.lastAt) >= o.cfg.IdleWindow {
		if o.idleLocked(now) {
			h.State = HealthIdle
		} else {
			h.State = HealthSilent
		}
	}
	return h
}
