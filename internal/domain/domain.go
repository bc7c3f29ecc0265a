package domain

import "time"

// Entry is a cached task result. Entries are replaced wholesale, never
// mutated in place.
type Entry struct {
	Name       string    `json:"name"`
	Version    uint64    `json:"version"`
	Value      any       `json:"value"`
	ComputedAt time.Time `json:"computed_at" format:"date-time"`
}

// EntryInfo describes a stored entry without decoding its value.
type EntryInfo struct {
	Name       string    `json:"name"`
	Version    uint64    `json:"version"`
	Size       int       `json:"size"`
	ComputedAt time.Time `json:"computed_at" format:"date-time"`
}

// Placement controls which cache tiers hold a task's entries.
type Placement int

const (
	PlaceBoth        Placement = iota
	PlaceMemoryOnly            // ephemeral: never persisted
	PlaceDurableOnly           // volatile: not kept in memory
)

func (p Placement) String() string {
	switch p {
	case PlaceMemoryOnly:
		return "ephemeral"
	case PlaceDurableOnly:
		return "volatile"
	default:
		return "both"
	}
}

// Result is what a resolution hands back to the caller.
type Result struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	Value   any    `json:"value"`
	Cached  bool   `json:"cached"`
}

type TaskInfo struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	Kind      string   `json:"kind" enum:"compute,input,gather,template,iter"`
	Placement string   `json:"placement" enum:"both,ephemeral,volatile"`
}

// Task states reported by a dry-run status walk.
const (
	StateFresh   = "fresh"
	StateStale   = "stale"
	StateMissing = "missing"
)

type TaskStatus struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	State     string   `json:"state" enum:"fresh,stale,missing"`
	Version   uint64   `json:"version,omitempty"`
}

// Event types appended to the events log.
const (
	EventComputed      = "task.computed"
	EventHit           = "task.hit"
	EventFailed        = "task.failed"
	EventPersistFailed = "task.persist_failed"
	EventInvalidated   = "task.invalidated"
	EventSet           = "task.set"
)

type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Task    string         `json:"task"`
	Version uint64         `json:"version,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
