// Package presence derives, for every configured category, whether it is detected right
// now and when it was last detected.
package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
)

// CategoryPresence is one row of the presence panel.
type CategoryPresence struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	Active     bool       `json:"active"`
	Confidence float64    `json:"confidence"`          // Highest confidence in the latest set, 0 when inactive
	LastSeen   *time.Time `json:"last_seen,omitempty"` // nil = never seen
	Label      string     `json:"label"`               // "92%", "Last seen 14:05" or "Never seen"
}

// Reduce is the pure form of the tracker. It returns the updated last-seen map (the
// input map is not modified) and the presence rows for the given detection set.
// Last-seen times only move forward.
func Reduce(cats categories.Config, lastSeen map[int]time.Time, dets []types.Detection, at time.Time, loc *time.Location) (map[int]time.Time, []CategoryPresence) {
	next := make(map[int]time.Time, len(lastSeen)+len(dets))
	for k, v := range lastSeen {
		next[k] = v
	}

	best := make(map[int]float64, len(dets))
	for _, d := range dets {
		if d.Class < 0 {
			continue
		}
		if c, ok := best[d.Class]; !ok || d.Confidence > c {
			best[d.Class] = d.Confidence
		}
	}

	for class := range best {
		if prev, ok := next[class]; !ok || at.After(prev) {
			next[class] = at
		}
	}

	rows := make([]CategoryPresence, cats.Len())
	for i := range rows {
		row := CategoryPresence{
			Index: i,
			Name:  cats.Name(i),
		}
		if i < len(cats.Colors) {
			row.Color = cats.Colors[i]
		}
		if conf, ok := best[i]; ok {
			row.Active = true
			row.Confidence = conf
			row.Label = FormatConfidence(conf)
		}
		if seen, ok := next[i]; ok {
			seen := seen
			row.LastSeen = &seen
		}
		if !row.Active {
			row.Label = FormatLastSeen(row.LastSeen, loc)
		}
		rows[i] = row
	}
	return next, rows
}

// FormatLastSeen renders "Last seen HH:MM" (24 hour) or "Never seen".
func FormatLastSeen(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "Never seen"
	}
	if loc == nil {
		loc = time.Local
	}
	return "Last seen " + t.In(loc).Format("15:04")
}

// FormatConfidence renders a 0..1 confidence as a whole percentage.
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.0f%%", c*100)
}

// Tracker owns the last-seen map for one view session.
type Tracker struct {
	mu        sync.Mutex
	cats      categories.Config
	loc       *time.Location
	lastSeen  map[int]time.Time
	rows      []CategoryPresence
	listeners []func([]CategoryPresence)
}

// NewTracker creates a tracker for a fixed category config. loc controls the
// clock shown in "Last seen" labels; nil uses local time.
func NewTracker(cats categories.Config, loc *time.Location) *Tracker {
	t := &Tracker{
		cats:     cats,
		loc:      loc,
		lastSeen: make(map[int]time.Time),
	}
	_, t.rows = Reduce(cats, t.lastSeen, nil, time.Time{}, loc)
	return t
}

// OnUpdate registers a listener called after every Observe.
func (t *Tracker) OnUpdate(fn func([]CategoryPresence)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Observe applies the latest detection set received at the given time.
func (t *Tracker) Observe(dets []types.Detection, at time.Time) []CategoryPresence {
	t.mu.Lock()
	t.lastSeen, t.rows = Reduce(t.cats, t.lastSeen, dets, at, t.loc)
	rows := t.copyRowsLocked()
	listeners := append([]func([]CategoryPresence){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(rows)
	}
	return rows
}

// Snapshot returns the rows computed by the latest Observe.
func (t *Tracker) Snapshot() []CategoryPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyRowsLocked()
}

// LastSeen returns the most recent sighting of a category.
func (t *Tracker) LastSeen(index int) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.lastSeen[index]
	return seen, ok
}

func (t *Tracker) copyRowsLocked() []CategoryPresence {
	rows := make([]CategoryPresence, len(t.rows))
	copy(rows, t.rows)
	return rows
}
