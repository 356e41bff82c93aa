// Package trace provides lightweight event collection for the ARM/JVM
// bridge call gates, feeding the diagnostic fault report (SPEC_FULL.md
// §7): a ring of recent trampoline/bridge events plus the tags and
// annotations needed to render a readable synthetic call stack.
package trace

import "time"

// Tag represents a trace event category. Tags are stored without a '#'
// prefix; the prefix is added only on rendering.
type Tag string

const (
	Trampoline Tag = "trampoline"
	Jvm        Tag = "jvm"
	Exception  Tag = "exception"
	Libc       Tag = "libc"
	Pthread    Tag = "pthread"
	CxxAbi     Tag = "cxxabi"
	Fault      Tag = "fault"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with a '#' prefix, for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Annotations holds key-value metadata for a trace event (e.g.
// class=com/foo/Bar, size=24).
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) { a[k] = v }

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string { return a[k] }

// Event represents one trampoline dispatch, bridge call, or fault.
type Event struct {
	PC          uint32
	Tags        Tags
	Name        string
	Detail      string
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates a trace event with the given category, name and
// detail.
func NewEvent(pc uint32, category Tag, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{category},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// Ring is a fixed-capacity ring buffer of recent events, the backing
// store for the diagnostic report's "synthetic call stack" (SPEC_FULL.md
// §7): the last N bridge/trampoline dispatches leading up to a fault.
type Ring struct {
	buf   []*Event
	next  int
	count int
}

// NewRing creates a Ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]*Event, capacity)}
}

// Add records e, evicting the oldest event once the ring is full.
func (r *Ring) Add(e *Event) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Recent returns up to n most-recent events, oldest first.
func (r *Ring) Recent(n int) []*Event {
	if n > r.count {
		n = r.count
	}
	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - n + i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
