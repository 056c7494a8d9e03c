package token

import (
	"log/slog"
	"slices"
	"sync"
)

type EventKind int

const (
	EventPrimed EventKind = iota
	EventPrimeFailed
	EventUnprimed
	EventAdded
	EventRemoved
	EventUpdated
	EventAttributeUpdated
	EventMenuUpdated
	EventEnteredLocation
	EventLeftLocation
	EventChildPrimed
	EventField
	EventVisibility
)

var eventNames = map[EventKind]string{
	EventPrimed:           "primed",
	EventPrimeFailed:      "prime_failed",
	EventUnprimed:         "unprimed",
	EventAdded:            "added",
	EventRemoved:          "removed",
	EventUpdated:          "updated",
	EventAttributeUpdated: "updated_attribute",
	EventMenuUpdated:      "updated_menu",
	EventEnteredLocation:  "enter_location",
	EventLeftLocation:     "leave_location",
	EventChildPrimed:      "child_primed",
	EventField:            "field",
	EventVisibility:       "visibility",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// FieldState is the phase of a field change carried by EventField.
type FieldState string

const (
	StateSet        FieldState = "SET"
	StateOK         FieldState = "OK"
	StateFail       FieldState = "FAIL"
	StateUpdate     FieldState = "UPDATE"
	StateUpdateAttr FieldState = "UPDATEATTR"
)

type Event struct {
	Kind  EventKind
	ID    int64
	Token *Token

	// Field events.
	Field string
	Attr  bool
	State FieldState
	Value any
	Old   any

	// Location events are scoped by Location instead of ID.
	Location int64

	Data map[string]any
	Err  error
}

func (e Event) scope() int64 {
	switch e.Kind {
	case EventEnteredLocation, EventLeftLocation:
		return e.Location
	default:
		return e.ID
	}
}

type Handler func(Event)

type subscription struct {
	id uint64
	h  Handler
}

type scopeKey struct {
	kind EventKind
	id   int64
}

// Bus delivers events to global subscribers, then id-scoped subscribers, then
// any local handlers passed to Publish. Delivery is synchronous.
type Bus struct {
	mu     sync.Mutex
	next   uint64
	global map[EventKind][]subscription
	scoped map[scopeKey][]subscription
}

func NewBus() *Bus {
	return &Bus{
		global: map[EventKind][]subscription{},
		scoped: map[scopeKey][]subscription{},
	}
}

// Subscribe registers h for every event of kind.
func (b *Bus) Subscribe(kind EventKind, h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.global[kind] = append(b.global[kind], subscription{id: id, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global[kind] = without(b.global[kind], id)
	}
}

// SubscribeID registers h for events of kind about one token id (or one
// location id for location events).
func (b *Bus) SubscribeID(kind EventKind, id int64, h Handler) (cancel func()) {
	key := scopeKey{kind: kind, id: id}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sid := b.next
	b.scoped[key] = append(b.scoped[key], subscription{id: sid, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.scoped[key] = without(b.scoped[key], sid)
		if len(b.scoped[key]) == 0 {
			delete(b.scoped, key)
		}
	}
}

func (b *Bus) Publish(ev Event, local ...Handler) {
	b.mu.Lock()
	global := slices.Clone(b.global[ev.Kind])
	scoped := slices.Clone(b.scoped[scopeKey{kind: ev.Kind, id: ev.scope()}])
	b.mu.Unlock()

	for _, s := range global {
		deliver(s.h, ev)
	}
	for _, s := range scoped {
		deliver(s.h, ev)
	}
	for _, h := range local {
		if h != nil {
			deliver(h, ev)
		}
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panic", "event", ev.Kind.String(), "token_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}

func without(subs []subscription, id uint64) []subscription {
	return slices.DeleteFunc(slices.Clone(subs), func(s subscription) bool { return s.id == id })
}
