package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"tokensync/internal/rpc"
	"tokensync/internal/schema"
	"tokensync/internal/wire"
)

// Transport is the part of *rpc.Channel the registry uses.
type Transport interface {
	Send(opcode string, args ...any) error
	Call(opcode string, cb rpc.ResultFunc, args ...any) (string, error)
	Handle(opcode string, h rpc.Handler)
	Unhandle(opcode string)
}

type State int

const (
	Unprimed State = iota
	Priming
	Active
)

func (s State) String() string {
	switch s {
	case Priming:
		return "priming"
	case Active:
		return "active"
	default:
		return "unprimed"
	}
}

type Options struct {
	// Schema defaults to schema.Default().
	Schema *schema.Schema
	// Actor is the local user id used for ownership checks.
	Actor  int64
	GMMode bool
	// Hooks run after every bus subscriber for their kind.
	Hooks map[EventKind]Handler
	// Bus defaults to a fresh bus.
	Bus *Bus
}

type entry struct {
	state State
	token *Token
	// gen tells a late subscribe reply apart from a newer Prime of the same id.
	gen uint64
}

// Registry tracks which tokens this client is subscribed to and routes server
// pushes to them.
type Registry struct {
	transport Transport
	schema    schema.Schema
	bus       *Bus
	hooks     map[EventKind]Handler
	actor     int64

	mu      sync.Mutex
	entries map[int64]*entry
	gen     uint64
	gmMode  bool
}

func NewRegistry(tr Transport, opts Options) (*Registry, error) {
	s := schema.Default()
	if opts.Schema != nil {
		s = *opts.Schema
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	r := &Registry{
		transport: tr,
		schema:    s,
		bus:       bus,
		hooks:     maps.Clone(opts.Hooks),
		actor:     opts.Actor,
		entries:   map[int64]*entry{},
		gmMode:    opts.GMMode,
	}
	if r.hooks == nil {
		r.hooks = map[EventKind]Handler{}
	}
	tr.Handle(wire.AddOpcode(s.Kind), r.onAdd)
	tr.Handle(wire.RemoveOpcode(s.Kind), r.onRemove)
	return r, nil
}

func (r *Registry) Bus() *Bus              { return r.bus }
func (r *Registry) Schema() schema.Schema { return r.schema }
func (r *Registry) Actor() int64          { return r.actor }

func (r *Registry) GMMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gmMode
}

// Get returns the token and its state. The token is nil unless the state is Active.
func (r *Registry) Get(id int64) (*Token, State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, Unprimed
	}
	return e.token, e.state
}

// Tokens returns the active tokens ordered by id.
func (r *Registry) Tokens() []*Token {
	r.mu.Lock()
	ids := slices.Sorted(maps.Keys(r.entries))
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		if e := r.entries[id]; e.state == Active {
			out = append(out, e.token)
		}
	}
	r.mu.Unlock()
	return out
}

func (r *Registry) Find(pred func(*Token) bool) []*Token {
	var out []*Token
	for _, t := range r.Tokens() {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// Prime subscribes to id. It does nothing if id is already priming or active.
func (r *Registry) Prime(id int64) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil
	}
	r.gen++
	gen := r.gen
	r.entries[id] = &entry{state: Priming, gen: gen}
	r.mu.Unlock()

	method := wire.SubscribeMethod(r.schema.Kind, r.schema.Tag)
	_, err := r.transport.Call(method, func(raw json.RawMessage, err error) {
		r.onSubscribed(id, gen, method, raw, err)
	}, id)
	if err != nil {
		r.dropPlaceholder(id, gen)
		return fmt.Errorf("prime %s %d: %w", r.schema.Kind, id, err)
	}
	return nil
}

// PrimeMany primes every id independently and joins the send errors.
func (r *Registry) PrimeMany(ids ...int64) error {
	var errs []error
	for _, id := range ids {
		if err := r.Prime(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscribeReply struct {
	Status    string         `json:"Status"`
	Message   string         `json:"message"`
	HandlerID string         `json:"HandlerID"`
	Token     map[string]any `json:"Token"`
}

func (r *Registry) onSubscribed(id int64, gen uint64, method string, raw json.RawMessage, callErr error) {
	if !r.placeholder(id, gen) {
		slog.Debug("subscribe reply for abandoned token", "token_id", id)
		return
	}
	if callErr != nil {
		r.primeFailed(id, gen, callErr)
		return
	}
	var reply subscribeReply
	if err := wire.DecodeData(raw, &reply); err != nil {
		r.primeFailed(id, gen, err)
		return
	}
	if reply.Status != wire.StatusOK {
		r.primeFailed(id, gen, &RemoteRejection{Method: method, Status: reply.Status, Message: reply.Message})
		return
	}
	fields, attrs, ignored, err := r.schema.Build(reply.Token)
	if err != nil {
		r.primeFailed(id, gen, fmt.Errorf("snapshot: %w", err))
		return
	}
	if len(ignored) > 0 {
		slog.Debug("snapshot keys ignored", "token_id", id, "keys", ignored)
	}
	if got, _ := fields[r.schema.IdentityField].(int64); got != id {
		r.primeFailed(id, gen, fmt.Errorf("snapshot: %s is %d, want %d", r.schema.IdentityField, got, id))
		return
	}

	t := newToken(r, id, fields, attrs)
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	e.state, e.token = Active, t
	r.mu.Unlock()

	r.transport.Handle(wire.UpdateOpcode(r.schema.Kind, id), func(_ string, data json.RawMessage) {
		r.onUpdate(id, data)
	})
	r.transport.Handle(wire.AttrUpdateOpcode(r.schema.Kind, id), func(_ string, data json.RawMessage) {
		r.onAttrUpdate(id, data)
	})
	r.transport.Handle(wire.MenuUpdateOpcode(r.schema.Kind, id), func(_ string, data json.RawMessage) {
		r.onMenuUpdate(id, data)
	})

	slog.Debug("token primed", "token_id", id, "handler_id", reply.HandlerID)
	r.emit(Event{Kind: EventPrimed, ID: id, Token: t})
	loc := t.Location()
	r.emit(Event{Kind: EventEnteredLocation, ID: id, Token: t, Location: loc})
	if parent, st := r.Get(loc); st == Active && loc != id {
		r.emit(Event{Kind: EventChildPrimed, ID: loc, Token: parent, Data: map[string]any{"child": t}})
	}
}

func (r *Registry) primeFailed(id int64, gen uint64, err error) {
	r.dropPlaceholder(id, gen)
	slog.Warn("token prime failed", "token_id", id, "err", err)
	r.emit(Event{Kind: EventPrimeFailed, ID: id, Err: err})
}

func (r *Registry) placeholder(id int64, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.gen == gen && e.state == Priming
}

func (r *Registry) dropPlaceholder(id int64, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.gen == gen && e.state == Priming {
		delete(r.entries, id)
	}
}

// Unprime unsubscribes from id and forgets it locally whatever the server says.
// Unknown ids are ignored.
func (r *Registry) Unprime(id int64) error {
	t, ok := r.forget(id)
	if !ok {
		return nil
	}
	method := wire.UnsubscribeMethod(r.schema.Kind, r.schema.Tag)
	_, err := r.transport.Call(method, func(raw json.RawMessage, err error) {
		if err == nil {
			var reply wire.Reply
			if reply, err = wire.DecodeReply(raw); err == nil && !reply.OK() {
				err = &RemoteRejection{Method: method, Status: reply.Status(), Message: reply.Message()}
			}
		}
		if err != nil {
			slog.Warn("token unsubscribe failed", "token_id", id, "err", err)
		}
	}, id)

	r.emit(Event{Kind: EventUnprimed, ID: id, Token: t})
	if err != nil {
		return fmt.Errorf("unprime %s %d: %w", r.schema.Kind, id, err)
	}
	return nil
}

// forget removes id and its push handlers. t is nil if id was still priming.
func (r *Registry) forget(id int64) (t *Token, ok bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if e.state == Active {
		r.transport.Unhandle(wire.UpdateOpcode(r.schema.Kind, id))
		r.transport.Unhandle(wire.AttrUpdateOpcode(r.schema.Kind, id))
		r.transport.Unhandle(wire.MenuUpdateOpcode(r.schema.Kind, id))
	}
	return e.token, true
}

// AnnounceLocations re-emits EnteredLocation for every active token, for views
// that attach after tokens were primed.
func (r *Registry) AnnounceLocations() {
	for _, t := range r.Tokens() {
		r.emit(Event{Kind: EventEnteredLocation, ID: t.ID(), Token: t, Location: t.Location()})
	}
}

// SetGMMode switches GM visibility and emits Visibility for every GM-only token.
func (r *Registry) SetGMMode(on bool) {
	r.mu.Lock()
	changed := r.gmMode != on
	r.gmMode = on
	r.mu.Unlock()
	if !changed {
		return
	}
	for _, t := range r.Tokens() {
		if t.GMOnly() {
			r.emit(Event{Kind: EventVisibility, ID: t.ID(), Token: t, Data: map[string]any{"visible": t.VisibleTo(on)}})
		}
	}
}

type addPayload struct {
	Token map[string]any `json:"token"`
}

type removePayload struct {
	TokenID any `json:"tokenID"`
}

func (r *Registry) onAdd(_ string, data json.RawMessage) {
	var p addPayload
	if err := wire.DecodeData(data, &p); err != nil {
		slog.Warn("bad add push", "err", err)
		return
	}
	v, err := schema.Coerce(schema.Int, p.Token[r.schema.IdentityField])
	id, ok := v.(int64)
	if err != nil || !ok {
		slog.Warn("add push without identity", "payload", string(data))
		return
	}
	if _, st := r.Get(id); st != Unprimed {
		return
	}
	r.emit(Event{Kind: EventAdded, ID: id, Data: p.Token})
	if err := r.Prime(id); err != nil {
		slog.Warn("prime after add failed", "token_id", id, "err", err)
	}
}

func (r *Registry) onRemove(_ string, data json.RawMessage) {
	var p removePayload
	if err := wire.DecodeData(data, &p); err != nil {
		slog.Warn("bad remove push", "err", err)
		return
	}
	v, err := schema.Coerce(schema.Int, p.TokenID)
	id, ok := v.(int64)
	if err != nil || !ok {
		slog.Warn("remove push without token id", "payload", string(data))
		return
	}
	t, tracked := r.forget(id)
	if !tracked {
		return
	}
	if t == nil {
		r.emit(Event{Kind: EventRemoved, ID: id})
		return
	}
	r.emit(Event{Kind: EventLeftLocation, ID: id, Token: t, Location: t.Location()})
	r.emit(Event{Kind: EventRemoved, ID: id, Token: t, Data: t.Snapshot()})
}

func (r *Registry) active(id int64) *Token {
	t, st := r.Get(id)
	if st != Active {
		return nil
	}
	return t
}

func (r *Registry) onUpdate(id int64, data json.RawMessage) {
	t := r.active(id)
	if t == nil {
		return
	}
	var delta map[string]any
	if err := wire.DecodeData(data, &delta); err != nil {
		slog.Warn("bad update push", "token_id", id, "err", err)
		return
	}
	changes := t.ApplyDelta(delta)
	r.emit(Event{Kind: EventUpdated, ID: id, Token: t, Data: changeData(changes)})
}

func (r *Registry) onAttrUpdate(id int64, data json.RawMessage) {
	t := r.active(id)
	if t == nil {
		return
	}
	var delta map[string]any
	if err := wire.DecodeData(data, &delta); err != nil {
		slog.Warn("bad attribute update push", "token_id", id, "err", err)
		return
	}
	changes := t.ApplyAttributeDelta(delta)
	r.emit(Event{Kind: EventAttributeUpdated, ID: id, Token: t, Data: changeData(changes)})
}

func (r *Registry) onMenuUpdate(id int64, data json.RawMessage) {
	t := r.active(id)
	if t == nil {
		return
	}
	t.UpdateMenu(data)
	r.emit(Event{Kind: EventMenuUpdated, ID: id, Token: t})
}

func changeData(changes []Change) map[string]any {
	out := make(map[string]any, len(changes))
	for _, c := range changes {
		out[c.Field] = c.New
	}
	return out
}

func (r *Registry) emit(ev Event) {
	r.bus.Publish(ev, r.hooks[ev.Kind])
}
