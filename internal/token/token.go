package token

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"tokensync/internal/schema"
	"tokensync/internal/wire"
)

// Attribute names the derived predicates read.
const (
	AttrGMOnly         = "GMOnly"
	AttrTokenDraggable = "tokenDraggable"
	AttrTokenHasMenu   = "tokenHasMenu"
)

// Change is one field overwritten by a delta.
type Change struct {
	Field string
	Old   any
	New   any
}

type watcher struct {
	id uint64
	h  Handler
}

// Token is the client-side proxy of one active token. Reads return the last
// authoritative value, never an optimistic one.
type Token struct {
	id  int64
	tag string
	reg *Registry

	mu     sync.Mutex
	fields map[string]any
	attrs  map[string]any
	// seq counts server deltas per field ("f:name" / "a:name"); see settle.
	seq      map[string]uint64
	menu     json.RawMessage
	watchers map[string][]watcher
	nextW    uint64
}

func newToken(reg *Registry, id int64, fields, attrs map[string]any) *Token {
	return &Token{
		id:       id,
		tag:      wire.EntityTag(reg.schema.Tag, id),
		reg:      reg,
		fields:   fields,
		attrs:    attrs,
		seq:      map[string]uint64{},
		watchers: map[string][]watcher{},
	}
}

func (t *Token) ID() int64 { return t.id }

// Tag is the entity name used in RPC methods, e.g. "Token_7".
func (t *Token) Tag() string { return t.tag }

func (t *Token) Get(field string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.fields[field]
	return v, ok
}

func (t *Token) Int(field string) int64 {
	v, _ := t.Get(field)
	n, _ := v.(int64)
	return n
}

func (t *Token) Text(field string) string {
	v, _ := t.Get(field)
	s, _ := v.(string)
	return s
}

func (t *Token) Attr(name string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.attrs[name]
	return v, ok
}

func (t *Token) AttrInt(name string) (int64, bool) {
	v, ok := t.Attr(name)
	n, isInt := v.(int64)
	return n, ok && isInt
}

func (t *Token) Location() int64 {
	if t.reg.schema.LocationField == "" {
		return 0
	}
	return t.Int(t.reg.schema.LocationField)
}

func (t *Token) Owner() int64 {
	if t.reg.schema.OwnerField == "" {
		return 0
	}
	return t.Int(t.reg.schema.OwnerField)
}

func (t *Token) Fields() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.fields)
}

func (t *Token) Attributes() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.attrs)
}

// Snapshot returns the token in its wire shape (fields plus the attributes map).
func (t *Token) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := maps.Clone(t.fields)
	if f := t.reg.schema.AttributesField; f != "" {
		out[f] = maps.Clone(t.attrs)
	}
	return out
}

func (t *Token) Menu() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.menu)
}

// Watch registers h for field events about one field or attribute of this token.
// Watchers run after the registry's subscribers.
func (t *Token) Watch(field string, h Handler) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextW++
	id := t.nextW
	t.watchers[field] = append(t.watchers[field], watcher{id: id, h: h})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.watchers[field] = slices.DeleteFunc(slices.Clone(t.watchers[field]), func(w watcher) bool { return w.id == id })
	}
}

// Set asks the server to change field to v. Observers get a SET event with v
// immediately and an OK or FAIL event when the server answers.
func (t *Token) Set(field string, v any) error {
	return t.write(false, field, v)
}

// SetAttr is Set for the nested attributes.
func (t *Token) SetAttr(name string, v any) error {
	return t.write(true, name, v)
}

func (t *Token) write(attr bool, name string, v any) error {
	s := &t.reg.schema
	decl, method := s.Fields, wire.ChangeMethod(t.tag, name)
	if attr {
		decl, method = s.Attributes, wire.AttrChangeMethod(t.tag, name)
	}
	typ, ok := decl[name]
	if !ok {
		return fmt.Errorf("token %d: %w %q", t.id, ErrUnknownField, name)
	}
	if !attr && name == s.IdentityField {
		return fmt.Errorf("token %d: %w %q", t.id, ErrImmutableField, name)
	}
	nv, err := schema.Coerce(typ, v)
	if err != nil {
		return fmt.Errorf("token %d %s: %w", t.id, name, err)
	}

	t.mu.Lock()
	old := t.values(attr)[name]
	seq := t.seq[seqKey(attr, name)]
	t.mu.Unlock()

	t.emitField(Event{Field: name, Attr: attr, State: StateSet, Value: nv, Old: old})

	_, err = t.reg.transport.Call(method, func(raw json.RawMessage, err error) {
		t.settle(attr, name, typ, seq, method, raw, err)
	}, old, nv)
	if err != nil {
		// No reply will come: tell observers the optimistic value is void.
		t.emitField(Event{Field: name, Attr: attr, State: StateFail, Value: old, Old: old, Err: err})
		return fmt.Errorf("token %d %s: %w", t.id, method, err)
	}
	return nil
}

// settle applies the server's verdict on a write. If a delta for the same field
// arrived after the write was issued, the delta is newer than the reply and wins.
func (t *Token) settle(attr bool, name string, typ schema.FieldType, seq uint64, method string, raw json.RawMessage, callErr error) {
	state, cause := StateFail, callErr
	var serverVal any
	hasVal := false

	if callErr == nil {
		reply, err := wire.DecodeReply(raw)
		if err != nil {
			cause = err
		} else {
			if rv, ok := reply[name]; ok {
				if cv, err := schema.Coerce(typ, rv); err == nil {
					serverVal, hasVal = cv, true
				} else {
					slog.Warn("token reply value rejected", "token_id", t.id, "field", name, "err", err)
				}
			}
			if reply.OK() {
				state, cause = StateOK, nil
			} else {
				cause = &RemoteRejection{Method: method, Status: reply.Status(), Message: reply.Message()}
			}
		}
	}

	t.mu.Lock()
	values := t.values(attr)
	old := values[name]
	stale := t.seq[seqKey(attr, name)] != seq
	if hasVal && !stale {
		values[name] = serverVal
	}
	cur := values[name]
	t.mu.Unlock()

	if stale {
		slog.Debug("token reply superseded by delta", "token_id", t.id, "field", name)
	}
	if cause != nil {
		slog.Warn("token write failed", "token_id", t.id, "method", method, "err", cause)
	}
	t.emitField(Event{Field: name, Attr: attr, State: state, Value: cur, Old: old, Err: cause})
}

// ApplyDelta overwrites declared fields present in delta. The identity key and
// undeclared keys are ignored.
func (t *Token) ApplyDelta(delta map[string]any) []Change {
	s := &t.reg.schema
	var changes []Change
	for _, k := range slices.Sorted(maps.Keys(delta)) {
		if k == s.IdentityField {
			continue
		}
		typ, ok := s.Fields[k]
		if !ok {
			continue
		}
		ch, ok := t.apply(false, k, typ, delta[k])
		if !ok {
			continue
		}
		changes = append(changes, ch)

		if k == s.LocationField {
			oldLoc, _ := ch.Old.(int64)
			newLoc, _ := ch.New.(int64)
			t.reg.emit(Event{Kind: EventLeftLocation, ID: t.id, Token: t, Location: oldLoc})
			t.reg.emit(Event{Kind: EventEnteredLocation, ID: t.id, Token: t, Location: newLoc})
		}
		t.emitField(Event{Field: k, State: StateUpdate, Value: ch.New, Old: ch.Old})
	}
	return changes
}

// ApplyAttributeDelta is ApplyDelta for the nested attributes.
func (t *Token) ApplyAttributeDelta(delta map[string]any) []Change {
	s := &t.reg.schema
	var changes []Change
	for _, k := range slices.Sorted(maps.Keys(delta)) {
		if k == s.IdentityField || k == s.AttributeIdentityField {
			continue
		}
		typ, ok := s.Attributes[k]
		if !ok {
			continue
		}
		ch, ok := t.apply(true, k, typ, delta[k])
		if !ok {
			continue
		}
		changes = append(changes, ch)
		t.emitField(Event{Field: k, Attr: true, State: StateUpdateAttr, Value: ch.New, Old: ch.Old})
	}
	return changes
}

func (t *Token) apply(attr bool, name string, typ schema.FieldType, raw any) (Change, bool) {
	v, err := schema.Coerce(typ, raw)
	if err != nil {
		slog.Warn("token delta value rejected", "token_id", t.id, "field", name, "err", err)
		return Change{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	values := t.values(attr)
	old := values[name]
	values[name] = v
	t.seq[seqKey(attr, name)]++
	return Change{Field: name, Old: old, New: v}, true
}

func (t *Token) UpdateMenu(menu json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.menu = slices.Clone(menu)
}

type menuReply struct {
	Status  string          `json:"Status"`
	Message string          `json:"message"`
	Menu    json.RawMessage `json:"menu"`
	Result  json.RawMessage `json:"result"`
}

// GetMenus fetches the token's menu. On success the menu is also stored.
func (t *Token) GetMenus(cb func(menu json.RawMessage, err error)) error {
	method := wire.MemberMethod(t.tag, "GetMenus")
	_, err := t.reg.transport.Call(method, func(raw json.RawMessage, err error) {
		r, err := decodeMenuReply(method, raw, err)
		if err == nil {
			t.UpdateMenu(r.Menu)
		}
		if cb != nil {
			cb(r.Menu, err)
		}
	})
	return err
}

// DoMenuAction runs a menu action on the server.
func (t *Token) DoMenuAction(action string, params any, cb func(result json.RawMessage, err error)) error {
	method := wire.MemberMethod(t.tag, "DoMenuAction")
	_, err := t.reg.transport.Call(method, func(raw json.RawMessage, err error) {
		r, err := decodeMenuReply(method, raw, err)
		if err != nil {
			slog.Warn("menu action failed", "token_id", t.id, "action", action, "err", err)
		}
		if cb != nil {
			cb(r.Result, err)
		}
	}, action, params)
	return err
}

// DoEvent sends a fire-and-forget event addressed to this token.
func (t *Token) DoEvent(name string, args ...any) error {
	return t.reg.transport.Send(wire.MemberMethod(t.tag, name), args...)
}

func decodeMenuReply(method string, raw json.RawMessage, callErr error) (menuReply, error) {
	if callErr != nil {
		return menuReply{}, callErr
	}
	var r menuReply
	if err := wire.DecodeData(raw, &r); err != nil {
		return menuReply{}, err
	}
	if r.Status != wire.StatusOK {
		return r, &RemoteRejection{Method: method, Status: r.Status, Message: r.Message}
	}
	return r, nil
}

func (t *Token) GMOnly() bool {
	v, ok := t.AttrInt(AttrGMOnly)
	return ok && v == 1
}

func (t *Token) HasMenu() bool { return t.flag(AttrTokenHasMenu) }

// IsDraggable reports whether actor may drag the token. GM-only and unowned
// tokens follow the draggable flag alone; owned tokens also require ownership.
func (t *Token) IsDraggable(actor int64) bool {
	draggable := t.flag(AttrTokenDraggable)
	if t.GMOnly() || t.Owner() == 0 {
		return draggable
	}
	return draggable && t.Owner() == actor
}

func (t *Token) VisibleTo(gmMode bool) bool {
	return !t.GMOnly() || gmMode
}

// flag treats an absent attribute as set.
func (t *Token) flag(name string) bool {
	v, ok := t.Attr(name)
	if !ok || v == nil {
		return true
	}
	n, isInt := v.(int64)
	return !isInt || n != 0
}

func (t *Token) values(attr bool) map[string]any {
	if attr {
		return t.attrs
	}
	return t.fields
}

func (t *Token) emitField(ev Event) {
	ev.Kind = EventField
	ev.ID = t.id
	ev.Token = t

	t.mu.Lock()
	ws := slices.Clone(t.watchers[ev.Field])
	t.mu.Unlock()

	local := make([]Handler, 0, len(ws)+1)
	local = append(local, t.reg.hooks[EventField])
	for _, w := range ws {
		local = append(local, w.h)
	}
	t.reg.bus.Publish(ev, local...)
}

func seqKey(attr bool, name string) string {
	if attr {
		return "a:" + name
	}
	return "f:" + name
}
