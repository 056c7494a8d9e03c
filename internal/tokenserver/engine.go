package tokenserver

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"tokensync/internal/schema"
	"tokensync/internal/state"
	"tokensync/internal/wire"
)

// Outbound is one frame addressed to a set of connections. Reply frames carry
// the call id in Opcode.
type Outbound struct {
	Conns  []string
	Opcode string
	Reply  bool
	Data   any
}

type EngineConfig struct {
	// GMUsers may change any token regardless of owner.
	GMUsers []int64
}

// Engine applies requests to the token store and decides who hears about it.
// It does no I/O.
type Engine struct {
	schema  schema.Schema
	gmUsers []int64

	store *state.Store
	subs  *state.Subscriptions

	requests atomic.Uint64
	changes  atomic.Uint64
	rejected atomic.Uint64
}

type Stats struct {
	Connections int
	Tokens      int
	Requests    uint64
	Changes     uint64
	Rejected    uint64
	LastUpdate  time.Time

	// Filled by Server.
	Sent    uint64
	Dropped uint64
}

func NewEngine(cfg EngineConfig, store *state.Store, subs *state.Subscriptions) *Engine {
	return &Engine{
		schema:  store.Schema(),
		gmUsers: slices.Clone(cfg.GMUsers),
		store:   store,
		subs:    subs,
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		Connections: e.subs.Count(),
		Tokens:      e.store.Count(),
		Requests:    e.requests.Load(),
		Changes:     e.changes.Load(),
		Rejected:    e.rejected.Load(),
		LastUpdate:  e.store.LastUpdate(),
	}
}

func (e *Engine) Connect(connID string, actor int64) {
	e.subs.Upsert(connID, actor, time.Now().UTC())
}

func (e *Engine) Disconnect(connID string) {
	if tokens, ok := e.subs.Remove(connID); ok {
		slog.Debug("connection dropped subscriptions", "conn", connID, "tokens", tokens)
	}
}

// Handle answers one client request. The reply, if any, comes first.
func (e *Engine) Handle(connID string, req wire.Request) []Outbound {
	e.requests.Add(1)
	switch req.Opcode {
	case wire.SubscribeMethod(e.schema.Kind, e.schema.Tag):
		return e.handleSubscribe(connID, req)
	case wire.UnsubscribeMethod(e.schema.Kind, e.schema.Tag):
		return e.handleUnsubscribe(connID, req)
	}

	tag, id, member, err := wire.ParseMethod(req.Opcode)
	if err != nil || tag != e.schema.Tag {
		return e.handleFallback(req)
	}
	if _, ok := e.store.Get(id); !ok {
		return e.fail(connID, req, "no such token", id)
	}

	switch {
	case member == "GetMenus":
		return e.handleGetMenus(connID, req, id)
	case member == "DoMenuAction":
		return e.handleMenuAction(connID, req, id)
	case member == "SetActive", member == "SetInactive":
		return e.handleActivation(connID, req, id, member == "SetActive")
	case strings.HasPrefix(member, "AttrChange"):
		return e.handleChange(connID, req, id, true, member)
	case strings.HasPrefix(member, "Change"):
		return e.handleChange(connID, req, id, false, member)
	default:
		slog.Info("token event", "conn", connID, "token_id", id, "event", member, "args", req.Args)
		if req.RPCCall != "" {
			return e.fail(connID, req, "unknown method "+member, id)
		}
		return nil
	}
}

func (e *Engine) handleSubscribe(connID string, req wire.Request) []Outbound {
	id, ok := argID(req.Args)
	if !ok {
		return e.fail(connID, req, "bad token id", 0)
	}
	snap, ok := e.store.Get(id)
	if !ok {
		return e.fail(connID, req, "no such token", id)
	}
	handlerID, ok := e.subs.Subscribe(connID, id, ulid.Make().String())
	if !ok {
		return e.fail(connID, req, "connection closed", id)
	}
	return e.reply(connID, req, map[string]any{
		"Status":    wire.StatusOK,
		"HandlerID": handlerID,
		"Token":     snap,
	})
}

func (e *Engine) handleUnsubscribe(connID string, req wire.Request) []Outbound {
	id, ok := argID(req.Args)
	if !ok {
		return e.fail(connID, req, "bad token id", 0)
	}
	e.subs.Unsubscribe(connID, id)
	return e.reply(connID, req, map[string]any{"Status": wire.StatusOK})
}

func (e *Engine) handleChange(connID string, req wire.Request, id int64, attr bool, member string) []Outbound {
	prefix, decl := "Change", e.schema.Fields
	if attr {
		prefix, decl = "AttrChange", e.schema.Attributes
	}
	name, ok := schema.FieldByMember(decl, prefix, member)
	if !ok {
		return e.fail(connID, req, "unknown method "+member, id)
	}
	if len(req.Args) < 2 {
		return e.fail(connID, req, "change needs old and new values", id)
	}
	if !e.mayChange(connID, id) {
		e.rejected.Add(1)
		return e.rejectChange(connID, req, id, attr, name, "not owner")
	}

	var (
		value   any
		applied bool
		err     error
	)
	if attr {
		value, applied, err = e.store.ChangeAttr(id, name, req.Args[0], req.Args[1])
	} else {
		value, applied, err = e.store.Change(id, name, req.Args[0], req.Args[1])
	}
	if err != nil {
		e.rejected.Add(1)
		slog.Warn("token change rejected", "conn", connID, "token_id", id, "field", name, "err", err)
		return e.rejectChange(connID, req, id, attr, name, err.Error())
	}
	if !applied {
		e.rejected.Add(1)
		return e.reply(connID, req, map[string]any{"Status": wire.StatusFail, name: value})
	}

	e.changes.Add(1)
	out := e.reply(connID, req, map[string]any{"Status": wire.StatusOK, name: value})
	return append(out, e.delta(id, attr, name, value, connID)...)
}

// rejectChange answers a refused write with the value the field still holds.
func (e *Engine) rejectChange(connID string, req wire.Request, id int64, attr bool, name, msg string) []Outbound {
	data := map[string]any{"Status": wire.StatusFail, "message": msg}
	if snap, ok := e.store.Get(id); ok {
		if attr {
			attrs, _ := snap[e.schema.AttributesField].(map[string]any)
			data[name] = attrs[name]
		} else {
			data[name] = snap[name]
		}
	}
	return e.reply(connID, req, data)
}

func (e *Engine) mayChange(connID string, id int64) bool {
	sub, ok := e.subs.Get(connID)
	if !ok {
		return false
	}
	if slices.Contains(e.gmUsers, sub.Actor) {
		return true
	}
	owner := e.store.Owner(id)
	return owner == 0 || owner == sub.Actor
}

func (e *Engine) handleGetMenus(connID string, req wire.Request, id int64) []Outbound {
	menu, ok := e.store.Menu(id)
	if !ok {
		return e.reply(connID, req, map[string]any{"Status": wire.StatusFail})
	}
	return e.reply(connID, req, map[string]any{"Status": wire.StatusOK, "menu": menu})
}

func (e *Engine) handleMenuAction(connID string, req wire.Request, id int64) []Outbound {
	action, _ := argAt(req.Args, 0).(string)
	menu, _ := e.store.Menu(id)
	i := slices.IndexFunc(menu, func(m state.MenuItem) bool { return m.Action == action })
	if action == "" || i < 0 {
		return e.fail(connID, req, fmt.Sprintf("unknown menu action %q", action), id)
	}
	slog.Info("menu action", "conn", connID, "token_id", id, "action", action)
	return e.reply(connID, req, map[string]any{
		"Status": wire.StatusOK,
		"result": map[string]any{"action": action, "name": menu[i].Name, "params": argAt(req.Args, 1)},
	})
}

// handleActivation toggles the NPC flags the way the game's SetActive and
// SetInactive events do.
func (e *Engine) handleActivation(connID string, req wire.Request, id int64, active bool) []Outbound {
	flag := func(on bool) int64 {
		if on {
			return 1
		}
		return 0
	}
	attrs := map[string]int64{
		"NPCActive":      flag(active),
		"tokenDraggable": flag(active),
		"GMOnly":         flag(!active),
	}
	var out []Outbound
	for _, name := range []string{"GMOnly", "NPCActive", "tokenDraggable"} {
		if _, declared := e.schema.Attributes[name]; !declared {
			continue
		}
		ds, err := e.UpdateAttr(id, name, attrs[name])
		if err != nil {
			slog.Warn("activation failed", "token_id", id, "attr", name, "err", err)
			continue
		}
		out = append(out, ds...)
	}
	if _, declared := e.schema.Fields["visible"]; declared {
		if ds, err := e.UpdateField(id, "visible", flag(active)); err == nil {
			out = append(out, ds...)
		}
	}
	if req.RPCCall != "" {
		out = append(e.reply(connID, req, map[string]any{"Status": wire.StatusOK}), out...)
	}
	return out
}

func (e *Engine) handleFallback(req wire.Request) []Outbound {
	slog.Warn("unknown method", "opcode", req.Opcode)
	return nil
}

// AddToken stores a token and announces it to every connection.
func (e *Engine) AddToken(seed state.Seed) ([]Outbound, error) {
	id, err := e.store.Put(seed.Token)
	if err != nil {
		return nil, err
	}
	if seed.Menu != nil {
		e.store.SetMenu(id, seed.Menu)
	}
	snap, _ := e.store.Get(id)
	return []Outbound{{
		Conns:  e.subs.All(),
		Opcode: wire.AddOpcode(e.schema.Kind),
		Data:   map[string]any{"token": snap},
	}}, nil
}

// RemoveToken deletes a token and tells every connection.
func (e *Engine) RemoveToken(id int64) ([]Outbound, error) {
	if !e.store.Remove(id) {
		return nil, fmt.Errorf("remove token %d: %w", id, state.ErrNotFound)
	}
	e.subs.DropToken(id)
	return []Outbound{{
		Conns:  e.subs.All(),
		Opcode: wire.RemoveOpcode(e.schema.Kind),
		Data:   map[string]any{"tokenID": id},
	}}, nil
}

// UpdateField is a server-originated change pushed to every subscriber.
func (e *Engine) UpdateField(id int64, field string, v any) ([]Outbound, error) {
	value, err := e.store.Set(id, field, v)
	if err != nil {
		return nil, err
	}
	e.changes.Add(1)
	return e.delta(id, false, field, value, ""), nil
}

func (e *Engine) UpdateAttr(id int64, name string, v any) ([]Outbound, error) {
	value, err := e.store.SetAttr(id, name, v)
	if err != nil {
		return nil, err
	}
	e.changes.Add(1)
	return e.delta(id, true, name, value, ""), nil
}

func (e *Engine) SetMenu(id int64, menu []state.MenuItem) ([]Outbound, error) {
	if !e.store.SetMenu(id, menu) {
		return nil, fmt.Errorf("set menu %d: %w", id, state.ErrNotFound)
	}
	return e.push(e.subs.Subscribers(id), wire.MenuUpdateOpcode(e.schema.Kind, id), menu), nil
}

// delta builds the update push for one field, skipping the connection that
// caused it.
func (e *Engine) delta(id int64, attr bool, name string, value any, exclude string) []Outbound {
	conns := slices.DeleteFunc(e.subs.Subscribers(id), func(c string) bool { return c == exclude })
	data := map[string]any{e.schema.IdentityField: id, name: value}
	opcode := wire.UpdateOpcode(e.schema.Kind, id)
	if attr {
		opcode = wire.AttrUpdateOpcode(e.schema.Kind, id)
		if f := e.schema.AttributeIdentityField; f != "" {
			data[f] = name
		}
	}
	return e.push(conns, opcode, data)
}

func (e *Engine) push(conns []string, opcode string, data any) []Outbound {
	if len(conns) == 0 {
		return nil
	}
	return []Outbound{{Conns: conns, Opcode: opcode, Data: data}}
}

func (e *Engine) reply(connID string, req wire.Request, data map[string]any) []Outbound {
	if req.RPCCall == "" {
		return nil
	}
	return []Outbound{{Conns: []string{connID}, Opcode: req.RPCCall, Reply: true, Data: data}}
}

func (e *Engine) fail(connID string, req wire.Request, msg string, id int64) []Outbound {
	slog.Debug("request failed", "conn", connID, "opcode", req.Opcode, "msg", msg)
	return e.reply(connID, req, map[string]any{
		"Status":               wire.StatusFail,
		"message":              msg,
		e.schema.IdentityField: id,
	})
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func argID(args []any) (int64, bool) {
	v, err := schema.Coerce(schema.Int, argAt(args, 0))
	id, ok := v.(int64)
	return id, err == nil && ok
}
