package token

import (
	"encoding/json"
	"testing"

	"tokensync/internal/rpc"
	"tokensync/internal/schema"
	"tokensync/internal/wire"
)

type fakeCall struct {
	id     string
	opcode string
	args   []any
	cb     rpc.ResultFunc
}

type fakeSend struct {
	opcode string
	args   []any
}

// fakeTransport records traffic and lets a test answer calls and inject pushes
// synchronously.
type fakeTransport struct {
	n        uint64
	calls    []*fakeCall
	sends    []fakeSend
	handlers map[string]rpc.Handler
	callErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]rpc.Handler{}}
}

func (f *fakeTransport) Send(opcode string, args ...any) error {
	f.sends = append(f.sends, fakeSend{opcode: opcode, args: args})
	return nil
}

func (f *fakeTransport) Call(opcode string, cb rpc.ResultFunc, args ...any) (string, error) {
	if f.callErr != nil {
		return "", f.callErr
	}
	f.n++
	c := &fakeCall{id: wire.CallID(opcode, f.n), opcode: opcode, args: args, cb: cb}
	f.calls = append(f.calls, c)
	return c.id, nil
}

func (f *fakeTransport) Handle(opcode string, h rpc.Handler) { f.handlers[opcode] = h }
func (f *fakeTransport) Unhandle(opcode string)             { delete(f.handlers, opcode) }

func (f *fakeTransport) last() *fakeCall {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeTransport) reply(c *fakeCall, data any) {
	b, _ := json.Marshal(data)
	c.cb(b, nil)
}

// push delivers a server push; false means no handler was registered.
func (f *fakeTransport) push(opcode string, data any) bool {
	h, ok := f.handlers[opcode]
	if !ok {
		return false
	}
	b, _ := json.Marshal(data)
	h(opcode, b)
	return true
}

func testSchema() *schema.Schema {
	return &schema.Schema{
		Kind:                   "token",
		Tag:                    "Token",
		IdentityField:          "item_id",
		LocationField:          "location_id",
		OwnerField:             "owner_id",
		AttributesField:        "attributes",
		AttributeIdentityField: "attr_id",
		Fields: map[string]schema.FieldType{
			"item_id":     schema.Int,
			"name":        schema.String,
			"hp":          schema.Int,
			"location_id": schema.Int,
			"owner_id":    schema.Int,
		},
		Attributes: map[string]schema.FieldType{
			"GMOnly":         schema.Int,
			"tokenDraggable": schema.Int,
			"tokenHasMenu":   schema.Int,
		},
	}
}

func snap(id, hp, loc, owner int64, attrs map[string]any) map[string]any {
	s := map[string]any{
		"item_id":     id,
		"name":        "goblin",
		"hp":          hp,
		"location_id": loc,
		"owner_id":    owner,
	}
	if attrs != nil {
		s["attributes"] = attrs
	}
	return s
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeTransport) {
	t.Helper()
	if opts.Schema == nil {
		opts.Schema = testSchema()
	}
	f := newFakeTransport()
	r, err := NewRegistry(f, opts)
	if err != nil {
		t.Fatalf("NewRegistry err=%v", err)
	}
	return r, f
}

// primeActive primes the token described by s and answers the subscribe call.
func primeActive(t *testing.T, r *Registry, f *fakeTransport, s map[string]any) *Token {
	t.Helper()
	id := s["item_id"].(int64)
	if err := r.Prime(id); err != nil {
		t.Fatalf("Prime(%d) err=%v", id, err)
	}
	f.reply(f.last(), map[string]any{"Status": "OK", "HandlerID": "h1", "Token": s})
	tok, st := r.Get(id)
	if st != Active || tok == nil {
		t.Fatalf("Get(%d) state=%v", id, st)
	}
	return tok
}

type recorder struct {
	events []Event
}

func record(b *Bus) *recorder {
	rec := &recorder{}
	for k := EventPrimed; k <= EventVisibility; k++ {
		b.Subscribe(k, func(ev Event) { rec.events = append(rec.events, ev) })
	}
	return rec
}

func (r *recorder) kinds() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind.String())
	}
	return out
}

func (r *recorder) of(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() { r.events = nil }
