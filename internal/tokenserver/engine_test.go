package tokenserver

import (
	"encoding/json"
	"slices"
	"testing"

	"tokensync/internal/schema"
	"tokensync/internal/state"
	"tokensync/internal/wire"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := state.NewStore(schema.Default())
	if err != nil {
		t.Fatalf("NewStore err=%v", err)
	}
	err = store.Apply([]state.Seed{
		{
			Token: map[string]any{"item_id": 7, "name": "goblin", "owner_id": 5, "quantity": 10, "location_id": 3},
			Menu:  []state.MenuItem{{Name: "Open", Action: "open"}},
		},
		{Token: map[string]any{"item_id": 3, "name": "tavern"}},
	})
	if err != nil {
		t.Fatalf("Apply err=%v", err)
	}
	e := NewEngine(EngineConfig{GMUsers: []int64{1}}, store, state.NewSubscriptions())
	e.Connect("c1", 5)
	e.Connect("c2", 6)
	return e
}

func call(opcode string, n uint64, args ...any) wire.Request {
	return wire.Request{Opcode: opcode, Args: args, RPCCall: wire.CallID(opcode, n)}
}

func replyData(t *testing.T, out []Outbound, conn string) map[string]any {
	t.Helper()
	if len(out) == 0 || !out[0].Reply || !slices.Equal(out[0].Conns, []string{conn}) {
		t.Fatalf("out=%+v", out)
	}
	return out[0].Data.(map[string]any)
}

func subscribe(t *testing.T, e *Engine, conn string, id int64) map[string]any {
	t.Helper()
	return replyData(t, e.Handle(conn, call("token.SubscribeToken", 1, id)), conn)
}

func TestEngine_Subscribe(t *testing.T) {
	e := newTestEngine(t)

	// Ids arrive as json.Number from the wire decoder.
	data := replyData(t, e.Handle("c1", call("token.SubscribeToken", 1, json.Number("7"))), "c1")
	if data["Status"] != "OK" || data["HandlerID"] == "" {
		t.Fatalf("data=%v", data)
	}
	snap := data["Token"].(state.Snapshot)
	if snap["quantity"] != int64(10) {
		t.Fatalf("quantity=%v", snap["quantity"])
	}

	data = replyData(t, e.Handle("c1", call("token.SubscribeToken", 2, 99)), "c1")
	if data["Status"] != "FAIL" || data["item_id"] != int64(99) {
		t.Fatalf("missing token data=%v", data)
	}

	data = replyData(t, e.Handle("c1", call("token.UnsubscribeToken", 3, 7)), "c1")
	if data["Status"] != "OK" {
		t.Fatalf("unsubscribe data=%v", data)
	}
}

func TestEngine_ChangeBroadcastsToOthers(t *testing.T) {
	e := newTestEngine(t)
	subscribe(t, e, "c1", 7)
	subscribe(t, e, "c2", 7)

	out := e.Handle("c1", call("Token_7.ChangeQuantity", 1, 10, 8))
	data := replyData(t, out, "c1")
	if data["Status"] != "OK" || data["quantity"] != int64(8) {
		t.Fatalf("reply=%v", data)
	}
	if len(out) != 2 {
		t.Fatalf("out=%+v", out)
	}
	push := out[1]
	if push.Reply || push.Opcode != "tokenUpdate_7" || !slices.Equal(push.Conns, []string{"c2"}) {
		t.Fatalf("push=%+v", push)
	}
	if d := push.Data.(map[string]any); d["quantity"] != int64(8) || d["item_id"] != int64(7) {
		t.Fatalf("push data=%v", d)
	}

	// Stale old value: the current value comes back.
	data = replyData(t, e.Handle("c1", call("Token_7.ChangeQuantity", 2, 10, 3)), "c1")
	if data["Status"] != "FAIL" || data["quantity"] != int64(8) {
		t.Fatalf("stale reply=%v", data)
	}
}

func TestEngine_ChangeRequiresOwnership(t *testing.T) {
	e := newTestEngine(t)
	data := replyData(t, e.Handle("c2", call("Token_7.ChangeQuantity", 1, 10, 8)), "c2")
	if data["Status"] != "FAIL" || data["quantity"] != int64(10) || data["message"] != "not owner" {
		t.Fatalf("reply=%v", data)
	}

	e.Connect("gm", 1)
	data = replyData(t, e.Handle("gm", call("Token_7.ChangeQuantity", 1, 10, 8)), "gm")
	if data["Status"] != "OK" {
		t.Fatalf("gm reply=%v", data)
	}
	if got := e.Stats(); got.Rejected != 1 || got.Changes != 1 {
		t.Fatalf("stats=%+v", got)
	}
}

func TestEngine_AttrChange(t *testing.T) {
	e := newTestEngine(t)
	subscribe(t, e, "c2", 7)

	out := e.Handle("c1", call("Token_7.AttrChangeGmonly", 1, nil, 1))
	data := replyData(t, out, "c1")
	if data["Status"] != "OK" || data["GMOnly"] != int64(1) {
		t.Fatalf("reply=%v", data)
	}
	if len(out) != 2 || out[1].Opcode != "tokenAttrUpdate_7" {
		t.Fatalf("out=%+v", out)
	}
	if d := out[1].Data.(map[string]any); d["attr_id"] != "GMOnly" || d["GMOnly"] != int64(1) {
		t.Fatalf("push data=%v", d)
	}

	data = replyData(t, e.Handle("c1", call("Token_7.ChangeItem_id", 2, 7, 8)), "c1")
	if data["Status"] != "FAIL" {
		t.Fatalf("identity change reply=%v", data)
	}
}

func TestEngine_Menus(t *testing.T) {
	e := newTestEngine(t)

	data := replyData(t, e.Handle("c1", call("Token_7.GetMenus", 1)), "c1")
	if menu := data["menu"].([]state.MenuItem); data["Status"] != "OK" || len(menu) != 1 {
		t.Fatalf("menus=%v", data)
	}
	data = replyData(t, e.Handle("c1", call("Token_3.GetMenus", 2)), "c1")
	if data["Status"] != "FAIL" {
		t.Fatalf("no menu reply=%v", data)
	}

	data = replyData(t, e.Handle("c1", call("Token_7.DoMenuAction", 3, "open", map[string]any{"k": 1})), "c1")
	if data["Status"] != "OK" {
		t.Fatalf("action reply=%v", data)
	}
	data = replyData(t, e.Handle("c1", call("Token_7.DoMenuAction", 4, "burn", nil)), "c1")
	if data["Status"] != "FAIL" {
		t.Fatalf("unknown action reply=%v", data)
	}
}

func TestEngine_EventsAndUnknownMethods(t *testing.T) {
	e := newTestEngine(t)

	if out := e.Handle("c1", wire.Request{Opcode: "Token_7.Ping"}); out != nil {
		t.Fatalf("event out=%+v", out)
	}
	data := replyData(t, e.Handle("c1", call("Token_7.Ping", 1)), "c1")
	if data["Status"] != "FAIL" {
		t.Fatalf("rpc to unknown member=%v", data)
	}
	if out := e.Handle("c1", call("Chat.Say", 1)); out != nil {
		t.Fatalf("unknown method out=%+v", out)
	}
}

func TestEngine_SetInactiveHidesToken(t *testing.T) {
	e := newTestEngine(t)
	subscribe(t, e, "c2", 7)

	out := e.Handle("c1", wire.Request{Opcode: "Token_7.SetInactive"})
	var opcodes []string
	for _, o := range out {
		opcodes = append(opcodes, o.Opcode)
	}
	want := []string{"tokenAttrUpdate_7", "tokenAttrUpdate_7", "tokenAttrUpdate_7", "tokenUpdate_7"}
	if !slices.Equal(opcodes, want) {
		t.Fatalf("opcodes=%v", opcodes)
	}
	snap, _ := e.store.Get(7)
	attrs := snap["attributes"].(map[string]any)
	if attrs["GMOnly"] != int64(1) || attrs["tokenDraggable"] != int64(0) || snap["visible"] != int64(0) {
		t.Fatalf("snap=%v", snap)
	}
}

func TestEngine_AddAndRemoveToken(t *testing.T) {
	e := newTestEngine(t)

	out, err := e.AddToken(state.Seed{Token: map[string]any{"item_id": 11, "name": "chest"}})
	if err != nil {
		t.Fatalf("AddToken err=%v", err)
	}
	if len(out) != 1 || out[0].Opcode != "tokenAdd" || !slices.Equal(out[0].Conns, []string{"c1", "c2"}) {
		t.Fatalf("add out=%+v", out)
	}

	subscribe(t, e, "c1", 7)
	out, err = e.RemoveToken(7)
	if err != nil || len(out) != 1 || out[0].Opcode != "tokenRemove" {
		t.Fatalf("remove out=%+v err=%v", out, err)
	}
	if got := e.subs.Tokens("c1"); len(got) != 0 {
		t.Fatalf("subscriptions left=%v", got)
	}
	if _, err := e.RemoveToken(7); err == nil {
		t.Fatalf("second remove succeeded")
	}
}
