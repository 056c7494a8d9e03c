package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ReplyPrefix marks inbound frames that answer an earlier call.
const ReplyPrefix = "__RPC."

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed frame")

// Status values carried in reply data.
const (
	StatusOK   = "OK"
	StatusFail = "FAIL"
)

// Request is an outbound frame. Args is always encoded, even when empty.
type Request struct {
	Opcode  string `json:"opcode"`
	Args    []any  `json:"args"`
	RPCCall string `json:"rpcCall,omitempty"`
}

// Frame is an inbound frame (push or reply).
type Frame struct {
	Opcode string          `json:"opcode"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Kind int

const (
	KindPush Kind = iota
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound frame.
type Message struct {
	Kind   Kind
	Opcode string
	// CallID is set for replies: the opcode without ReplyPrefix.
	CallID string
	Data   json.RawMessage
}

// CallID builds the correlation id for the n-th call of opcode.
func CallID(opcode string, n uint64) string {
	return opcode + "_" + strconv.FormatUint(n, 10)
}

// ReplyOpcode is the opcode the server uses to answer callID.
func ReplyOpcode(callID string) string { return ReplyPrefix + callID }

func EncodeRequest(opcode, callID string, args ...any) ([]byte, error) {
	if opcode == "" {
		return nil, fmt.Errorf("encode request: empty opcode")
	}
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(Request{Opcode: opcode, Args: args, RPCCall: callID})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", opcode, err)
	}
	return b, nil
}

func DecodeRequest(b []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(req.Opcode) == "" {
		return Request{}, fmt.Errorf("%w: missing opcode", ErrMalformed)
	}
	return req, nil
}

func EncodePush(opcode string, data any) ([]byte, error) {
	if opcode == "" {
		return nil, fmt.Errorf("encode push: empty opcode")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode push %s: %w", opcode, err)
	}
	return json.Marshal(Frame{Opcode: opcode, Data: raw})
}

func EncodeReply(callID string, data any) ([]byte, error) {
	if callID == "" {
		return nil, fmt.Errorf("encode reply: empty call id")
	}
	return EncodePush(ReplyOpcode(callID), data)
}

// Decode parses an inbound frame and classifies it.
func Decode(b []byte) (Message, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Opcode == "" {
		return Message{}, fmt.Errorf("%w: missing opcode", ErrMalformed)
	}
	if callID, ok := strings.CutPrefix(f.Opcode, ReplyPrefix); ok {
		if callID == "" {
			return Message{}, fmt.Errorf("%w: reply without call id", ErrMalformed)
		}
		return Message{Kind: KindReply, Opcode: f.Opcode, CallID: callID, Data: f.Data}, nil
	}
	return Message{Kind: KindPush, Opcode: f.Opcode, Data: f.Data}, nil
}

// DecodeData unmarshals frame data keeping numbers as json.Number.
func DecodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty data", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Reply is the decoded data of an RPC reply.
type Reply map[string]any

func DecodeReply(raw json.RawMessage) (Reply, error) {
	var r Reply
	if err := DecodeData(raw, &r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: null reply", ErrMalformed)
	}
	return r, nil
}

func (r Reply) Status() string {
	s, _ := r["Status"].(string)
	return s
}

func (r Reply) OK() bool { return r.Status() == StatusOK }

func (r Reply) Message() string {
	s, _ := r["message"].(string)
	return s
}
