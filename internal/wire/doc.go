// Package wire implements the JSON envelope protocol spoken over the token channel.
//
// Outbound frames carry `{opcode, args}` (plus `rpcCall` for calls that expect a
// reply). Inbound frames carry `{opcode, data}`; replies are recognised by the
// `__RPC.` opcode prefix and decoded into a closed set of message kinds so the
// channel can switch on them instead of on raw strings.
package wire
