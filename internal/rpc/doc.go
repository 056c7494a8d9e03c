// Package rpc runs the client side of the token channel.
//
// A Channel owns one websocket connection. Outbound calls are correlated with
// their replies by a generated call id; inbound pushes are routed to handlers
// registered per opcode. Every continuation (reply callbacks, push handlers,
// call timeouts, posted work) runs on a single loop goroutine in arrival order,
// so handlers never interleave.
package rpc
