// Package token mirrors server-owned tokens on the client.
//
// A Registry primes (subscribes to) tokens by id over a Transport, applies the
// deltas the server pushes for them, and announces every state change on a
// typed event Bus. A Token exposes its authoritative field values and mediates
// optimistic writes: observers see the requested value at once (SET), then the
// server's verdict (OK or FAIL) once the reply arrives.
package token
