// Package state holds the server's authoritative token table and the set of
// connections subscribed to each token.
package state
