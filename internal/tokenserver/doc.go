// Package tokenserver is a reference token server. It answers the subscribe,
// change and menu calls made by the client registry and pushes deltas to the
// other subscribers of a token.
package tokenserver
