package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial opens a channel to endpoint, negotiating protocolTag as the websocket subprotocol.
func Dial(ctx context.Context, endpoint, protocolTag string, opts Options) (*Channel, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if protocolTag != "" {
		d.Subprotocols = []string{protocolTag}
	}

	ws, resp, err := d.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if protocolTag != "" && ws.Subprotocol() != protocolTag {
		_ = ws.Close()
		return nil, &ConnectionError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("server did not accept subprotocol %q", protocolTag),
		}
	}

	if opts.Peer == "" {
		opts.Peer = endpoint
	}
	slog.Info("channel open", "endpoint", endpoint, "protocol", protocolTag)
	return NewChannel(ws, opts), nil
}
