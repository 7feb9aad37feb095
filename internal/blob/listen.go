package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// EventsURL returns the websocket address of the events stream served at
// httpAddr, which may be host:port or an http URL.
func EventsURL(httpAddr string) string {
	base := strings.TrimSuffix(httpAddr, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		base = "ws://" + base
	}
	return base + "/events"
}

// Listen connects to the events stream at httpAddr and calls fn for each
// event until ctx is done or the connection drops.
func Listen(ctx context.Context, httpAddr string, fn func(Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, EventsURL(httpAddr), nil)
	if err != nil {
		return fmt.Errorf("connect events: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Pings from the server are answered by the default handler while
	// ReadJSON runs.
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(ev)
	}
}
