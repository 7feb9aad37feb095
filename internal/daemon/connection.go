package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/standardbeagle/postgrab/internal/protocol"
)

// Connection is one client on the daemon socket.
type Connection struct {
	id     int64
	conn   net.Conn
	daemon *Daemon

	parser *protocol.Parser
	writer *protocol.Writer

	mu     sync.Mutex // protects writes
	closed bool
}

func newConnection(id int64, conn net.Conn, daemon *Daemon) *Connection {
	return &Connection{
		id:     id,
		conn:   conn,
		daemon: daemon,
		parser: protocol.NewParser(conn),
		writer: protocol.NewWriter(conn),
	}
}

// Handle processes commands until the client disconnects.
func (c *Connection) Handle(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := c.parser.ParseCommand()
		if err != nil {
			if errors.Is(err, io.EOF) || isClosedError(err) {
				return
			}
			log.Printf("[Daemon] client %d: parse error: %v", c.id, err)
			if werr := c.writeErr(protocol.ErrInvalidArgs, err.Error()); werr != nil {
				return
			}
			continue
		}

		if err := c.handleCommand(ctx, cmd); err != nil {
			if isClosedError(err) {
				return
			}
			log.Printf("[Daemon] client %d: %s: %v", c.id, cmd.Verb, err)
		}
	}
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Connection) handleCommand(ctx context.Context, cmd *protocol.Command) error {
	switch cmd.Verb {
	case protocol.VerbPing:
		return c.locked(func() error { return c.writer.WritePong() })
	case protocol.VerbInfo:
		return c.writeJSON(c.daemon.Info())
	case protocol.VerbShutdown:
		return c.handleShutdown()
	case protocol.VerbMerge:
		return c.handleMerge(ctx, cmd)
	case protocol.VerbSettings:
		return c.handleSettings(ctx, cmd)
	case protocol.VerbDownload:
		return c.handleDownload(cmd)
	default:
		return c.writeErr(protocol.ErrInvalidArgs, "unknown command "+cmd.Verb)
	}
}

func (c *Connection) handleShutdown() error {
	if err := c.writeOK("shutting down"); err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.daemon.Stop(ctx)
	}()
	return nil
}

func (c *Connection) locked(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.daemon.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.daemon.config.WriteTimeout))
	}
	return fn()
}

func (c *Connection) writeOK(msg string) error {
	return c.locked(func() error { return c.writer.WriteOK(msg) })
}

func (c *Connection) writeErr(code protocol.ErrorCode, msg string) error {
	return c.locked(func() error { return c.writer.WriteErr(code, msg) })
}

func (c *Connection) writeJSON(v any) error {
	return c.locked(func() error { return c.writer.WriteJSON(v) })
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
