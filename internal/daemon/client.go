package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/standardbeagle/postgrab/internal/download"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/protocol"
)

var (
	// ErrNotConnected is returned when trying to use a closed client.
	ErrNotConnected = errors.New("not connected to daemon")
	// ErrServerError is returned when the daemon returns an error response.
	ErrServerError = errors.New("daemon error")
)

// Client talks to the daemon over its socket. Requests are serialized.
type Client struct {
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer

	mu     sync.Mutex
	closed bool

	socketPath string
	timeout    time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSocketPath sets the socket path for the client.
func WithSocketPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.socketPath = path
		}
	}
}

// WithTimeout sets the per-request timeout. Merges may take much longer
// and use the caller's context instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates a new daemon client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		socketPath: DefaultSocketPath(),
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect connects to the daemon.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.closed {
		return nil
	}
	conn, err := Connect(c.socketPath)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.parser = protocol.NewParser(conn)
	c.writer = protocol.NewWriter(conn)
	c.closed = false
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// roundTrip sends cmd and reads one response. A deadline from ctx, or the
// client timeout when ctx has none, bounds the exchange.
func (c *Client) roundTrip(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.writer.WriteCommand(cmd); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd.Verb, err)
	}
	resp, err := c.parser.ParseResponse()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read %s response: %w", cmd.Verb, err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerError, err)
	}
	return resp, nil
}

func (c *Client) requestJSON(ctx context.Context, cmd *protocol.Command, out any) error {
	resp, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}
	if resp.Type != protocol.ResponseJSON {
		return fmt.Errorf("expected JSON, got %s", resp.Type)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", cmd.Verb, err)
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(context.Background(), &protocol.Command{Verb: protocol.VerbPing})
	if err != nil {
		return err
	}
	if resp.Type != protocol.ResponsePong {
		return fmt.Errorf("expected PONG, got %s", resp.Type)
	}
	return nil
}

// Info retrieves daemon information.
func (c *Client) Info() (*DaemonInfo, error) {
	var info DaemonInfo
	if err := c.requestJSON(context.Background(), &protocol.Command{Verb: protocol.VerbInfo}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Shutdown requests the daemon to shut down.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(context.Background(), &protocol.Command{Verb: protocol.VerbShutdown})
	return err
}

// Merge implements merge.Requester. A failure to reach the daemon or read
// its reply is ErrNoResponse.
func (c *Client) Merge(ctx context.Context, req merge.Request) (merge.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return merge.Response{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		// A merge outlives the request timeout; only the caller may cancel it.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Minute)
		defer cancel()
	}
	resp, err := c.roundTrip(ctx, &protocol.Command{Verb: protocol.VerbMerge, Data: data})
	if err != nil {
		return merge.Response{}, fmt.Errorf("%w: %w", merge.ErrNoResponse, err)
	}
	return merge.DecodeResponse(resp.Data)
}

// GetSetting returns one setting.
func (c *Client) GetSetting(ctx context.Context, key string) (bool, error) {
	var v SettingValue
	err := c.requestJSON(ctx, &protocol.Command{Verb: protocol.VerbSettings, SubVerb: protocol.SubVerbGet, Args: []string{key}}, &v)
	return v.Value, err
}

// SetSetting stores one setting.
func (c *Client) SetSetting(ctx context.Context, key string, value bool) error {
	_, err := c.roundTrip(ctx, &protocol.Command{
		Verb:    protocol.VerbSettings,
		SubVerb: protocol.SubVerbSet,
		Args:    []string{key, strconv.FormatBool(value)},
	})
	return err
}

// Settings returns every setting.
func (c *Client) Settings(ctx context.Context) (map[string]bool, error) {
	var all map[string]bool
	err := c.requestJSON(ctx, &protocol.Command{Verb: protocol.VerbSettings, SubVerb: protocol.SubVerbList}, &all)
	return all, err
}

// StartDownload asks the daemon to save handleURL as fileName.
func (c *Client) StartDownload(ctx context.Context, handleURL, fileName string) (string, error) {
	data, err := json.Marshal(protocol.DownloadStartConfig{HandleURL: handleURL, FileName: fileName})
	if err != nil {
		return "", err
	}
	var started DownloadStarted
	err = c.requestJSON(ctx, &protocol.Command{Verb: protocol.VerbDownload, SubVerb: protocol.SubVerbStart, Data: data}, &started)
	return started.ID, err
}

// DownloadStatus returns the state of a download.
func (c *Client) DownloadStatus(ctx context.Context, id string) (download.Result, error) {
	var res download.Result
	err := c.requestJSON(ctx, &protocol.Command{Verb: protocol.VerbDownload, SubVerb: protocol.SubVerbStatus, Args: []string{id}}, &res)
	return res, err
}

// WaitDownload polls DownloadStatus until the download leaves the running
// state.
func (c *Client) WaitDownload(ctx context.Context, id string) (download.Result, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := c.DownloadStatus(ctx, id)
		if err != nil || res.Status != download.StatusRunning {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
