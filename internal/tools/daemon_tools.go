// Package tools exposes postgrab to MCP clients.
package tools

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/postgrab/internal/daemon"
	"github.com/standardbeagle/postgrab/internal/protocol"
	"github.com/standardbeagle/postgrab/internal/resolve"
)

// DaemonTools wraps a daemon client and a resolver for MCP tool handlers.
type DaemonTools struct {
	mu       sync.Mutex
	client   *daemon.Client
	config   daemon.AutoStartConfig
	resolver *resolve.Resolver
}

// NewDaemonTools creates a new tools wrapper with auto-start.
func NewDaemonTools(config daemon.AutoStartConfig, resolver *resolve.Resolver) *DaemonTools {
	return &DaemonTools{
		config:   config,
		resolver: resolver,
	}
}

// ensureConnected returns a client connected to the daemon, starting it
// if needed.
func (dt *DaemonTools) ensureConnected() (*daemon.Client, error) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if dt.client != nil && dt.client.IsConnected() {
		return dt.client, nil
	}

	client, err := daemon.EnsureDaemonRunning(dt.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	dt.client = client
	return client, nil
}

// Close closes the daemon client connection.
func (dt *DaemonTools) Close() error {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if dt.client != nil {
		return dt.client.Close()
	}
	return nil
}

// RegisterDaemonTools adds the postgrab tools to server.
func RegisterDaemonTools(server *mcp.Server, dt *DaemonTools) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "resolve",
		Description: `Find the best video and audio streams of a post.

source is a post URL or a saved HTML page. For a saved page, location
is the address it was saved from.

Examples:
  resolve {source: "https://www.instagram.com/p/ABC123/"}
  resolve {source: "/tmp/post.html", location: "https://www.instagram.com/p/ABC123/"}`,
	}, dt.makeResolveHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name: "merge",
		Description: `Resolve a post and have the daemon merge its streams into one MP4.

The merged file is saved to the downloads directory as <name>.mp4.

Examples:
  merge {source: "https://www.instagram.com/p/ABC123/"}
  merge {source: "/tmp/post.html", location: "https://www.instagram.com/reel/XYZ/", whatsapp: true}`,
	}, dt.makeMergeHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name: "settings",
		Description: `Read or change persistent settings.

Keys:
  extensionEnabled: attach download controls to pages (default true)
  whatsappMode: name files VID-YYYYMMDD-WAnnnn (default false)

Examples:
  settings {action: "list"}
  settings {action: "get", key: "whatsappMode"}
  settings {action: "set", key: "whatsappMode", value: true}`,
	}, dt.makeSettingsHandler())
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// formatDaemonError turns daemon errors into messages a model can act on.
func formatDaemonError(err error, toolName string) *mcp.CallToolResult {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return errorResult(fmt.Sprintf("%s failed: %v", toolName, err))
	}

	var msg strings.Builder
	switch pe.Code {
	case protocol.ErrNotFound:
		msg.WriteString(fmt.Sprintf("%s: not found - %s", toolName, pe.Message))
	case protocol.ErrInvalidArgs:
		msg.WriteString(fmt.Sprintf("%s: invalid arguments - %s", toolName, pe.Message))
	case protocol.ErrShuttingDown:
		msg.WriteString(fmt.Sprintf("%s: daemon is shutting down, retry shortly", toolName))
	default:
		msg.WriteString(fmt.Sprintf("%s: %s", toolName, pe.Message))
	}
	return errorResult(msg.String())
}
