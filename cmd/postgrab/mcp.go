package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/postgrab/internal/remux"
	"github.com/standardbeagle/postgrab/internal/resolve"
	"github.com/standardbeagle/postgrab/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as MCP server",
	Long: `Run as an MCP (Model Context Protocol) server over stdio.

Assistants can resolve saved post pages, merge them through the daemon and
read or change settings. The daemon is started when it is not running.`,
	Run: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	resolver := resolve.New(remux.NewFetcher(cfg.Merge.FetchRate), cfg.Selectors)
	dt := tools.NewDaemonTools(autoStartConfig(cmd, cfg), resolver)
	defer dt.Close()

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    appName,
			Version: appVersion,
		},
		&mcp.ServerOptions{
			HasTools: true,
			Instructions: `Instagram video download server.

Available tools:
- resolve: Find the post, account and best video/audio streams in a saved page or post URL
- merge: Resolve a post and have the daemon merge and save it to the downloads directory
- settings: List, get or set extensionEnabled and whatsappMode`,
		},
	)
	tools.RegisterDaemonTools(server, dt)

	log.Printf("Starting %s v%s (mcp)", appName, appVersion)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		if ctx.Err() == nil {
			log.Fatalf("Server error: %v", err)
		}
	}
	log.Println("MCP server shutdown complete")
}
