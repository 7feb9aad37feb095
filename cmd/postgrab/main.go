package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/postgrab/internal/config"
	"github.com/standardbeagle/postgrab/internal/daemon"
)

const (
	appName    = "postgrab"
	appVersion = daemon.Version
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Save Instagram videos with their audio",
	Long: `Postgrab adds a download control to Instagram video posts and saves
the merged video and audio streams as a single mp4.

  - watch drives a browser and injects the controls into every post
  - get resolves a saved page or post URL and downloads it
  - mcp exposes resolve, merge and settings to AI assistants
  - daemon manages the background merger`,
	Version: appVersion,
	// Without a terminal on stdin we are being spoken to over MCP.
	Run: func(cmd *cobra.Command, args []string) {
		if !isTerminal(os.Stdin) {
			runMCP(cmd, args)
		} else {
			cmd.Help()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("socket", "", "Socket path for daemon communication")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/postgrab/config.kdl)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the selector set",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		fmt.Printf("%s v%s\n", appName, appVersion)
		fmt.Printf("selectors %s\n", cfg.Selectors.Version)
	},
}

func main() {
	log.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// loadConfig reads --config, or the global file, and lets --socket win over
// the configured socket.
func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(config.ExpandHome(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if socket, _ := cmd.Root().PersistentFlags().GetString("socket"); socket != "" {
		cfg.Daemon.Socket = socket
	}
	if cfg.Daemon.Socket == "" {
		cfg.Daemon.Socket = daemon.DefaultSocketPath()
	}
	return cfg
}

// autoStartConfig starts a missing daemon with the same config file.
func autoStartConfig(cmd *cobra.Command, cfg *config.Config) daemon.AutoStartConfig {
	ac := daemon.DefaultAutoStartConfig()
	ac.SocketPath = cfg.Daemon.Socket
	if path, _ := cmd.Root().PersistentFlags().GetString("config"); path != "" {
		ac.Args = append(ac.Args, "--config", config.ExpandHome(path))
	}
	return ac
}
