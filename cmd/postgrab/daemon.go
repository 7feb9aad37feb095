package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/postgrab/internal/config"
	"github.com/standardbeagle/postgrab/internal/daemon"
	"github.com/standardbeagle/postgrab/internal/merge"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background daemon",
	Long: `Manage the background daemon that merges streams and saves downloads.

The daemon owns the settings database, runs ffmpeg and serves merged files
to the page on a loopback address. It is started automatically when needed,
but can be managed manually.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Run:   runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Run:   runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Run:   runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Run:   runDaemonStatus,
}

var daemonInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon information",
	Run:   runDaemonInfo,
}

var daemonForeground bool

func init() {
	daemonStartCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Run in the foreground instead of detaching")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonInfoCmd)
}

func daemonConfig(cfg *config.Config) daemon.DaemonConfig {
	dc := daemon.DefaultDaemonConfig()
	dc.SocketPath = cfg.Daemon.Socket
	dc.HTTPAddr = cfg.Daemon.HTTPAddr
	dc.DataDir = config.ExpandHome(cfg.Paths.Data)
	dc.DownloadsDir = config.ExpandHome(cfg.Paths.Downloads)
	dc.FFmpegPath = cfg.FFmpeg.Path
	dc.FetchRate = cfg.Merge.FetchRate
	dc.SelectorVersion = cfg.Selectors.Version
	return dc
}

func runDaemonStart(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if !daemonForeground {
		client, err := daemon.EnsureDaemonRunning(autoStartConfig(cmd, cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		client.Close()
		fmt.Printf("Daemon running on %s\n", cfg.Daemon.Socket)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	d, err := daemon.New(daemonConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		log.Fatalf("Failed to start daemon: %v", err)
	}
	log.Printf("Daemon started on %s", cfg.Daemon.Socket)

	// A SHUTDOWN command stops the daemon from inside.
	stopped := make(chan struct{})
	go func() {
		d.Wait()
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		log.Println("Daemon shutdown signal received...")
	case <-stopped:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer shutdownCancel()

	if err := d.Stop(shutdownCtx); err != nil {
		log.Printf("Daemon shutdown error: %v", err)
	}
	log.Println("Daemon shutdown complete")
}

func runDaemonStop(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if !daemon.IsRunning(cfg.Daemon.Socket) {
		fmt.Fprintln(os.Stderr, "Daemon is not running")
		os.Exit(1)
	}
	if err := daemon.StopDaemon(cfg.Daemon.Socket); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Daemon stopped")
}

func runDaemonRestart(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if daemon.IsRunning(cfg.Daemon.Socket) {
		_ = daemon.StopDaemon(cfg.Daemon.Socket)
		for i := 0; i < 50 && daemon.IsRunning(cfg.Daemon.Socket); i++ {
			time.Sleep(100 * time.Millisecond)
		}
	}
	runDaemonStart(cmd, args)
}

func runDaemonStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if daemon.IsRunning(cfg.Daemon.Socket) {
		color.Green("Daemon is running")
		fmt.Printf("Socket: %s\n", cfg.Daemon.Socket)
		if pid := daemon.ReadPID(cfg.Daemon.Socket); pid > 0 {
			fmt.Printf("PID: %d\n", pid)
		}
		return
	}
	color.Yellow("Daemon is not running")
	os.Exit(1)
}

func runDaemonInfo(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	client := daemon.NewClient(daemon.WithSocketPath(cfg.Daemon.Socket))
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon is not running: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	info, err := client.Info()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get daemon info: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Daemon v%s (pid %d), selectors %s\n", info.Version, info.PID, info.Selectors)
	fmt.Printf("Socket: %s\n", info.SocketPath)
	fmt.Printf("HTTP: %s\n", info.HTTPAddr)
	fmt.Printf("Uptime: %s\n", info.Uptime)
	fmt.Printf("Clients: %d\n", info.ClientCount)
	fmt.Printf("Merges: %d, downloads: %d\n", info.Merges, info.Downloads)
}

// connect returns a client to a running daemon, starting one if needed.
func connect(cmd *cobra.Command, cfg *config.Config) (*daemon.Client, error) {
	return daemon.EnsureDaemonRunning(autoStartConfig(cmd, cfg))
}

// requester dials a fresh connection for every merge so that a long merge
// never blocks settings traffic on a shared client.
func requester(socket string) merge.Requester {
	return merge.RequesterFunc(func(ctx context.Context, req merge.Request) (merge.Response, error) {
		c := daemon.NewClient(daemon.WithSocketPath(socket))
		if err := c.Connect(); err != nil {
			return merge.Response{}, fmt.Errorf("%w: %w", merge.ErrNoResponse, err)
		}
		defer c.Close()
		return c.Merge(ctx, req)
	})
}
