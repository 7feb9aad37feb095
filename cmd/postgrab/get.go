package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/postgrab/internal/blob"
	"github.com/standardbeagle/postgrab/internal/config"
	"github.com/standardbeagle/postgrab/internal/daemon"
	"github.com/standardbeagle/postgrab/internal/download"
	"github.com/standardbeagle/postgrab/internal/manifest"
	"github.com/standardbeagle/postgrab/internal/merge"
	"github.com/standardbeagle/postgrab/internal/remux"
	"github.com/standardbeagle/postgrab/internal/resolve"
)

var getCmd = &cobra.Command{
	Use:   "get <post-url|page.html>",
	Short: "Download the video of one post",
	Long: `Resolve the post in a saved Instagram page, or at a post URL, and save
its video with the best audio track.

A saved page is the most reliable source: the stream manifest is only
present in pages rendered by a logged-in browser. Use --location to tell
postgrab which address a saved page was loaded from.

The running daemon does the merge when there is one; otherwise the merge
runs in this process.`,
	Args: cobra.ExactArgs(1),
	Run:  runGet,
}

var (
	getLocation string
	getWhatsapp bool
	getDryRun   bool
	getOffline  bool
)

func init() {
	getCmd.Flags().StringVar(&getLocation, "location", "", "Address the saved page was loaded from")
	getCmd.Flags().BoolVar(&getWhatsapp, "whatsapp", false, "Name the file like a WhatsApp video and encode for it")
	getCmd.Flags().BoolVar(&getDryRun, "dry-run", false, "Only print the selected streams")
	getCmd.Flags().BoolVar(&getOffline, "offline", false, "Merge in this process even when a daemon runs")
}

func runGet(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	resolver := resolve.New(remux.NewFetcher(cfg.Merge.FetchRate), cfg.Selectors)
	res, err := resolver.Resolve(ctx, args[0], getLocation, getWhatsapp)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No stream data found in %s: %v\n", args[0], err)
			fmt.Fprintln(os.Stderr, "Save the post page from a logged-in browser and pass the file instead.")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to resolve %s: %v\n", args[0], err)
		}
		os.Exit(1)
	}

	bold := color.New(color.Bold)
	bold.Printf("%s", res.Name)
	fmt.Printf("  post %s by %s, %.1fs\n", res.PostID, res.Account, res.Seconds)
	fmt.Printf("  video %d bps  %s\n", res.Pair.VideoBandwidth, res.Pair.VideoURL)
	if res.Pair.AudioURL != "" {
		fmt.Printf("  audio %d bps  %s\n", res.Pair.AudioBandwidth, res.Pair.AudioURL)
	} else {
		color.Yellow("  no audio track")
	}
	if getDryRun {
		return
	}

	var result download.Result
	if !getOffline && daemon.IsRunning(cfg.Daemon.Socket) {
		result, err = getViaDaemon(ctx, cfg, res.Request)
	} else {
		result, err = getOfflineMerge(ctx, cfg, res.Request)
	}
	if err != nil {
		color.Red("Download failed: %v", err)
		os.Exit(1)
	}
	color.Green("Saved %s", result.Path)
}

// getViaDaemon has the daemon merge and save, and follows its events to learn
// where the file landed.
func getViaDaemon(ctx context.Context, cfg *config.Config, req merge.Request) (download.Result, error) {
	client := daemon.NewClient(daemon.WithSocketPath(cfg.Daemon.Socket))
	if err := client.Connect(); err != nil {
		return download.Result{}, err
	}
	defer client.Close()
	info, err := client.Info()
	if err != nil {
		return download.Result{}, err
	}

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	finished := make(chan blob.DownloadData, 1)
	go blob.Listen(listenCtx, info.HTTPAddr, func(ev blob.Event) {
		switch ev.Type {
		case blob.EventProgress:
			var p blob.ProgressData
			if ev.Decode(&p) == nil && p.Name == req.OutputFileName {
				fmt.Printf("\r  merging %5.1f%%", p.Percent)
			}
		case blob.EventDownloadFinished:
			var d blob.DownloadData
			// A failed download carries no path.
			if ev.Decode(&d) == nil && (d.Path == "" || strings.HasPrefix(filepath.Base(d.Path), req.OutputFileName)) {
				select {
				case finished <- d:
				default:
				}
			}
		}
	})

	resp, err := merge.Send(ctx, client, req)
	if err != nil {
		return download.Result{}, err
	}
	if !resp.Success {
		return download.Result{}, fmt.Errorf("%w: %s", errMerge, resp.Error)
	}

	select {
	case d := <-finished:
		fmt.Println()
		if d.Error != "" {
			return download.Result{}, errors.New(d.Error)
		}
		return download.Result{ID: d.ID, Status: download.StatusDone, Path: d.Path}, nil
	case <-time.After(10 * time.Minute):
		return download.Result{}, errors.New("timed out waiting for the daemon to save the file")
	case <-ctx.Done():
		return download.Result{}, ctx.Err()
	}
}

var errMerge = errors.New("merge failed")

// getOfflineMerge runs the merger, a blob server and the download in this
// process.
func getOfflineMerge(ctx context.Context, cfg *config.Config, req merge.Request) (download.Result, error) {
	dir, err := os.MkdirTemp("", "postgrab-")
	if err != nil {
		return download.Result{}, err
	}
	defer os.RemoveAll(dir)

	store, err := blob.NewStore(dir, blob.DefaultTTL)
	if err != nil {
		return download.Result{}, err
	}
	server := blob.NewServer(store, blob.NewHub())
	if err := server.Start(blob.DefaultAddr); err != nil {
		return download.Result{}, err
	}
	defer server.Shutdown(context.Background())

	svc := remux.NewService(remux.NewFetcher(cfg.Merge.FetchRate), remux.NewFFmpeg(cfg.FFmpeg.Path), store)
	svc.Progress = func(_ string, percent float64) {
		fmt.Printf("\r  merging %5.1f%%", percent)
	}
	resp, err := merge.Send(ctx, svc, req)
	fmt.Println()
	if err != nil {
		return download.Result{}, err
	}
	if !resp.Success {
		return download.Result{}, fmt.Errorf("%w: %s", errMerge, resp.Error)
	}

	downloads := download.NewService(config.ExpandHome(cfg.Paths.Downloads))
	id := downloads.Start(resp.BlobURL, req.OutputFileName)
	result, err := downloads.Wait(ctx, id)
	if err != nil {
		return result, err
	}
	if result.Status != download.StatusDone {
		return result, errors.New(result.Error)
	}
	return result, nil
}
