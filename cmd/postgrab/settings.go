package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/postgrab/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings [key [true|false]]",
	Short: "Show or change settings",
	Long: `Show or change the settings stored by the daemon.

Keys:
  extensionEnabled  add download controls to posts
  whatsappMode      name and encode files for WhatsApp

Changing a setting reloads the Instagram tabs of a running watch.`,
	Args: cobra.MaximumNArgs(2),
	Run:  runSettings,
}

func runSettings(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	client, err := connect(cmd, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	ctx := context.Background()

	switch len(args) {
	case 0:
		all, err := client.Settings(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read settings: %v\n", err)
			os.Exit(1)
		}
		for _, key := range settings.Keys() {
			printSetting(key, all[key])
		}
	case 1:
		v, err := client.GetSetting(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", args[0], err)
			os.Exit(1)
		}
		printSetting(args[0], v)
	default:
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid value %q: want true or false\n", args[1])
			os.Exit(1)
		}
		if err := client.SetSetting(ctx, args[0], v); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to set %s: %v\n", args[0], err)
			os.Exit(1)
		}
		printSetting(args[0], v)
	}
}

func printSetting(key string, v bool) {
	state := color.RedString("off")
	if v {
		state = color.GreenString("on")
	}
	fmt.Printf("%-18s %s\n", key, state)
}
