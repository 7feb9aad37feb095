package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// AutoStartConfig holds configuration for auto-starting the daemon.
type AutoStartConfig struct {
	// SocketPath is the socket path to connect to.
	SocketPath string
	// DaemonPath is the executable to start. Empty uses the current one.
	DaemonPath string
	// Args start the daemon in the foreground of the child process.
	Args []string
	// RetryInterval is how long to wait between connection attempts.
	RetryInterval time.Duration
	// MaxRetries is the maximum number of connection attempts.
	MaxRetries int
}

// DefaultAutoStartConfig returns sensible defaults.
func DefaultAutoStartConfig() AutoStartConfig {
	return AutoStartConfig{
		SocketPath:    DefaultSocketPath(),
		Args:          []string{"daemon", "start", "--foreground"},
		RetryInterval: 100 * time.Millisecond,
		MaxRetries:    50,
	}
}

// EnsureDaemonRunning connects to the daemon, starting it first when
// nothing answers on the socket.
func EnsureDaemonRunning(config AutoStartConfig) (*Client, error) {
	client := NewClient(WithSocketPath(config.SocketPath))
	if err := client.Connect(); err == nil {
		return client, nil
	}

	if err := spawnDaemon(config); err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		time.Sleep(config.RetryInterval)
		if lastErr = client.Connect(); lastErr == nil {
			return client, nil
		}
	}
	return nil, fmt.Errorf("daemon did not come up: %w", lastErr)
}

func spawnDaemon(config AutoStartConfig) error {
	path := config.DaemonPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := append([]string{}, config.Args...)
	if config.SocketPath != "" {
		args = append(args, "--socket", config.SocketPath)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return cmd.Process.Release()
}

// StopDaemon connects to a running daemon and requests shutdown.
func StopDaemon(socketPath string) error {
	client := NewClient(WithSocketPath(socketPath))
	if err := client.Connect(); err != nil {
		if errors.Is(err, ErrSocketNotFound) {
			return nil
		}
		return err
	}
	defer client.Close()
	return client.Shutdown()
}

// IsDaemonRunning checks if the daemon is running at the given socket path.
func IsDaemonRunning(socketPath string) bool {
	return IsRunning(socketPath)
}
