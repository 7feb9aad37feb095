package daemon

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SocketName names the daemon socket and pid files.
const SocketName = "postgrab"

var (
	// ErrDaemonRunning means another daemon already answers on the socket.
	ErrDaemonRunning = errors.New("daemon already running")
	// ErrSocketNotFound means no daemon socket exists.
	ErrSocketNotFound = errors.New("daemon socket not found")
)

// DefaultSocketPath returns $XDG_RUNTIME_DIR/postgrab.sock, falling back
// to the temp dir with the uid in the name.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, SocketName+".sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.sock", SocketName, os.Getuid()))
}

// SocketManager owns the listening socket and its pid file.
type SocketManager struct {
	path     string
	mode     os.FileMode
	listener net.Listener
}

// NewSocketManager manages the socket at path, or the default path.
func NewSocketManager(path string) *SocketManager {
	if path == "" {
		path = DefaultSocketPath()
	}
	return &SocketManager{path: path, mode: 0o600}
}

// Path returns the socket path.
func (sm *SocketManager) Path() string { return sm.path }

func (sm *SocketManager) pidPath() string { return sm.path + ".pid" }

// Listen binds the socket. A leftover socket file with nobody behind it is
// removed first.
func (sm *SocketManager) Listen() (net.Listener, error) {
	if _, err := os.Stat(sm.path); err == nil {
		if IsRunning(sm.path) {
			return nil, fmt.Errorf("%w at %s", ErrDaemonRunning, sm.path)
		}
		log.Printf("[Daemon] removing stale socket %s", sm.path)
		os.Remove(sm.path)
	}
	if err := os.MkdirAll(filepath.Dir(sm.path), 0o700); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", sm.path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(sm.path, sm.mode); err != nil {
		ln.Close()
		return nil, err
	}
	os.WriteFile(sm.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
	sm.listener = ln
	return ln, nil
}

// Close closes the listener and removes the socket and pid files.
func (sm *SocketManager) Close() error {
	var err error
	if sm.listener != nil {
		if cerr := sm.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		sm.listener = nil
	}
	os.Remove(sm.path)
	os.Remove(sm.pidPath())
	return err
}

// Connect dials the daemon socket.
func Connect(path string) (net.Conn, error) {
	if path == "" {
		path = DefaultSocketPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrSocketNotFound
	}
	return net.DialTimeout("unix", path, 2*time.Second)
}

// IsRunning reports whether a daemon accepts connections at path.
func IsRunning(path string) bool {
	conn, err := Connect(path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ReadPID returns the pid recorded next to the socket, or 0.
func ReadPID(path string) int {
	if path == "" {
		path = DefaultSocketPath()
	}
	data, err := os.ReadFile(path + ".pid")
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(string(data))
	return pid
}
