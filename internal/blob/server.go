package blob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultAddr is the loopback address the server listens on. Port 0 picks
// a free port.
const DefaultAddr = "127.0.0.1:0"

// Server serves stored blobs and the events stream.
type Server struct {
	store *Store
	hub   *Hub

	ln  net.Listener
	srv *http.Server
}

// NewServer returns a server for store and hub.
func NewServer(store *Store, hub *Hub) *Server {
	return &Server{store: store, hub: hub}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /blob/{id}", s.serveBlob)
	mux.Handle("GET /events", s.hub)
	return mux
}

// Start listens on addr and serves in the background. The store's base URL
// is set to the bound address.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.store.SetBaseURL("http://" + ln.Addr().String())
	log.Printf("[Blob] serving on %s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Blob] serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	f, err := os.Open(e.Path)
	if err != nil {
		http.Error(w, "blob unavailable", http.StatusGone)
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(e.Name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": e.Name}))
	http.ServeContent(w, r, e.Name, e.Created, f)
}
