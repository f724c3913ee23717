// Package watch runs the reconciler continuously. A sync is triggered on a
// fixed interval, by changes under the local storage root, and by an
// authenticated HTTP request.
package watch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/zotsyncd/internal/activation"
	"github.com/schaermu/zotsyncd/internal/config"
	"github.com/schaermu/zotsyncd/internal/device"
	"github.com/schaermu/zotsyncd/internal/journal"
	zotsync "github.com/schaermu/zotsyncd/internal/sync"
	"github.com/schaermu/zotsyncd/internal/zotero"
)

const (
	triggerPath     = "/sync"
	shutdownTimeout = 5 * time.Second
)

// Server implements continuous mode
type Server struct {
	cfg      *config.Config
	library  zotero.Client
	device   device.Device
	journal  journal.Recorder // optional
	logger   *slog.Logger
	secret   []byte
	debounce *debouncer

	syncMu      sync.Mutex // guards syncRunning, syncPending and lastSyncEnd
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	lastSyncEnd time.Time
	inflight    sync.WaitGroup
}

// debouncer implements debouncing for trigger events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new watch server. rec may be nil.
func NewServer(cfg *config.Config, library zotero.Client, dev device.Device, rec journal.Recorder, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		library:  library,
		device:   dev,
		journal:  rec,
		logger:   logger,
		debounce: &debouncer{delay: cfg.Watch.Debounce},
	}

	if cfg.Watch.TriggerSecretFile != "" {
		secret, err := os.ReadFile(cfg.Watch.TriggerSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, errors.New("trigger secret file is empty")
		}
	}

	return s, nil
}

// Start performs an initial sync, then keeps syncing until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before entering watch mode")
	s.performSync(ctx)

	watcher, err := s.watchStorage()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	server, errCh, err := s.serveTrigger(ctx)
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if s.cfg.Watch.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Watch.Interval)
		defer ticker.Stop()
		tick = ticker.C
		s.logger.Info("periodic sync enabled", "interval", s.cfg.Watch.Interval)
	}

	defer s.inflight.Wait()
	defer s.debounce.stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("leaving watch mode")
			return s.shutdown(server)

		case <-tick:
			s.logger.Debug("interval elapsed")
			s.spawnSync(ctx)

		case event, ok := <-watcher.Events:
			if !ok {
				return s.shutdown(server)
			}
			s.handleFSEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return s.shutdown(server)
			}
			s.logger.Warn("storage watcher error", "error", err)

		case err := <-errCh:
			_ = s.shutdown(server)
			return err
		}
	}
}

// watchStorage watches every directory under the storage root
func (s *Server) watchStorage() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	root := s.cfg.Paths.StorageRoot
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch storage root %s: %w", root, err)
	}

	s.logger.Info("watching storage root", "path", root, "directories", len(watcher.WatchList()))
	return watcher, nil
}

// serveTrigger starts the HTTP trigger endpoint when a listener is available.
// A nil server means the endpoint is disabled.
func (s *Server) serveTrigger(ctx context.Context) (*http.Server, <-chan error, error) {
	listener, activated, err := activation.Listen(s.cfg.Watch.ListenAddr)
	if err != nil {
		return nil, nil, err
	}
	if listener == nil {
		return nil, nil, nil
	}
	if len(s.secret) == 0 {
		_ = listener.Close()
		return nil, nil, errors.New("trigger endpoint requires watch.trigger_secret_file")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(triggerPath, func(w http.ResponseWriter, r *http.Request) {
		s.handleTrigger(ctx, w, r)
	})

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("trigger endpoint starting", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return server, errCh, nil
}

func (s *Server) shutdown(server *http.Server) error {
	if server == nil {
		return nil
	}
	s.logger.Info("shutting down trigger endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handleTrigger accepts an authenticated POST and schedules a sync
func (s *Server) handleTrigger(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.isAuthorized(r.Header.Get("Authorization")) {
		s.logger.Warn("rejecting unauthorized trigger", "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Bearer realm="zotsyncd"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.Info("sync triggered over http", "remote", r.RemoteAddr)
	s.debounce.trigger(func() {
		s.spawnSync(ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync scheduled\n")
}

// isAuthorized checks a "Bearer <secret>" header in constant time
func (s *Server) isAuthorized(header string) bool {
	if len(s.secret) == 0 {
		return false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), s.secret) == 1
}

// handleFSEvent extends the watch to new directories and schedules a
// debounced sync for relevant changes.
func (s *Server) handleFSEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				s.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	if !s.shouldTrigger(event, time.Now()) {
		return
	}

	s.logger.Debug("storage change", "path", event.Name, "op", event.Op.String())
	s.debounce.trigger(func() {
		s.spawnSync(ctx)
	})
}

// shouldTrigger filters out permission changes, hidden and temporary files,
// and the echoes of our own writes: anything seen while a sync runs or
// within one debounce window after it ended.
func (s *Server) shouldTrigger(event fsnotify.Event, now time.Time) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.syncRunning {
		return false
	}
	if !s.lastSyncEnd.IsZero() && now.Sub(s.lastSyncEnd) < s.cfg.Watch.Debounce {
		return false
	}
	return true
}

// spawnSync runs performSync in the background and tracks it for shutdown
func (s *Server) spawnSync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.performSync(ctx)
	}()
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.runOnce(ctx)

		s.syncMu.Lock()
		s.lastSyncEnd = time.Now()
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context) {
	engine := zotsync.NewEngine(s.cfg, s.library, s.device, s.logger, false)
	report, err := engine.Run(ctx)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
	} else {
		s.logger.Info("sync completed",
			"duration", report.Duration(),
			"failures", len(report.Failures()))
	}

	if s.journal == nil {
		return
	}
	// Record even when ctx was cancelled mid-run.
	if id, jerr := s.journal.Record(context.WithoutCancel(ctx), report, err); jerr != nil {
		s.logger.Warn("failed to record run", "error", jerr)
	} else {
		s.logger.Debug("run recorded", "id", id)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
