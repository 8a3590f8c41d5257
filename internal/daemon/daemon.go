// Package daemon provides the long-running sync daemon.
//
// The daemon:
// 1. Runs the connectivity probe loop and drains the queue on reconnect
// 2. Periodically pulls reconciliation changes from the server
// 3. Watches a drop folder for observation files exported by the
//    recognition collaborator and enqueues them as attendance mutations
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/classdesk/rollcall/internal/connectivity"
	"github.com/classdesk/rollcall/internal/engine"
	"github.com/classdesk/rollcall/internal/schema"
)

// Config holds configuration for the daemon.
type Config struct {
	// ReconcileInterval is how often to pull server-side changes.
	ReconcileInterval time.Duration

	// DebounceInterval is how long to wait before processing dropped
	// observation files. This batches rapid exports together.
	DebounceInterval time.Duration

	// DropDir is the watched observation folder. Empty disables the
	// importer.
	DropDir string

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconcileInterval: 30 * time.Second,
		DebounceInterval:  200 * time.Millisecond,
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates connectivity, draining, reconciliation, and the
// observation importer.
type Daemon struct {
	engine  engine.Engine
	monitor *connectivity.Monitor
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// Use Start() to begin syncing.
func New(eng engine.Engine, monitor *connectivity.Monitor, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		engine:      eng,
		monitor:     monitor,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.DropDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Start the connectivity probe loop
// 2. Drain and reconcile whenever the link comes back up
// 3. Periodically reconcile while online
// 4. Import observation files from the drop folder
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	transitions := d.monitor.Subscribe()
	d.monitor.Start(ctx)

	if d.watcher != nil {
		if err := os.MkdirAll(d.config.DropDir, 0755); err != nil {
			return fmt.Errorf("failed to create drop directory: %w", err)
		}
		if err := d.watcher.Add(d.config.DropDir); err != nil {
			return fmt.Errorf("failed to watch drop directory: %w", err)
		}
		d.config.Logger.Printf("Watching drop folder: %s", d.config.DropDir)

		// Pick up files dropped while the daemon was down.
		d.importExisting()
	}

	d.wg.Add(2)
	go d.transitionLoop(transitions)
	go d.reconcileLoop()

	if d.watcher != nil {
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	// Kick an initial pass; the monitor may already have settled online.
	if d.monitor.Online() {
		d.syncPass()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.monitor.Stop()
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// syncPass runs one drain followed by one reconciliation pull.
func (d *Daemon) syncPass() {
	summary, err := d.engine.Drain(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Drain blocked: %v", err)
		return
	}
	d.config.Logger.Printf("Drain pass: committed=%d retried=%d failed=%d",
		summary.Committed, summary.Retried, summary.Failed)

	applied, err := d.engine.Reconcile(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Reconcile failed: %v", err)
		return
	}
	if applied > 0 {
		d.config.Logger.Printf("Reconcile pass: applied=%d", applied)
	}
}

// transitionLoop reacts to connectivity transitions.
func (d *Daemon) transitionLoop(transitions <-chan connectivity.Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-transitions:
			if !ok {
				return
			}
			// Resample in addition to reacting: the event may be stale
			// by the time it is handled.
			if event == connectivity.BecameOnline && d.monitor.Online() {
				d.config.Logger.Println("Link restored, draining queue")
				d.syncPass()
			}
		}
	}
}

// reconcileLoop periodically pulls server-side changes while online.
func (d *Daemon) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.monitor.Online() {
				continue
			}
			if _, err := d.engine.Reconcile(d.ctx); err != nil {
				d.config.Logger.Printf("Reconcile failed: %v", err)
			}
		}
	}
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; exporters write whole files.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.config.Logger.Printf("Observation file event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue imports queued files once they have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been queued for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)

		if err := d.importObservation(path); err != nil {
			d.config.Logger.Printf("WARNING: failed to import %s: %v", path, err)
		}
	}
}

// importExisting imports observation files already in the drop folder.
func (d *Daemon) importExisting() {
	entries, err := os.ReadDir(d.config.DropDir)
	if err != nil {
		d.config.Logger.Printf("WARNING: failed to read drop directory: %v", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.config.DropDir, entry.Name())
		if err := d.importObservation(path); err != nil {
			d.config.Logger.Printf("WARNING: failed to import %s: %v", path, err)
		}
	}
}

// importObservation reads one dropped observation file, records it as an
// attendance session through the optimistic-write path, and removes the
// file. The mutation is durable before the file goes away, so a crash in
// between re-imports at worst a duplicate the idempotency key absorbs.
func (d *Daemon) importObservation(path string) error {
	session, err := ReadObservationFile(path)
	if err != nil {
		return err
	}

	payload, err := schema.EncodeSession(session)
	if err != nil {
		return err
	}

	if err := d.engine.RecordCreate(d.ctx, schema.KindSession, session.ID, payload); err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove imported file: %w", err)
	}

	d.config.Logger.Printf("Imported observation %s (%s, person %s)",
		session.ID, session.Status, session.PersonID)
	return nil
}
