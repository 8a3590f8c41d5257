package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/classdesk/rollcall/internal/apiclient"
	"github.com/classdesk/rollcall/internal/cache"
	"github.com/classdesk/rollcall/internal/connectivity"
	"github.com/classdesk/rollcall/internal/engine"
	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/store"
)

// App is the explicit wiring of the client's components, constructed
// once per command invocation and passed around instead of any ambient
// global state.
type App struct {
	DB      *store.DB
	Cache   *cache.Cache
	Queue   *queue.Queue
	Client  *apiclient.Client
	Monitor *connectivity.Monitor
	Engine  engine.Engine
}

// openApp opens the local database and builds the component graph from
// the current configuration. events may be nil.
func openApp(events engine.Events, logger *log.Logger) (*App, error) {
	dataDir := viper.GetString("data.dir")
	dbPath := filepath.Join(dataDir, "rollcall.db")

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	deviceID, err := ensureDeviceID(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	client := apiclient.New(apiclient.Config{
		BaseURL:  viper.GetString("server.url"),
		DeviceID: deviceID,
		Timeout:  viper.GetDuration("api.timeout"),
		Token:    configToken,
	})

	monitorCfg := connectivity.DefaultConfig()
	monitorCfg.HealthURL = client.HealthURL()
	monitorCfg.ProbeInterval = viper.GetDuration("connectivity.probe_interval")
	monitorCfg.StabilityWindow = viper.GetDuration("connectivity.stability_window")
	monitorCfg.Logger = logger
	monitor := connectivity.New(monitorCfg)

	engineCfg := engine.DefaultConfig()
	engineCfg.MaxAttempts = viper.GetInt("sync.max_attempts")
	engineCfg.BackoffBase = viper.GetDuration("sync.backoff_base")
	engineCfg.BackoffCap = viper.GetDuration("sync.backoff_cap")
	engineCfg.Logger = logger

	c := cache.New(db)
	q := queue.New(db)

	eng, err := engine.New(db, c, q, client, monitor, events, engineCfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build sync engine: %w", err)
	}

	return &App{
		DB:      db,
		Cache:   c,
		Queue:   q,
		Client:  client,
		Monitor: monitor,
		Engine:  eng,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if err := a.DB.Close(); err != nil {
		log.Printf("Warning: failed to close database: %v", err)
	}
}

// configToken supplies the bearer credential from configuration.
// Credential issuance and renewal are handled outside this client; an
// absent credential is the "credential unavailable" auth error.
func configToken(ctx context.Context) (string, error) {
	token := viper.GetString("server.token")
	if token == "" {
		return "", fmt.Errorf("server.token is not configured")
	}
	return token, nil
}

// ensureDeviceID reads or mints the persistent device identifier.
func ensureDeviceID(db *store.DB) (string, error) {
	ctx := context.Background()

	id, err := db.GetMeta(ctx, store.MetaDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := db.SetMeta(ctx, store.MetaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}
