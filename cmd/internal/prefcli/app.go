// ABOUTME: App glues the prefs CLI to the prefsync library.
// ABOUTME: One App per invocation; Close releases the store and scheduler.
package prefcli

import (
	"go.uber.org/zap"

	"github.com/gastondana627/oriel-prefsync/prefsync"
)

// App wires the store, client, notifier, and syncer for one CLI run.
type App struct {
	Store    *prefsync.Store
	Client   *prefsync.Client
	Notifier *prefsync.Notifier
	Syncer   *prefsync.Syncer
	Log      *zap.Logger

	cfg RuntimeConfig
}

// NewApp resolves cfg and instantiates the pipeline.
func NewApp(cfg RuntimeConfig) (*App, error) {
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}

	log := zap.NewNop()
	if cfg.Verbose {
		dev, err := zap.NewDevelopment()
		if err == nil {
			log = dev
		}
	}

	store, err := prefsync.OpenStore(cfg.StorePath, log)
	if err != nil {
		return nil, err
	}

	scfg := prefsync.SyncConfig{
		BaseURL:   cfg.ServerURL,
		AuthToken: cfg.AuthToken,
		DeviceID:  cfg.DeviceID,
		Interval:  cfg.Interval,
		Logger:    log,
	}
	client := prefsync.NewClient(scfg)
	notifier := prefsync.NewNotifier(log)
	syncer := prefsync.NewSyncer(store, client, notifier, scfg)

	return &App{
		Store:    store,
		Client:   client,
		Notifier: notifier,
		Syncer:   syncer,
		Log:      log,
		cfg:      cfg,
	}, nil
}

// Config returns the resolved runtime configuration.
func (a *App) Config() RuntimeConfig { return a.cfg }

// CanSync reports whether a server and token are configured.
func (a *App) CanSync() bool { return a.Client.Configured() }

// Close releases resources.
func (a *App) Close() error {
	a.Syncer.Close()
	return a.Store.Close()
}
