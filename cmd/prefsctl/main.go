// ABOUTME: prefsctl inspects and edits visualizer preferences and drives
// ABOUTME: synchronization against the preferences server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gastondana627/oriel-prefsync/cmd/internal/prefcli"
	"github.com/gastondana627/oriel-prefsync/prefsync"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "get":
		get()
	case "set":
		set()
	case "sync":
		syncCmd()
	case "status":
		status()
	case "watch":
		watch()
	case "export":
		export()
	case "import":
		importCmd()
	case "login":
		login()
	default:
		usage()
	}
}

func usage() {
	fmt.Println(`usage: prefsctl <command> [flags]

commands:
  get [key]        print one or all preferences
  set <key> <val>  set a preference (syncs in the background when configured)
  sync             force a reconciliation round now
  status           show sync state
  watch            print preference changes until interrupted
  export           write the preference blob as JSON to stdout
  import <file>    import a JSON blob (unknown keys are dropped)
  login            authenticate and store the issued token`)
}

func mustParse(args []string, fs *flag.FlagSet) {
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
}

func runApp(cfg prefcli.RuntimeConfig, fn func(ctx context.Context, app *prefcli.App) error) error {
	app, err := prefcli.NewApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, app)
}

func get() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *prefcli.App) error {
		prefs := app.Syncer.Preferences(ctx)
		if fs.NArg() > 0 {
			key := fs.Arg(0)
			v, ok := prefs[key]
			if !ok {
				return fmt.Errorf("unknown preference %q", key)
			}
			fmt.Println(v)
			return nil
		}
		keys := prefsync.Keys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %v\n", k, prefs[k])
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func set() {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if fs.NArg() != 2 {
		log.Fatal("usage: prefsctl set <key> <value>")
	}
	key, text := fs.Arg(0), fs.Arg(1)

	if err := runApp(cfg, func(ctx context.Context, app *prefcli.App) error {
		value, err := prefsync.ParseValue(key, text)
		if err != nil {
			return err
		}
		if err := app.Syncer.SetPreference(ctx, key, value); err != nil {
			return err
		}
		if !app.CanSync() {
			fmt.Println("saved locally (no server configured)")
			return nil
		}
		app.Syncer.Arm(app.Config().AuthToken)
		res, err := app.Syncer.ForceSync(ctx)
		if err != nil {
			// The change is safe locally; the next sync retries.
			fmt.Printf("saved locally; sync failed: %v\n", err)
			return nil
		}
		if res.Skipped {
			fmt.Printf("saved locally; sync skipped (%s)\n", res.Reason)
			return nil
		}
		fmt.Println("saved and synced")
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func syncCmd() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *prefcli.App) error {
		if !app.CanSync() {
			return fmt.Errorf("no server or token configured; run prefsctl login first")
		}
		app.Syncer.Arm(app.Config().AuthToken)
		res, err := app.Syncer.ForceSync(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if res.Skipped {
			fmt.Printf("sync skipped: %s\n", res.Reason)
			return nil
		}
		fmt.Printf("sync complete (%s)\n", res.Winner)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func status() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *prefcli.App) error {
		meta := app.Syncer.Metadata(ctx)
		st := app.Syncer.Status()
		fmt.Printf("device:      %s\n", meta.DeviceID)
		fmt.Printf("version:     %d\n", meta.Version)
		fmt.Printf("modified:    %s\n", meta.ModifiedAt().Format(time.RFC3339))
		fmt.Printf("state:       %s\n", st.State)
		fmt.Printf("configured:  %v\n", app.CanSync())
		if !st.LastSyncAt.IsZero() {
			fmt.Printf("last sync:   %s\n", st.LastSyncAt.Format(time.RFC3339))
		}
		if st.LastError != nil {
			fmt.Printf("last error:  %v\n", st.LastError)
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func watch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	app, err := prefcli.NewApp(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		_ = app.Close()
	}()

	app.Notifier.Subscribe(func(p prefsync.PreferenceSet) {
		blob, _ := json.Marshal(p)
		fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), blob)
	})
	if app.CanSync() {
		app.Syncer.OnLogin(app.Config().AuthToken)
	}

	fmt.Println("watching for preference changes; ctrl-c to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func export() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *prefcli.App) error {
		prefs, meta := app.Store.Load(ctx)
		out := map[string]any{"preferences": prefs, "metadata": meta}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}); err != nil {
		log.Fatal(err)
	}
}

func importCmd() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if fs.NArg() != 1 {
		log.Fatal("usage: prefsctl import <file>")
	}

	if err := runApp(cfg, func(ctx context.Context, app *prefcli.App) error {
		data, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		var blob struct {
			Preferences map[string]any `json:"preferences"`
		}
		if err := json.Unmarshal(data, &blob); err != nil {
			return fmt.Errorf("parse import: %w", err)
		}
		if blob.Preferences == nil {
			// Accept a bare preference object as well.
			if err := json.Unmarshal(data, &blob.Preferences); err != nil {
				return fmt.Errorf("parse import: %w", err)
			}
		}
		prefs, err := app.Syncer.ReplacePreferences(ctx, blob.Preferences)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d preferences\n", len(prefs))
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func login() {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	var cfg prefcli.RuntimeConfig
	cfg.BindFlags(fs)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	mustParse(os.Args[2:], fs)

	if err := cfg.Resolve(); err != nil {
		log.Fatal(err)
	}
	if cfg.ServerURL == "" {
		log.Fatal("no server configured; pass -server or set ORIEL_SYNC_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := prefsync.NewAuthClient(cfg.ServerURL).Login(ctx, *email, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	if err := cfg.SaveToken(result.Token); err != nil {
		log.Fatalf("login succeeded but saving the token failed: %v", err)
	}
	fmt.Printf("logged in; token valid until %s\n", result.Expires.Format(time.RFC3339))
}
