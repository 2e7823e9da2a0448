package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"wikisync/internal/config"
	"wikisync/internal/database"
	"wikisync/internal/encryption"
	"wikisync/internal/metrics"
	"wikisync/internal/mirror"
	"wikisync/internal/remote"
	"wikisync/internal/vault"
)

// metadataName is the vault metadata item holding the replica snapshot.
const metadataName = "db"

// App is the application layer between the CLI and the mirror engine.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the replica lifecycle on Close.
type App struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	vault     mirror.Vault
	remote    mirror.Remote
	encryptor mirror.Encryptor
	driver    *mirror.Driver
	metrics   *metrics.Metrics
	clock     mirror.Clock
	logger    *slog.Logger
	op        *SyncOperation
	logCloser io.Closer
}

// deps are the collaborators New builds itself. Tests substitute them.
type deps struct {
	remote mirror.Remote
	clock  mirror.Clock
	ids    mirror.IDGenerator
	stderr io.Writer
	level  slog.Leveler
}

// New creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "sync", "log").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, verbose bool) (*App, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return newApp(ctx, cfg, operation, deps{
		clock:  mirror.RealClock{},
		ids:    mirror.UUIDGenerator{},
		stderr: os.Stderr,
		level:  level,
	})
}

func newApp(ctx context.Context, cfg *config.Config, operation string, d deps) (*App, error) {
	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date (run `wikisync db migrate`): %w", err)
	}

	// A newer snapshot in the vault means another run advanced the replica.
	remoteVersion, err := v.GetMetadataVersion(ctx, cfg.InstanceID, metadataName)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("checking remote metadata version: %w", err)
	}

	localMax, err := store.MaxSyncRunID(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("checking local metadata version: %w", err)
	}

	if remoteVersion > localMax {
		store.Close()
		return nil, fmt.Errorf("local database is behind remote (local=%d, remote=%d): restore from vault or re-initialize", localMax, remoteVersion)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	runID := d.ids.New()
	logger, logCloser, err := newLogger(cfg.LogDir, runID, d.stderr, d.level)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	mlog := &slogAdapter{l: logger}

	rem := d.remote
	if rem == nil && cfg.Remote.APIURL != "" {
		client, err := remote.NewClient(remote.Options{
			APIURL:    cfg.Remote.APIURL,
			UserAgent: cfg.Remote.UserAgent,
			Timeout:   cfg.Remote.Timeout.Duration,
			Logger:    mlog,
			Clock:     d.clock,
		})
		if err != nil {
			store.Close()
			logCloser.Close()
			return nil, fmt.Errorf("creating remote client: %w", err)
		}
		rem = client
	}

	driver := mirror.NewDriver(store, rem, v, enc, mlog, d.clock, mirror.Options{
		PageRetries:    cfg.Remote.MaxRetries,
		PageBackoff:    cfg.Remote.BaseDelay.Duration,
		PageMaxBackoff: cfg.Remote.MaxDelay.Duration,
		FetchRetries:   cfg.Sync.FetchRetries,
		FetchBackoff:   cfg.Sync.FetchBackoff.Duration,
		Limit:          cfg.Remote.Limit,
	})

	return &App{
		cfg:       cfg,
		store:     store,
		vault:     v,
		remote:    rem,
		encryptor: enc,
		driver:    driver,
		metrics:   metrics.New(cfg.InstanceID),
		clock:     d.clock,
		logger:    logger,
		op:        NewSyncOperation(runID, operation, ""),
		logCloser: logCloser,
	}, nil
}

// Migrate applies all pending schema migrations to the configured replica.
func Migrate(cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()

	if err := store.MigrateUp(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for replica-mutating commands.
func (a *App) persistOperation(ctx context.Context, kind string) error {
	if a.op.Persisted() {
		return nil
	}
	run, err := a.store.CreateSyncRun(ctx, a.op.RunID, kind, a.op.Parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting sync run: %w", err)
	}
	a.op.ID = run.ID
	return nil
}

// Sync runs one reconciliation pass and records it as a sync run.
// Namespaces default to the configured list.
func (a *App) Sync(ctx context.Context, p SyncParams) (*mirror.Report, error) {
	if a.remote == nil {
		return nil, fmt.Errorf("remote.api_url is not configured")
	}
	kind := mirror.Kind(p.Kind)
	switch kind {
	case "":
		kind = mirror.KindPage
	case mirror.KindPage, mirror.KindFile:
	default:
		return nil, fmt.Errorf("unknown kind %q: want page or file", p.Kind)
	}
	p.Kind = string(kind)
	if len(p.Namespaces) == 0 {
		p.Namespaces = a.cfg.Sync.Namespaces
	}

	a.op.Parameters = p.encode()
	if err := a.persistOperation(ctx, p.Kind); err != nil {
		return nil, err
	}

	started := a.clock.Now()
	rep, runErr := a.driver.Run(ctx, mirror.RunOptions{
		Kind:       kind,
		Namespaces: p.Namespaces,
		Start:      p.Start,
		End:        p.End,
	})
	finished := a.clock.Now()
	if runErr != nil {
		a.op.Status = StatusError
		a.logger.Error("sync failed", "error", runErr)
	}

	if err := a.finishOperation(ctx, rep, finished); err != nil && runErr == nil {
		runErr = err
	}

	a.metrics.ObserveRun(kind, rep, runErr, finished.Sub(started), finished)
	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("exporting metrics failed", "path", path, "error", err)
		}
	}

	return rep, runErr
}

// finishOperation stores the outcome and report of the persisted run.
func (a *App) finishOperation(ctx context.Context, rep *mirror.Report, finished time.Time) error {
	var events int64
	report := ""
	if rep != nil {
		events = int64(rep.Events)
		b, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encoding run report: %w", err)
		}
		report = string(b)
	}
	if err := a.store.FinishSyncRun(ctx, a.op.ID, a.op.Status, events, report, finished); err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

// History returns the mirrored versions of a title, newest first.
func (a *App) History(ctx context.Context, namespace int, title string) ([]*mirror.HistoryEntry, error) {
	return a.driver.History(ctx, namespace, title)
}

// NeedsPassphrase reports whether reading content requires unlocking the key.
func (a *App) NeedsPassphrase() bool {
	return a.encryptor != nil
}

// Content writes the version of a title at the given timestamp to w. A zero
// at selects the current version. passphrase is ignored without encryption.
func (a *App) Content(ctx context.Context, namespace int, title string, at time.Time, passphrase string, w io.Writer) error {
	var dec mirror.DecryptionContext
	if a.encryptor != nil {
		var err error
		dec, err = a.encryptor.Unlock(passphrase)
		if err != nil {
			return fmt.Errorf("unlocking key: %w", err)
		}
	}
	return a.driver.Content(ctx, namespace, title, at, dec, w)
}

// ListSyncRuns returns the most recent sync runs.
func (a *App) ListSyncRuns(ctx context.Context, limit int) ([]*database.SyncRun, error) {
	return a.store.ListSyncRuns(ctx, limit)
}

// Status summarizes the replica.
type Status struct {
	Counts      database.Counts
	SyncedUntil map[mirror.Kind]time.Time
	LastRun     *database.SyncRun
}

// Status returns row counts, the per-kind sync cursors and the last run.
func (a *App) Status(ctx context.Context) (*Status, error) {
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{Counts: counts, SyncedUntil: make(map[mirror.Kind]time.Time)}
	for _, kind := range []mirror.Kind{mirror.KindPage, mirror.KindFile} {
		t, err := a.store.SyncedUntil(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("loading sync cursor: %w", err)
		}
		st.SyncedUntil[kind] = t
	}

	runs, err := a.store.ListSyncRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		st.LastRun = runs[0]
	}
	return st, nil
}

// Close closes all resources. For persisted operations it also snapshots
// the replica and uploads it to the vault, versioned by the run ID.
func (a *App) Close(ctx context.Context) error {
	var firstErr error

	if a.op.Persisted() {
		tmpFile, err := os.CreateTemp("", "wikisync-db-backup-*.db")
		if err != nil {
			firstErr = fmt.Errorf("creating temp file for db backup: %w", err)
		}

		var tmpPath string
		if tmpFile != nil {
			tmpPath = tmpFile.Name()
			tmpFile.Close()

			if err := a.store.BackupTo(tmpPath); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("backing up database: %w", err)
				}
				tmpPath = ""
			}
		}

		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}

		if tmpPath != "" {
			if err := a.uploadMetadata(ctx, tmpPath, a.op.ID); err != nil && firstErr == nil {
				firstErr = err
			}
			os.Remove(tmpPath)
		}
	} else if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logCloser != nil {
		a.logCloser.Close()
	}

	return firstErr
}

// uploadMetadata uploads the replica snapshot at path to the vault.
func (a *App) uploadMetadata(ctx context.Context, path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}

	if err := a.vault.PutMetadata(ctx, a.cfg.InstanceID, metadataName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}
	a.logger.Info("replica snapshot uploaded", "version", version, "size", info.Size())
	return nil
}
