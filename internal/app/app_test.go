package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wikisync/internal/config"
	"wikisync/internal/mirror"
	"wikisync/internal/testutil"
	"wikisync/internal/vault"
)

var base = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

// testConfig returns a config backed by a file replica and a filesystem
// vault, so state survives across App instances.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewConfig("instance-1", dir)
	cfg.Remote.APIURL = "http://wiki.invalid/w/api.php"
	cfg.Remote.BaseDelay = config.Duration{Duration: time.Millisecond}
	cfg.Remote.MaxDelay = config.Duration{Duration: time.Millisecond}
	cfg.Sync.FetchBackoff = config.Duration{Duration: time.Millisecond}
	cfg.Encryption = config.EncryptionConfig{Type: "none"}
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(dir, "vault")}}
	cfg.Metrics.TextfilePath = filepath.Join(dir, "wikisync.prom")
	return cfg
}

type testEnv struct {
	wiki  *testutil.FakeWiki
	clock *testutil.StubClock
	ids   *testutil.StubIDGenerator
	out   *bytes.Buffer
}

func newTestEnv() *testEnv {
	return &testEnv{
		wiki:  testutil.NewFakeWiki(),
		clock: testutil.NewStubClock(base),
		ids:   testutil.NewStubIDGenerator(),
		out:   &bytes.Buffer{},
	}
}

func (e *testEnv) open(t *testing.T, cfg *config.Config, operation string) *App {
	t.Helper()

	a, err := newApp(context.Background(), cfg, operation, deps{
		remote: e.wiki,
		clock:  e.clock,
		ids:    e.ids,
		stderr: e.out,
		level:  slog.LevelDebug,
	})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return a
}

func TestNew_RequiresMigratedDatabase(t *testing.T) {
	cfg := testConfig(t)
	env := newTestEnv()

	_, err := newApp(context.Background(), cfg, "sync", deps{remote: env.wiki, clock: env.clock, ids: env.ids, stderr: env.out})
	if err == nil || !strings.Contains(err.Error(), "db migrate") {
		t.Fatalf("newApp() error = %v, want a migration hint", err)
	}

	if err := Migrate(cfg); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	a := env.open(t, cfg, "sync")
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Run("no vaults", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Vaults = nil
		if _, err := New(context.Background(), cfg, "sync", false); err == nil {
			t.Error("New() expected error without vaults")
		}
	})

	t.Run("local replica behind vault snapshot", func(t *testing.T) {
		cfg := testConfig(t)
		if err := Migrate(cfg); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		v, err := vault.NewFileSystemVault("local", cfg.Vaults[0].FSVaultRoot)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		if err := v.PutMetadata(context.Background(), cfg.InstanceID, metadataName, strings.NewReader("x"), 1, 5); err != nil {
			t.Fatalf("PutMetadata() error = %v", err)
		}

		env := newTestEnv()
		_, err = newApp(context.Background(), cfg, "sync", deps{remote: env.wiki, clock: env.clock, ids: env.ids, stderr: env.out})
		if err == nil || !strings.Contains(err.Error(), "behind remote") {
			t.Errorf("newApp() error = %v, want local behind remote", err)
		}
	})
}

func TestApp_SyncLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	if err := Migrate(cfg); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	env := newTestEnv()
	env.wiki.Edit(0, "Main_Page", base.Add(time.Hour), "hello", "Carol")
	env.wiki.Edit(0, "Main_Page", base.Add(2*time.Hour), "hello world", "Carol")
	env.clock.Set(base.Add(10 * time.Hour))

	a := env.open(t, cfg, "sync")
	rep, err := a.Sync(ctx, SyncParams{Kind: "page"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if rep.VersionsInserted != 2 {
		t.Errorf("VersionsInserted = %d, want 2", rep.VersionsInserted)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	t.Run("snapshot uploaded with run id as version", func(t *testing.T) {
		v, err := vault.NewFileSystemVault("local", cfg.Vaults[0].FSVaultRoot)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		got, err := v.GetMetadataVersion(ctx, cfg.InstanceID, metadataName)
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if got != 1 {
			t.Errorf("snapshot version = %d, want 1", got)
		}
	})

	t.Run("metrics textfile written", func(t *testing.T) {
		data, err := os.ReadFile(cfg.Metrics.TextfilePath)
		if err != nil {
			t.Fatalf("reading metrics: %v", err)
		}
		if !strings.Contains(string(data), `wikisync_sync_runs_total{instance_id="instance-1",kind="page",status="success"} 1`) {
			t.Errorf("metrics missing run counter:\n%s", data)
		}
	})

	t.Run("run log carries run id", func(t *testing.T) {
		logged, err := os.ReadFile(filepath.Join(cfg.LogDir, "wikisync.log"))
		if err != nil {
			t.Fatalf("reading log: %v", err)
		}
		if !strings.Contains(string(logged), "\trun-1\tsync finished") {
			t.Errorf("log file missing run line:\n%s", logged)
		}
	})

	// Read-only commands see the synced replica and do not bump the snapshot.
	r := env.open(t, cfg, "log")
	defer r.Close(ctx)

	t.Run("history", func(t *testing.T) {
		entries, err := r.History(ctx, 0, "Main Page")
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(entries) != 2 || !entries[0].IsCurrent {
			t.Fatalf("History() = %+v, want current plus one archived", entries)
		}
	})

	t.Run("content", func(t *testing.T) {
		if r.NeedsPassphrase() {
			t.Error("NeedsPassphrase() = true without encryption")
		}
		var buf bytes.Buffer
		if err := r.Content(ctx, 0, "Main_Page", base.Add(time.Hour), "", &buf); err != nil {
			t.Fatalf("Content() error = %v", err)
		}
		if buf.String() != "hello" {
			t.Errorf("Content() = %q, want %q", buf.String(), "hello")
		}
	})

	t.Run("sync runs", func(t *testing.T) {
		runs, err := r.ListSyncRuns(ctx, 10)
		if err != nil {
			t.Fatalf("ListSyncRuns() error = %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("ListSyncRuns() returned %d runs, want 1", len(runs))
		}
		run := runs[0]
		if run.RunID != "run-1" || run.Kind != "page" || run.Status != StatusSuccess || run.Events != 2 {
			t.Errorf("run = %+v", run)
		}
		if !strings.Contains(run.Report, `"VersionsInserted":2`) {
			t.Errorf("report = %s, want VersionsInserted", run.Report)
		}
		if !strings.Contains(run.Parameters, `"namespaces":[0,6]`) {
			t.Errorf("parameters = %s, want configured namespaces", run.Parameters)
		}
	})

	t.Run("status", func(t *testing.T) {
		st, err := r.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st.Counts.Entities != 1 || st.Counts.ArchivedVersions != 1 {
			t.Errorf("counts = %+v, want 1 entity and 1 archived version", st.Counts)
		}
		if want := base.Add(10 * time.Hour); !st.SyncedUntil[mirror.KindPage].Equal(want) {
			t.Errorf("page cursor = %s, want %s", st.SyncedUntil[mirror.KindPage], want)
		}
		if !st.SyncedUntil[mirror.KindFile].IsZero() {
			t.Errorf("file cursor = %s, want zero", st.SyncedUntil[mirror.KindFile])
		}
		if st.LastRun == nil || st.LastRun.ID != 1 {
			t.Errorf("last run = %+v, want run 1", st.LastRun)
		}
	})
}

func TestApp_SyncFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	if err := Migrate(cfg); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	env := newTestEnv()
	env.wiki.Edit(6, "Foo.png", base.Add(time.Hour), "foo", "Alice")
	env.wiki.FailNext(errors.New("forbidden"), 1)
	env.clock.Set(base.Add(10 * time.Hour))

	a := env.open(t, cfg, "sync")
	defer a.Close(ctx)

	if _, err := a.Sync(ctx, SyncParams{Kind: "file"}); err == nil {
		t.Fatal("Sync() expected error")
	}

	runs, err := a.ListSyncRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListSyncRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != StatusError || !runs[0].FinishedAt.Valid {
		t.Errorf("runs = %+v, want one finished error run", runs)
	}
	if !strings.Contains(env.out.String(), "sync failed") {
		t.Errorf("stderr missing failure line:\n%s", env.out)
	}
}

func TestApp_SyncRejects(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	env := newTestEnv()

	t.Run("unknown kind", func(t *testing.T) {
		a := env.open(t, cfg, "sync")
		defer a.Close(ctx)
		if _, err := a.Sync(ctx, SyncParams{Kind: "category"}); err == nil {
			t.Error("Sync() expected error for unknown kind")
		}
	})

	t.Run("no remote configured", func(t *testing.T) {
		noRemote := *cfg
		noRemote.Remote.APIURL = ""
		a, err := newApp(ctx, &noRemote, "sync", deps{clock: env.clock, ids: env.ids, stderr: env.out})
		if err != nil {
			t.Fatalf("newApp() error = %v", err)
		}
		defer a.Close(ctx)
		if _, err := a.Sync(ctx, SyncParams{}); err == nil {
			t.Error("Sync() expected error without a remote")
		}
	})
}
