package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wikisync/internal/app"
	"wikisync/internal/config"
	"wikisync/internal/encryption"
	"wikisync/internal/mirror"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the config file from the default location.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close.
// operation identifies the CLI command being run (e.g. "sync", "log").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.New(cmd.Context(), cfg, operation, verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// parseTitle picks the namespace of a title argument. A "File:" prefix
// selects the file namespace unless --ns was given explicitly.
func parseTitle(cmd *cobra.Command, arg string) (int, string) {
	ns, _ := cmd.Flags().GetInt("ns")
	if !cmd.Flags().Changed("ns") && strings.HasPrefix(arg, "File:") {
		ns = mirror.FileNamespace
	}
	return ns, mirror.NormalizeTitle(ns, arg)
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "wikisync",
	Short:        "Incremental wiki mirror",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, defaults["base_dir"])
		cfg.LogDir = defaults["log_dir"]
		if apiURL, _ := cmd.Flags().GetString("api-url"); apiURL != "" {
			cfg.Remote.APIURL = apiURL
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the content encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc == nil {
			return fmt.Errorf("encryption is disabled in the config")
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Encryption keys created.")
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local replica",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror remote changes into the local replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		rawStart, _ := cmd.Flags().GetString("start")
		rawEnd, _ := cmd.Flags().GetString("end")

		start, err := parseTime(rawStart)
		if err != nil {
			return err
		}
		end, err := parseTime(rawEnd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "sync")
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		rep, err := a.Sync(cmd.Context(), app.SyncParams{Kind: kind, Start: start, End: end})
		if rep != nil {
			fmt.Printf("%d events, %d moves, %d deletions, %d restores\n",
				rep.Events, rep.Moves, rep.Deletions, rep.Restores)
			fmt.Printf("%d versions inserted, %d restored, %d removed, %d flag updates\n",
				rep.VersionsInserted, rep.VersionsRestored, rep.VersionsRemoved, rep.FlagUpdates)
			for _, f := range rep.IntegrityFailures {
				fmt.Printf("skipped: %v\n", f)
			}
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log TITLE",
	Short: "View the mirrored versions of a title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "log")
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		ns, title := parseTitle(cmd, args[0])
		entries, err := a.History(cmd.Context(), ns, title)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No mirrored versions.")
			return nil
		}

		for _, e := range entries {
			marker := ""
			switch {
			case e.IsCurrent:
				marker = "  [current]"
			case e.IsDeleted:
				marker = "  [deleted]"
			}
			sha := e.SHA1
			if len(sha) > 12 {
				sha = sha[:12]
			}
			fmt.Printf("%-12s  %s  %8d  %-20s  %s%s\n",
				sha,
				formatTime(e.Timestamp),
				e.Size,
				e.Author,
				e.Comment,
				marker,
			)
		}
		return nil
	},
}

// cat command
var catCmd = &cobra.Command{
	Use:   "cat TITLE",
	Short: "Print the mirrored content of a title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawAt, _ := cmd.Flags().GetString("at")
		at, err := parseTime(rawAt)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "cat")
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		var pass string
		if a.NeedsPassphrase() {
			if pass, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}

		ns, title := parseTitle(cmd, args[0])
		return a.Content(cmd.Context(), ns, title, at, pass, os.Stdout)
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		runs, err := a.ListSyncRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-4s  %s  %-8s  %6d events  %s\n",
				r.ID,
				r.Kind,
				formatTime(r.StartedAt),
				r.Status,
				r.Events,
				duration,
			)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the local replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "status")
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		st, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Entities:          %d\n", st.Counts.Entities)
		fmt.Printf("Archived versions: %d\n", st.Counts.ArchivedVersions)
		fmt.Printf("Deleted versions:  %d\n", st.Counts.DeletedVersions)
		fmt.Printf("Pages synced to:   %s\n", formatTime(st.SyncedUntil[mirror.KindPage]))
		fmt.Printf("Files synced to:   %s\n", formatTime(st.SyncedUntil[mirror.KindFile]))
		if st.LastRun != nil {
			fmt.Printf("Last run:          #%d %s %s\n", st.LastRun.ID, st.LastRun.Kind, st.LastRun.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("api-url", "", "Action API endpoint of the wiki to mirror")
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)
	dbCmd.AddCommand(dbMigrateCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().String("kind", "page", "Entity kind to mirror: page or file")
	syncCmd.Flags().String("start", "", "Window start (default: end of the previous run)")
	syncCmd.Flags().String("end", "", "Window end (default: now)")
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().Int("ns", 0, "Namespace of the title")
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().Int("ns", 0, "Namespace of the title")
	catCmd.Flags().String("at", "", "Timestamp of the version (default: current)")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(statusCmd)
}
