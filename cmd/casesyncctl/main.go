package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"casesync/internal/cloudsync"
	"casesync/internal/config"
	"casesync/internal/database"
	"casesync/internal/middleware"
	"casesync/internal/models"
	"casesync/internal/repository"
	"casesync/internal/services"
	"casesync/internal/snapshot"
	"casesync/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "casesyncctl",
		Short:         "Operate the session sync engine from a terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newPushCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newInspectBlobCmd())
	root.AddCommand(newTokenCmd())
	return root
}

type app struct {
	engine *cloudsync.Engine
	events *cloudsync.Broadcaster
	local  *repository.LocalSessionRepo
	pool   *pgxpool.Pool
	redis  *database.RedisClients
}

func (a *app) Close() {
	if a.local != nil {
		_ = a.local.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func loadApp(ctx context.Context, withLocal bool) (*app, error) {
	cfg := config.LoadCLI()
	a := &app{}

	pool, err := database.NewPostgresPool(cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		return nil, err
	}
	a.pool = pool
	if !withLocal {
		return a, nil
	}

	db, err := database.OpenSQLite(cfg.LocalDBPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.local = repository.NewLocalSessionRepo(db)

	deviceID, err := services.ResolveDeviceID(ctx, cfg.DeviceID, a.local)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Events reach this terminal through the broadcaster and, when Redis is
	// configured, the sockets of a running server through its relay.
	a.events = cloudsync.NewBroadcaster()
	notifier := cloudsync.MultiNotifier{a.events}
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, session events stay local", "error", err)
		} else {
			a.redis = redisClients
			notifier = append(notifier, services.NewSessionEventPublisher(redisClients.Publish))
		}
	}

	a.engine = cloudsync.New(a.local, repository.NewSessionRecordRepo(pool),
		snapshot.NewCodec(cfg.AppVersion, deviceID), notifier, cloudsync.Options{
			Tolerance:        cfg.Sync.Tolerance,
			MaxAttempts:      cfg.Sync.MaxAttempts,
			RetryDelay:       cfg.Sync.RetryDelay,
			BatchConcurrency: cfg.Sync.BatchConcurrency,
		})
	return a, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply remote store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := database.RunMigrations(a.pool, migrations.FS); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var userID string
	var force bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Pull remote sessions of a user into the local store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			verbose, _ := cmd.Flags().GetBool("verbose")
			var stop func()
			if verbose {
				stop = printSessionEvents(a.events, cmd.ErrOrStderr())
			}
			sum, err := a.engine.Reconcile(cmd.Context(), userID, cloudsync.ReconcileOptions{Force: force})
			if stop != nil {
				stop()
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d skipped=%d failed=%d\n",
				sum.Created, sum.Updated, sum.Skipped, sum.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&force, "force", false, "adopt every remote copy regardless of tolerance")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// printSessionEvents writes one line per session event until stop is called.
// stop returns once every event published before it has been written.
func printSessionEvents(b *cloudsync.Broadcaster, w io.Writer) (stop func()) {
	events, cancel := b.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			_, _ = fmt.Fprintf(w, "%s session=%s user=%s\n", models.EventSessionUpdatedFromRemote, ev.SessionID, ev.UserID)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func newPushCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload every incomplete local session of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.UploadPending(cmd.Context(), userID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "uploaded=%d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var userID, sessionID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session remotely, then locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Delete(cmd.Context(), userID, sessionID); err != nil {
				return err
			}
			if err := a.local.Delete(cmd.Context(), sessionID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newInspectBlobCmd() *cobra.Command {
	var digest string

	cmd := &cobra.Command{
		Use:   "inspect-blob <file|->",
		Short: "Decode and validate a history blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			blob := string(raw)

			if err := snapshot.VerifyDigest(blob, digest); err != nil {
				return err
			}
			snap, err := snapshot.Unpack(blob)
			if err != nil {
				return err
			}
			sum, err := snapshot.Digest(blob)
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"digest":            sum,
				"app_version":       snap.AppVersion,
				"device_identifier": snap.DeviceIdentifier,
				"client_timestamp":  snap.ClientTimestamp,
				"messages":          len(snap.Content.Messages),
				"actions":           len(snap.Content.Actions),
				"differential":      len(snap.Content.Differential),
				"has_notes":         snap.Content.Notes != "",
				"has_evaluation":    snap.Content.Evaluation != nil,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "", "expected sha256 digest (optional)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := middleware.NewJWTAuth(secret).GenerateAccessToken(userID, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
