// Package app wires configuration, storage and transports into the talkie
// command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/talkie/backend/internal/config"
	"github.com/talkie/backend/internal/db"
	"github.com/talkie/backend/internal/directory"
	"github.com/talkie/backend/internal/grpcserver"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/presence"
	"github.com/talkie/backend/internal/reconciler"
	"github.com/talkie/backend/internal/telemetry"
)

const serviceName = "talkie"

// Run executes the talkie command line with args.
func Run(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Push-to-talk friend state reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(),
		newRegisterCommand(),
		newFriendCommand(),
		newMigrateCommand(),
		newPresenceServerCommand(),
	)
	return root
}

// bootstrap loads configuration and installs the process logger and tracer.
func bootstrap(ctx context.Context) (context.Context, config.Config, *slog.Logger, telemetry.ShutdownFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, config.Config{}, nil, nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx = logging.WithLogger(ctx, logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return ctx, cfg, logger, nil, err
	}
	return ctx, cfg, logger, shutdownTracing, nil
}

func flushTracing(logger *slog.Logger, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("flush traces failed", slog.Any("error", err))
	}
}

// waitForExit blocks until ctx ends, a termination signal arrives or errc yields.
func waitForExit(ctx context.Context, logger *slog.Logger, errc <-chan error) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-signalCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errc:
		return err
	}
	return nil
}

// signOutSession ends the run command when the reconciler signs the user out.
type signOutSession struct {
	cancel context.CancelFunc
}

func (s signOutSession) SignOut(context.Context) error {
	s.cancel()
	return nil
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Reconcile the configured user's state until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, logger, shutdownTracing, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer flushTracing(logger, shutdownTracing)

			if cfg.UserID == "" {
				return errors.New("TALKIE_USER_ID is required")
			}
			logger = logger.With("userId", cfg.UserID)
			ctx = logging.WithLogger(ctx, logger)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			dir, closeDir, err := openDirectory(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeDir()

			parts, cleanup, err := buildComponents(ctx, cfg, dir, signOutSession{cancel: cancel}, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := parts.reconciler.Start(ctx); err != nil {
				return err
			}

			errc := make(chan error, 1)
			if cfg.Presence.Addr != "" {
				conn, err := presence.Dial(cfg.Presence.Addr)
				if err != nil {
					return err
				}
				defer conn.Close()
				client := presence.NewClient(conn, cfg.Presence.Interval)
				go func() {
					if err := presence.WaitReady(ctx, conn); err != nil {
						logger.Warn("presence service unavailable", slog.Any("error", err))
						return
					}
					if err := client.Run(ctx, currentPing(parts.reconciler), parts.reconciler.OnPresence); err != nil {
						errc <- fmt.Errorf("presence stream: %w", err)
					}
				}()
			}

			runErr := waitForExit(ctx, logger, errc)

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grpcserver.ShutdownTimeout)
			defer cancelShutdown()
			shutdownCtx = logging.WithLogger(shutdownCtx, logger)
			return errors.Join(
				runErr,
				parts.talk.Shutdown(shutdownCtx),
				parts.reconciler.Shutdown(shutdownCtx),
			)
		},
	}
}

// currentPing reports the published user on every presence interval.
func currentPing(rec *reconciler.Reconciler) func() presence.Ping {
	return func() presence.Ping {
		user, ok := rec.CurrentState()
		if !ok {
			return presence.Ping{}
		}
		return presence.Ping{UserID: user.ID, Status: user.Status, FriendIDs: user.FriendIDs}
	}
}

func newRegisterCommand() *cobra.Command {
	var (
		reg       reconciler.Registration
		imagePath string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a user document with a unique pin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, logger, shutdownTracing, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer flushTracing(logger, shutdownTracing)

			dir, closeDir, err := openDirectory(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeDir()

			if imagePath != "" {
				ref, err := uploadProfileImage(ctx, cfg, imagePath)
				if err != nil {
					return err
				}
				reg.ProfileImageRef = ref
			}

			user, err := reconciler.NewRegistrar(dir).Register(ctx, reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s with pin %s\n", user.ID, user.Pin)
			return nil
		},
	}
	cmd.Flags().StringVar(&reg.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&reg.Email, "email", "", "email address")
	cmd.Flags().StringVar(&reg.Name, "name", "", "display name")
	cmd.Flags().StringVar(&reg.DeviceToken, "device-token", "", "push token of the registering device")
	cmd.Flags().StringVar(&imagePath, "image", "", "profile image to upload")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func uploadProfileImage(ctx context.Context, cfg config.Config, path string) (string, error) {
	_, store, err := buildBlobs(ctx, cfg)
	if err != nil {
		return "", err
	}
	if store == nil {
		return "", errors.New("an object store bucket is required to upload images")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	ext := filepath.Ext(path)
	name := "profile-images/" + uuid.NewString() + ext
	return store.Save(ctx, name, mime.TypeByExtension(ext), f)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|status]",
		Short:     "Apply or list Postgres directory migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, logger, shutdownTracing, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer flushTracing(logger, shutdownTracing)

			command := "up"
			if len(args) > 0 {
				command = args[0]
			}

			files, err := migrationFiles(cfg.MigrationDir)
			if err != nil {
				return err
			}
			pool, err := db.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			return runMigrations(ctx, cmd.OutOrStdout(), directory.NewMigrator(pool, files, logger), command)
		},
	}
}

func runMigrations(ctx context.Context, out io.Writer, migrator *directory.Migrator, command string) error {
	switch command {
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Fprintf(out, "[%s] %s\n", mark, s.Name)
		}
		return nil
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(out, "no migrations to apply")
		}
		for _, name := range applied {
			fmt.Fprintf(out, "applied migration %s\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

func newPresenceServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presence-server",
		Short: "Serve the presence ping stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, logger, shutdownTracing, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer flushTracing(logger, shutdownTracing)

			srv := grpcserver.New(cfg.Presence.Port, grpc.ChainStreamInterceptor(presence.StreamLogger(logger)))
			srv.RegisterService(&presence.ServiceDesc, presence.NewServer(cfg.Presence.Interval))

			logger.Info("starting presence server", "port", cfg.Presence.Port)
			errc := make(chan error, 1)
			go func() {
				errc <- srv.Start()
			}()

			runErr := waitForExit(ctx, logger, errc)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), grpcserver.ShutdownTimeout)
			defer cancel()
			return errors.Join(runErr, srv.Shutdown(shutdownCtx))
		},
	}
}

var _ reconciler.Session = signOutSession{}
