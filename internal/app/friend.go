package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkie/backend/internal/grpcserver"
	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/reconciler"
)

const userLoadTimeout = 10 * time.Second

type friendAction func(ctx context.Context, rec *reconciler.Reconciler, arg string) error

var friendActions = map[string]friendAction{
	"add": func(ctx context.Context, rec *reconciler.Reconciler, pin string) error {
		return rec.AddFriend(ctx, pin)
	},
	"accept": func(ctx context.Context, rec *reconciler.Reconciler, id string) error {
		return rec.AcceptInvitation(ctx, id)
	},
	"decline": func(ctx context.Context, rec *reconciler.Reconciler, id string) error {
		return rec.DeclineInvitation(ctx, id)
	},
	"delete": func(ctx context.Context, rec *reconciler.Reconciler, id string) error {
		return rec.DeleteFriend(ctx, id)
	},
	"select": func(ctx context.Context, rec *reconciler.Reconciler, id string) error {
		return rec.SelectFriend(ctx, id)
	},
}

func friendActionNames() []string {
	names := make([]string, 0, len(friendActions))
	for name := range friendActions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newFriendCommand() *cobra.Command {
	names := friendActionNames()
	return &cobra.Command{
		Use:       fmt.Sprintf("friend [%s] <pin|id>", strings.Join(names, "|")),
		Short:     "Change the configured user's friends",
		Args:      cobra.ExactArgs(2),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := friendActions[args[0]]; !ok {
				return fmt.Errorf("unknown friend action %q", args[0])
			}
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
			actionErr := runFriendAction(ctx, cmd.OutOrStdout(), parts.reconciler, args[0], args[1])

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grpcserver.ShutdownTimeout)
			defer cancelShutdown()
			shutdownCtx = logging.WithLogger(shutdownCtx, logger)
			return errors.Join(
				actionErr,
				parts.talk.Shutdown(shutdownCtx),
				parts.reconciler.Shutdown(shutdownCtx),
			)
		},
	}
}

// runFriendAction waits for the user's state to load, applies the named action
// and prints the resulting friend list.
func runFriendAction(ctx context.Context, out io.Writer, rec *reconciler.Reconciler, name, arg string) error {
	action, ok := friendActions[name]
	if !ok {
		return fmt.Errorf("unknown friend action %q", name)
	}
	if err := waitForUser(ctx, rec, userLoadTimeout); err != nil {
		return err
	}
	if err := action(ctx, rec, arg); err != nil {
		return fmt.Errorf("friend %s %s: %w", name, arg, err)
	}

	friends := rec.Friends()
	ids := make([]string, len(friends))
	for i, f := range friends {
		ids[i] = f.ID
	}
	fmt.Fprintf(out, "friend %s %s done; friends: [%s]\n", name, arg, strings.Join(ids, " "))
	return nil
}

func waitForUser(ctx context.Context, rec *reconciler.Reconciler, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := rec.CurrentState(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("load user state: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
