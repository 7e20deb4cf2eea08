package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"mscolab/api/internal/app"
	"mscolab/api/internal/apperr"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo principals and an operation",
	RunE:  runSeed,
}

var demoPrincipals = []string{"alice", "bob", "carol"}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	password, _ := cmd.Flags().GetString("password")
	ctx := cmd.Context()

	env, err := openEnvironment(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()
	hub := realtime.NewHub(app.HubConfig(cfg), logger)
	defer hub.Close()
	service := app.New(cfg, env.store, env.revoked, env.blobs, env.copies, hub, logger)

	users := make(map[string]store.User, len(demoPrincipals))
	for _, name := range demoPrincipals {
		user, err := service.Register(ctx, name+"@example.org", name, password)
		switch apperr.KindOf(err) {
		case "":
			logger.Info("principal created", slog.String("username", name), slog.Int64("user_id", user.ID))
		case apperr.KindConflict:
			if user, err = service.UserByName(ctx, name); err != nil {
				return err
			}
			logger.Info("principal exists", slog.String("username", name), slog.Int64("user_id", user.ID))
		default:
			return fmt.Errorf("register %s: %w", name, err)
		}
		users[name] = user
	}

	op, err := service.CreateOperation(ctx, users["alice"].ID, app.CreateOperationInput{
		Path:        "demo",
		Description: "Demo operation",
		Category:    store.DefaultCategory,
	})
	if apperr.KindOf(err) == apperr.KindConflict {
		logger.Info("demo operation exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create demo operation: %w", err)
	}
	if err := service.AddPermissions(ctx, users["alice"].ID, op.ID, []int64{users["bob"].ID}, "collaborator"); err != nil {
		return err
	}
	if err := service.AddPermissions(ctx, users["alice"].ID, op.ID, []int64{users["carol"].ID}, "viewer"); err != nil {
		return err
	}
	logger.Info("demo operation created", slog.Int64("op_id", op.ID))
	return nil
}
