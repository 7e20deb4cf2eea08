// Package app wires the components of the collaboration server together and
// exposes them over HTTP and the realtime channel.
package app

import (
	"context"
	"log/slog"
	"time"

	"mscolab/api/internal/blob"
	"mscolab/api/internal/chat"
	"mscolab/api/internal/config"
	"mscolab/api/internal/docstore"
	"mscolab/api/internal/identity"
	"mscolab/api/internal/permission"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/session"
	"mscolab/api/internal/store"
	"mscolab/api/internal/workcopy"
)

// WorkingCopies mirrors operations to on-disk checkouts. It is optional.
type WorkingCopies interface {
	Commit(ctx context.Context, opPath, content, message, author string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, opPath string) error
	History(opPath string, limit int) ([]workcopy.Commit, error)
	Read(opPath, hash string) (string, error)
}

type Service struct {
	cfg    config.Config
	store  store.Store
	copies WorkingCopies
	hub    *realtime.Hub
	logger *slog.Logger

	identity *identity.Service
	perms    *permission.Engine
	docs     *docstore.Service
	chat     *chat.Service

	now func() time.Time
}

// New builds every component on top of st. copies may be nil.
func New(cfg config.Config, st store.Store, revoked session.Store, blobs blob.Store, copies WorkingCopies, hub *realtime.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	perms := permission.NewEngine(st, logger.With("component", "permission"))
	var mirror docstore.WorkingCopy
	if copies != nil {
		mirror = copies
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		copies: copies,
		hub:    hub,
		logger: logger,
		identity: identity.NewService(st, revoked, perms, blobs, identity.Config{
			TokenSecret:     []byte(cfg.TokenSecret),
			TokenTTL:        cfg.TokenTTL,
			MaxProfileBytes: cfg.MaxProfileImageBytes,
		}, logger.With("component", "identity")),
		perms: perms,
		docs:  docstore.NewService(st, perms, mirror, logger.With("component", "docstore")),
		chat: chat.NewService(st, perms, blobs, chat.Limits{
			MaxBytes:   cfg.MaxAttachmentBytes,
			Extensions: cfg.AttachmentExtensions,
		}, logger.With("component", "chat")),
		now: time.Now,
	}
}

// HubConfig maps the realtime section of cfg onto the hub's settings.
func HubConfig(cfg config.Config) realtime.Config {
	return realtime.Config{
		IdleTimeout:    cfg.Realtime.IdleTimeout,
		SendBuffer:     cfg.Realtime.SendBuffer,
		HandlerTimeout: cfg.Realtime.HandlerTimeout,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate resolves a bearer token for the realtime hub.
func (s *Service) Authenticate(ctx context.Context, token string) (int64, error) {
	sess, err := s.identity.Verify(ctx, token)
	if err != nil {
		return 0, err
	}
	return sess.User.ID, nil
}

// Dispatcher returns the realtime event handlers backed by s.
func (s *Service) Dispatcher() realtime.Dispatcher {
	return &dispatcher{svc: s}
}

// Stats reports connected sessions for the health endpoint.
func (s *Service) Stats() realtime.Stats {
	return s.hub.Stats()
}
