package app

import (
	"context"
	"io"

	"mscolab/api/internal/identity"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/store"
)

func (s *Service) Register(ctx context.Context, email, username, password string) (store.User, error) {
	return s.identity.Register(ctx, email, username, password)
}

// UserByName finds a principal by display name.
func (s *Service) UserByName(ctx context.Context, name string) (store.User, error) {
	return s.identity.Lookup(ctx, name)
}

func (s *Service) Login(ctx context.Context, identifier, password string) (string, store.User, error) {
	return s.identity.Login(ctx, identifier, password)
}

func (s *Service) Verify(ctx context.Context, token string) (identity.Session, error) {
	return s.identity.Verify(ctx, token)
}

func (s *Service) Logout(ctx context.Context, sess identity.Session) error {
	return s.identity.Logout(ctx, sess.Claims)
}

// DeleteAccount removes the principal of sess and settles the operations it
// belonged to: handed over ones get a permissions update, orphaned ones are
// deleted like any other operation.
func (s *Service) DeleteAccount(ctx context.Context, sess identity.Session) error {
	userID := sess.User.ID
	memberOf, err := s.store.ListOperationsForUser(ctx, userID, false)
	if err != nil {
		return err
	}
	report, err := s.identity.DeleteSelf(ctx, sess)
	for _, op := range report.Deleted {
		s.cleanup(ctx, op)
	}
	if err != nil {
		return err
	}

	deleted := make(map[int64]bool, len(report.Deleted))
	for _, op := range report.Deleted {
		deleted[op.ID] = true
	}
	for _, op := range memberOf {
		if !deleted[op.ID] {
			s.hub.Revoke(userID, op.ID)
			s.hub.Broadcast(op.ID, realtime.EventPermissionsUpdated, opRefJSON{OpID: op.ID})
		}
	}
	return nil
}

func (s *Service) SetProfileImage(ctx context.Context, actor int64, filename string, r io.Reader) (string, error) {
	return s.identity.SetProfileImage(ctx, actor, filename, r)
}

func (s *Service) OpenProfileImage(ctx context.Context, userID int64) (io.ReadCloser, string, error) {
	return s.identity.OpenProfileImage(ctx, userID)
}
