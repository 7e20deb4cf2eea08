// Package docstore owns the current flight track of each operation and its
// linear revision history.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/flighttrack"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/store"
	"mscolab/api/internal/util"
)

type Store interface {
	GetOperation(ctx context.Context, id int64) (store.Operation, error)
	AppendRevision(ctx context.Context, rev store.Revision) (store.Revision, error)
	CountRevisions(ctx context.Context, opID int64) (int, error)
	ListRevisions(ctx context.Context, opID int64) ([]store.Revision, error)
	GetRevision(ctx context.Context, id int64) (store.Revision, error)
	SetVersionName(ctx context.Context, opID, revisionID int64, name string) error
}

type Authorizer interface {
	Require(ctx context.Context, userID, opID int64, min rbac.Role) (rbac.Role, error)
}

// WorkingCopy mirrors committed revisions to an on-disk checkout.
type WorkingCopy interface {
	Commit(ctx context.Context, opPath, content, message, author string) error
}

const maxVersionName = 255

// SaveResult is the outcome of Save and Revert. NoChange is set when the
// submitted content hashes equal to the current content; no revision is
// appended in that case.
type SaveResult struct {
	Revision store.Revision
	Hash     string
	NoChange bool
}

type Service struct {
	store  Store
	authz  Authorizer
	copies WorkingCopy
	locks  *util.KeyedMutex[int64]
	logger *slog.Logger
}

// NewService builds the document store. copies may be nil.
func NewService(st Store, authz Authorizer, copies WorkingCopy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		authz:  authz,
		copies: copies,
		locks:  util.NewKeyedMutex[int64](),
		logger: logger,
	}
}

// Create writes the first revision of an operation, using the stub track when
// initial is blank.
func (s *Service) Create(ctx context.Context, opID int64, initial string, author int64) (store.Revision, error) {
	content := initial
	if strings.TrimSpace(content) == "" {
		content = flighttrack.Stub()
	}
	hash, err := Prepare(content)
	if err != nil {
		return store.Revision{}, err
	}

	unlock := s.locks.Lock(opID)
	defer unlock()

	n, err := s.store.CountRevisions(ctx, opID)
	if err != nil {
		return store.Revision{}, err
	}
	if n > 0 {
		return store.Revision{}, apperr.Conflict("operation %d already has content", opID)
	}
	return s.commit(ctx, opID, content, hash, author, "")
}

// Prepare validates content and returns its canonical hash.
func Prepare(content string) (string, error) {
	if err := flighttrack.Validate(content); err != nil {
		return "", err
	}
	return flighttrack.Hash(content)
}

func (s *Service) ReadCurrent(ctx context.Context, opID, principal int64) (string, error) {
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return "", err
	}
	op, err := s.store.GetOperation(ctx, opID)
	if err != nil {
		return "", err
	}
	return op.CurrentContent, nil
}

func (s *Service) Save(ctx context.Context, opID int64, content string, author int64, comment string) (SaveResult, error) {
	if _, err := s.authz.Require(ctx, author, opID, rbac.MinRole(rbac.ActionWrite)); err != nil {
		return SaveResult{}, err
	}
	hash, err := Prepare(content)
	if err != nil {
		return SaveResult{}, err
	}

	unlock := s.locks.Lock(opID)
	defer unlock()

	op, err := s.store.GetOperation(ctx, opID)
	if err != nil {
		return SaveResult{}, err
	}
	if current, err := flighttrack.Hash(op.CurrentContent); err == nil && current == hash {
		return SaveResult{Hash: hash, NoChange: true}, nil
	}
	rev, err := s.commit(ctx, opID, content, hash, author, comment)
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Revision: rev, Hash: hash}, nil
}

// ListRevisions returns the history newest first.
func (s *Service) ListRevisions(ctx context.Context, opID, principal int64) ([]store.Revision, error) {
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return nil, err
	}
	return s.store.ListRevisions(ctx, opID)
}

func (s *Service) ReadRevision(ctx context.Context, revisionID, principal int64) (store.Revision, error) {
	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return store.Revision{}, err
	}
	if _, err := s.authz.Require(ctx, principal, rev.OperationID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return store.Revision{}, err
	}
	return rev, nil
}

// NameRevision tags a revision of opID. Any other revision holding the same
// name loses it; naming a revision with its current name changes nothing.
func (s *Service) NameRevision(ctx context.Context, revisionID, opID, principal int64, name string) error {
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionWrite)); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.Invalid("version name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxVersionName {
		return apperr.Invalid("version name longer than %d characters", maxVersionName)
	}

	unlock := s.locks.Lock(opID)
	defer unlock()

	rev, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return err
	}
	if rev.OperationID != opID {
		return apperr.NotFound("revision %d not found in operation %d", revisionID, opID)
	}
	if rev.VersionName != nil && *rev.VersionName == name {
		return nil
	}
	return s.store.SetVersionName(ctx, opID, revisionID, name)
}

// Revert appends a revision whose content equals the target revision's.
func (s *Service) Revert(ctx context.Context, revisionID, principal int64) (SaveResult, error) {
	target, err := s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return SaveResult{}, err
	}
	opID := target.OperationID
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionWrite)); err != nil {
		return SaveResult{}, err
	}

	unlock := s.locks.Lock(opID)
	defer unlock()

	history, err := s.store.ListRevisions(ctx, opID)
	if err != nil {
		return SaveResult{}, err
	}
	number := 0
	for i, rev := range history {
		if rev.ID == revisionID {
			number = len(history) - i
			break
		}
	}
	if number == 0 {
		return SaveResult{}, apperr.NotFound("revision %d not found", revisionID)
	}
	rev, err := s.commit(ctx, opID, target.Content, target.CommitHash, principal, fmt.Sprintf("reverted to #%d", number))
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Revision: rev, Hash: rev.CommitHash}, nil
}

// commit must run under the operation lock.
func (s *Service) commit(ctx context.Context, opID int64, content, hash string, author int64, comment string) (store.Revision, error) {
	authorID := author
	rev, err := s.store.AppendRevision(ctx, store.Revision{
		OperationID: opID,
		AuthorID:    &authorID,
		CommitHash:  hash,
		Comment:     comment,
		Content:     content,
	})
	if err != nil {
		return store.Revision{}, err
	}
	s.mirror(ctx, opID, rev)
	return rev, nil
}

// mirror updates the working copy. Failures are logged and never fail the save.
func (s *Service) mirror(ctx context.Context, opID int64, rev store.Revision) {
	if s.copies == nil {
		return
	}
	op, err := s.store.GetOperation(ctx, opID)
	if err != nil {
		s.logger.Warn("working copy skipped", "op_id", opID, "error", err)
		return
	}
	message := rev.Comment
	if message == "" {
		message = fmt.Sprintf("revision %d", rev.ID)
	}
	author := rev.AuthorName
	if author == "" {
		author = "mscolab"
	}
	if err := s.copies.Commit(ctx, op.Path, rev.Content, message, author); err != nil {
		s.logger.Warn("working copy commit failed", "op_id", opID, "revision_id", rev.ID, "error", err)
	}
}
