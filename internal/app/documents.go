package app

import (
	"context"
	"strings"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/docstore"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/store"
	"mscolab/api/internal/workcopy"
)

func (s *Service) ReadContent(ctx context.Context, actor, opID int64) (string, error) {
	return s.docs.ReadCurrent(ctx, opID, actor)
}

// SaveContent commits content as the new current flight track and tells the
// room. An unchanged document is reported through SaveResult.NoChange.
func (s *Service) SaveContent(ctx context.Context, actor, opID int64, content, comment string) (docstore.SaveResult, error) {
	var res docstore.SaveResult
	err := s.hub.Sequence(opID, func() error {
		var err error
		res, err = s.docs.Save(ctx, opID, content, actor, comment)
		if err != nil || res.NoChange {
			return err
		}
		s.hub.Broadcast(opID, realtime.EventFileChanged, fileChangedJSON{
			OpID:       opID,
			RevisionID: res.Revision.ID,
			AuthorID:   actor,
			Comment:    res.Revision.Comment,
		})
		return nil
	})
	return res, err
}

// Changes returns the history of opID newest first. namedOnly keeps the
// revisions carrying a version name.
func (s *Service) Changes(ctx context.Context, actor, opID int64, namedOnly bool) ([]store.Revision, error) {
	revs, err := s.docs.ListRevisions(ctx, opID, actor)
	if err != nil || !namedOnly {
		return revs, err
	}
	named := revs[:0]
	for _, rev := range revs {
		if rev.VersionName != nil {
			named = append(named, rev)
		}
	}
	return named, nil
}

func (s *Service) Change(ctx context.Context, actor, revisionID int64) (store.Revision, error) {
	return s.docs.ReadRevision(ctx, revisionID, actor)
}

// NameChange tags a revision and, when the name is new, leaves a system
// notice in the operation's chat.
func (s *Service) NameChange(ctx context.Context, actor, opID, revisionID int64, name string) error {
	return s.hub.Sequence(opID, func() error {
		before, _ := s.store.GetRevision(ctx, revisionID)
		if err := s.docs.NameRevision(ctx, revisionID, opID, actor, name); err != nil {
			return err
		}
		name = strings.TrimSpace(name)
		if before.VersionName == nil || *before.VersionName != name {
			s.notice(ctx, opID, "%s named revision %d %q", s.displayName(ctx, actor), revisionID, name)
		}
		return nil
	})
}

// UndoChanges reverts opID to revisionID by appending a copy of it.
func (s *Service) UndoChanges(ctx context.Context, actor, opID, revisionID int64) (store.Revision, error) {
	target, err := s.docs.ReadRevision(ctx, revisionID, actor)
	if err != nil {
		return store.Revision{}, err
	}
	if opID != 0 && target.OperationID != opID {
		return store.Revision{}, errRevisionNotInOperation(revisionID, opID)
	}
	var rev store.Revision
	err = s.hub.Sequence(target.OperationID, func() error {
		res, err := s.docs.Revert(ctx, revisionID, actor)
		if err != nil {
			return err
		}
		rev = res.Revision
		s.hub.Broadcast(target.OperationID, realtime.EventFileChanged, fileChangedJSON{
			OpID:       target.OperationID,
			RevisionID: rev.ID,
			AuthorID:   actor,
			Comment:    rev.Comment,
		})
		s.notice(ctx, target.OperationID, "%s restored revision %d", s.displayName(ctx, actor), revisionID)
		return nil
	})
	return rev, err
}

// CopyHistory lists the commits of opID's working copy, newest first.
func (s *Service) CopyHistory(ctx context.Context, actor, opID int64, limit int) ([]workcopy.Commit, error) {
	op, err := s.copyOperation(ctx, actor, opID)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, apperr.Invalid("limit must not be negative")
	}
	commits, err := s.copies.History(op.Path, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "no working copy for operation %d", opID)
	}
	return commits, nil
}

// CopyContent reads the flight track committed at hash, or the tip of the
// working copy when hash is empty.
func (s *Service) CopyContent(ctx context.Context, actor, opID int64, hash string) (string, error) {
	op, err := s.copyOperation(ctx, actor, opID)
	if err != nil {
		return "", err
	}
	content, err := s.copies.Read(op.Path, hash)
	if err != nil {
		return "", apperr.Wrap(apperr.KindNotFound, err, "commit %q not found for operation %d", hash, opID)
	}
	return content, nil
}

func (s *Service) copyOperation(ctx context.Context, actor, opID int64) (store.Operation, error) {
	if s.copies == nil {
		return store.Operation{}, apperr.NotFound("working copies are disabled")
	}
	op, _, err := s.GetOperation(ctx, actor, opID)
	return op, err
}

func errRevisionNotInOperation(revisionID, opID int64) error {
	return apperr.NotFound("revision %d not found in operation %d", revisionID, opID)
}
