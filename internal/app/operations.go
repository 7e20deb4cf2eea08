package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/docstore"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/store"
)

const (
	maxPathRunes        = 255
	maxDescriptionRunes = 2000
)

type CreateOperationInput struct {
	Path        string
	Description string
	Category    string
	Active      *bool
	Content     string
}

// CreateOperation creates an operation owned by actor with its first
// revision. Members of the category template join it right away.
func (s *Service) CreateOperation(ctx context.Context, actor int64, in CreateOperationInput) (store.Operation, error) {
	in.Path = strings.TrimSpace(in.Path)
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		in.Category = store.DefaultCategory
	}
	err := validation.Errors{
		"path":        validation.Validate(in.Path, validation.Required, validation.RuneLength(1, maxPathRunes), validation.By(validPath)),
		"category":    validation.Validate(in.Category, validation.RuneLength(1, maxPathRunes), validation.By(validPath)),
		"description": validation.Validate(in.Description, validation.RuneLength(0, maxDescriptionRunes)),
	}.Filter()
	if err != nil {
		return store.Operation{}, apperr.Wrap(apperr.KindInvalidInput, err, "invalid operation")
	}
	if strings.TrimSpace(in.Content) != "" {
		if _, err := docstore.Prepare(in.Content); err != nil {
			return store.Operation{}, err
		}
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}

	inherited, err := s.perms.Inherited(ctx, in.Category)
	if err != nil {
		return store.Operation{}, err
	}
	op, err := s.store.CreateOperation(ctx, store.Operation{
		Path:        in.Path,
		Description: in.Description,
		Category:    in.Category,
		Active:      active,
	}, actor, inherited)
	if err != nil {
		return store.Operation{}, err
	}
	if _, err := s.docs.Create(ctx, op.ID, in.Content, actor); err != nil {
		if delErr := s.store.DeleteOperation(ctx, op.ID); delErr != nil {
			s.logger.Error("roll back operation failed", "op_id", op.ID, "error", delErr)
		}
		return store.Operation{}, err
	}
	s.logger.Info("operation created", "op_id", op.ID, "path", op.Path, "creator", actor, "inherited", len(inherited))

	members, err := s.store.ListMembers(ctx, op.ID)
	if err != nil {
		s.logger.Warn("list members of new operation", "op_id", op.ID, "error", err)
		return op, nil
	}
	for _, m := range members {
		s.hub.Join(m.UserID, op.ID)
		s.hub.SendToUser(m.UserID, realtime.EventNewOperation, toOperationJSON(op, m.Role))
	}
	return op, nil
}

// validPath accepts printable text without whitespace or slashes.
func validPath(value any) error {
	v, _ := value.(string)
	if !utf8.ValidString(v) {
		return errors.New("must be valid utf-8")
	}
	for _, r := range v {
		switch {
		case r == '/' || r == '\\':
			return errors.New("must not contain slashes")
		case unicode.IsSpace(r):
			return errors.New("must not contain whitespace")
		case !unicode.IsPrint(r):
			return errors.New("must be printable")
		}
	}
	if v == "." || v == ".." {
		return errors.New("is reserved")
	}
	return nil
}

// ListOperations returns every operation actor is a member of, most recently
// used first.
func (s *Service) ListOperations(ctx context.Context, actor int64, skipArchived bool) ([]store.UserOperation, error) {
	return s.store.ListOperationsForUser(ctx, actor, skipArchived)
}

func (s *Service) GetOperation(ctx context.Context, actor, opID int64) (store.Operation, rbac.Role, error) {
	role, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionRead))
	if err != nil {
		return store.Operation{}, rbac.RoleNone, err
	}
	op, err := s.store.GetOperation(ctx, opID)
	return op, role, err
}

// UpdateOperation changes one attribute of an operation. Admins may change
// everything but the path, which belongs to the creator.
func (s *Service) UpdateOperation(ctx context.Context, actor, opID int64, attribute, value string) error {
	action := rbac.ActionManage
	if attribute == "path" {
		action = rbac.ActionRenameOp
	}
	if _, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(action)); err != nil {
		return err
	}

	return s.hub.Sequence(opID, func() error {
		op, err := s.store.GetOperation(ctx, opID)
		if err != nil {
			return err
		}
		oldPath := op.Path
		switch attribute {
		case "path":
			value = strings.TrimSpace(value)
			if err := validation.Validate(value, validation.Required, validation.RuneLength(1, maxPathRunes), validation.By(validPath)); err != nil {
				return apperr.Wrap(apperr.KindInvalidInput, err, "invalid path")
			}
			op.Path = value
		case "description":
			if utf8.RuneCountInString(value) > maxDescriptionRunes {
				return apperr.Invalid("description longer than %d characters", maxDescriptionRunes)
			}
			op.Description = value
		case "category":
			value = strings.TrimSpace(value)
			if value == "" {
				value = store.DefaultCategory
			}
			if err := validation.Validate(value, validation.RuneLength(1, maxPathRunes), validation.By(validPath)); err != nil {
				return apperr.Wrap(apperr.KindInvalidInput, err, "invalid category")
			}
			if value != op.Category {
				op.CategoryTemplate = false
			}
			op.Category = value
		case "active":
			active, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return apperr.Invalid("active must be true or false")
			}
			op.Active = active
		default:
			return apperr.Invalid("unknown attribute %q", attribute)
		}
		if err := s.store.UpdateOperation(ctx, op); err != nil {
			return err
		}
		if oldPath != op.Path && s.copies != nil {
			if err := s.copies.Rename(ctx, oldPath, op.Path); err != nil {
				s.logger.Warn("rename working copy failed", "op_id", opID, "from", oldPath, "to", op.Path, "error", err)
			}
		}
		s.logger.Info("operation updated", "op_id", opID, "attribute", attribute, "actor", actor)
		s.hub.Broadcast(opID, realtime.EventOperationUpdated, toOperationJSON(op, ""))
		return nil
	})
}

// DeleteOperation removes an operation with its history, chat and uploads.
// Only the creator may do so.
func (s *Service) DeleteOperation(ctx context.Context, actor, opID int64) error {
	if _, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionDeleteOp)); err != nil {
		return err
	}
	op, err := s.store.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	return s.hub.Sequence(opID, func() error {
		if err := s.store.DeleteOperation(ctx, opID); err != nil {
			return fmt.Errorf("delete operation %d: %w", opID, err)
		}
		s.cleanup(ctx, op)
		s.logger.Info("operation deleted", "op_id", opID, "actor", actor)
		return nil
	})
}

// cleanup drops what lives outside the relational store and closes the room.
func (s *Service) cleanup(ctx context.Context, op store.Operation) {
	if err := s.chat.RemoveOperation(ctx, op.ID); err != nil {
		s.logger.Warn("remove uploads failed", "op_id", op.ID, "error", err)
	}
	if s.copies != nil {
		if err := s.copies.Remove(ctx, op.Path); err != nil {
			s.logger.Warn("remove working copy failed", "op_id", op.ID, "error", err)
		}
	}
	s.hub.Dissolve(op.ID, realtime.EventOperationDeleted, opRefJSON{OpID: op.ID})
}

func (s *Service) SetLastUsed(ctx context.Context, actor, opID int64) error {
	if _, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return err
	}
	return s.store.SetLastUsed(ctx, opID, s.now().UTC())
}

// SetCategoryTemplate makes opID the template of its category.
func (s *Service) SetCategoryTemplate(ctx context.Context, actor, opID int64) error {
	return s.hub.Sequence(opID, func() error {
		if err := s.perms.SetTemplate(ctx, opID, actor); err != nil {
			return err
		}
		op, err := s.store.GetOperation(ctx, opID)
		if err != nil {
			return err
		}
		s.hub.Broadcast(opID, realtime.EventOperationUpdated, toOperationJSON(op, ""))
		return nil
	})
}
