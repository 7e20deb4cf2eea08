// Package permission answers who may do what on an operation and mutates the
// membership graph, replaying changes made on a category template across the
// whole category.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/store"
	"mscolab/api/internal/util"
)

type Store interface {
	GetOperation(ctx context.Context, id int64) (store.Operation, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	GetPermission(ctx context.Context, opID, userID int64) (store.Permission, error)
	ListMembers(ctx context.Context, opID int64) ([]store.Member, error)
	InsertPermission(ctx context.Context, perm store.Permission) error
	UpdatePermissionRole(ctx context.Context, opID, userID int64, role string) error
	DeletePermission(ctx context.Context, opID, userID int64) error
	TransferCreator(ctx context.Context, opID, fromUserID, toUserID int64) error
	ListOperationsInCategory(ctx context.Context, category string) ([]store.Operation, error)
	GetCategoryTemplate(ctx context.Context, category string) (store.Operation, error)
	SetCategoryTemplate(ctx context.Context, opID int64) error
}

// Change records that a principal's role on an operation changed. Role is
// RoleNone when access was removed.
type Change struct {
	OperationID int64
	UserID      int64
	Role        rbac.Role
}

type Engine struct {
	store  Store
	locks  *util.KeyedMutex[int64]
	logger *slog.Logger
}

func NewEngine(st Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, locks: util.NewKeyedMutex[int64](), logger: logger}
}

// RoleOf returns RoleNone when the principal has no permission.
func (e *Engine) RoleOf(ctx context.Context, userID, opID int64) (rbac.Role, error) {
	perm, err := e.store.GetPermission(ctx, opID, userID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return rbac.RoleNone, nil
	}
	if err != nil {
		return rbac.RoleNone, err
	}
	return rbac.Normalize(perm.Role), nil
}

// Require fails with Forbidden unless the principal holds at least min on the
// operation. It returns the held role.
func (e *Engine) Require(ctx context.Context, userID, opID int64, min rbac.Role) (rbac.Role, error) {
	role, err := e.RoleOf(ctx, userID, opID)
	if err != nil {
		return rbac.RoleNone, err
	}
	if !rbac.AtLeast(role, min) {
		if role == rbac.RoleNone {
			if _, err := e.store.GetOperation(ctx, opID); apperr.KindOf(err) == apperr.KindNotFound {
				return rbac.RoleNone, err
			}
		}
		return role, apperr.Forbidden("requires %s access to operation %d", min, opID)
	}
	return role, nil
}

// Members lists the membership of an operation to anyone who can see it.
func (e *Engine) Members(ctx context.Context, opID, actor int64) ([]store.Member, error) {
	if _, err := e.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return nil, err
	}
	return e.store.ListMembers(ctx, opID)
}

func (e *Engine) Add(ctx context.Context, opID, actor int64, targets []int64, role rbac.Role) ([]Change, error) {
	if !rbac.Grantable(role) {
		return nil, apperr.Invalid("role %q cannot be granted", role)
	}
	unlock := e.locks.Lock(opID)
	defer unlock()

	if _, err := e.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionManage)); err != nil {
		return nil, err
	}
	if err := e.checkUsers(ctx, targets); err != nil {
		return nil, err
	}

	var changes []Change
	for _, target := range dedupe(targets) {
		current, err := e.RoleOf(ctx, target, opID)
		if err != nil {
			return changes, err
		}
		if current != rbac.RoleNone {
			continue
		}
		if err := e.store.InsertPermission(ctx, store.Permission{UserID: target, OperationID: opID, Role: string(role)}); err != nil {
			return changes, fmt.Errorf("add permission: %w", err)
		}
		changes = append(changes, Change{OperationID: opID, UserID: target, Role: role})
	}

	replayed, err := e.replay(ctx, opID, func(siblingID int64) ([]Change, error) {
		return e.upsert(ctx, siblingID, targets, role)
	})
	return append(changes, replayed...), err
}

func (e *Engine) Modify(ctx context.Context, opID, actor int64, targets []int64, role rbac.Role) ([]Change, error) {
	if !rbac.Grantable(role) {
		return nil, apperr.Invalid("role %q cannot be granted", role)
	}
	unlock := e.locks.Lock(opID)
	defer unlock()

	if _, err := e.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionManage)); err != nil {
		return nil, err
	}
	targets = dedupe(targets)
	if err := e.checkUsers(ctx, targets); err != nil {
		return nil, err
	}
	current := make(map[int64]rbac.Role, len(targets))
	for _, target := range targets {
		r, err := e.RoleOf(ctx, target, opID)
		if err != nil {
			return nil, err
		}
		if r == rbac.RoleCreator {
			return nil, apperr.Forbidden("the creator's role cannot be modified")
		}
		current[target] = r
	}

	var changes []Change
	members := make([]int64, 0, len(targets))
	for _, target := range targets {
		if current[target] == rbac.RoleNone {
			continue
		}
		members = append(members, target)
		if current[target] == role {
			continue
		}
		if err := e.store.UpdatePermissionRole(ctx, opID, target, string(role)); err != nil {
			return changes, fmt.Errorf("modify permission: %w", err)
		}
		changes = append(changes, Change{OperationID: opID, UserID: target, Role: role})
	}

	replayed, err := e.replay(ctx, opID, func(siblingID int64) ([]Change, error) {
		return e.modify(ctx, siblingID, members, role)
	})
	return append(changes, replayed...), err
}

// Remove applies the removal rules: a creator may remove anyone but
// themselves, an admin anyone but the creator, and any non-creator may remove
// themselves alone. Absent targets are skipped.
func (e *Engine) Remove(ctx context.Context, opID, actor int64, targets []int64) ([]Change, error) {
	unlock := e.locks.Lock(opID)
	defer unlock()

	actorRole, err := e.RoleOf(ctx, actor, opID)
	if err != nil {
		return nil, err
	}
	if actorRole == rbac.RoleNone {
		if _, err := e.store.GetOperation(ctx, opID); err != nil {
			return nil, err
		}
		return nil, apperr.Forbidden("not a member of operation %d", opID)
	}
	targets = dedupe(targets)

	present := make([]int64, 0, len(targets))
	for _, target := range targets {
		targetRole, err := e.RoleOf(ctx, target, opID)
		if err != nil {
			return nil, err
		}
		if targetRole == rbac.RoleNone {
			continue
		}
		if err := canRemove(actor, actorRole, target, targetRole, len(targets)); err != nil {
			return nil, err
		}
		present = append(present, target)
	}

	var changes []Change
	for _, target := range present {
		if err := e.store.DeletePermission(ctx, opID, target); err != nil {
			return changes, fmt.Errorf("remove permission: %w", err)
		}
		changes = append(changes, Change{OperationID: opID, UserID: target, Role: rbac.RoleNone})
	}

	replayed, err := e.replay(ctx, opID, func(siblingID int64) ([]Change, error) {
		return e.drop(ctx, siblingID, targets)
	})
	return append(changes, replayed...), err
}

func canRemove(actor int64, actorRole rbac.Role, target int64, targetRole rbac.Role, count int) error {
	switch {
	case actorRole == rbac.RoleCreator && target == actor:
		return apperr.Forbidden("the creator cannot leave the operation")
	case actorRole == rbac.RoleCreator:
		return nil
	case targetRole == rbac.RoleCreator:
		return apperr.Forbidden("the creator cannot be removed")
	case actorRole == rbac.RoleAdmin:
		return nil
	case target == actor && count == 1:
		return nil
	default:
		return apperr.Forbidden("requires admin access to remove members")
	}
}

// Import makes the non-creator membership of dst match src. The actor's own
// permission is left untouched and the source creator becomes an admin.
func (e *Engine) Import(ctx context.Context, srcOp, dstOp, actor int64) ([]Change, error) {
	if srcOp == dstOp {
		return nil, apperr.Invalid("cannot import permissions from the same operation")
	}
	if _, err := e.Require(ctx, actor, srcOp, rbac.MinRole(rbac.ActionManage)); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(dstOp)
	defer unlock()

	if _, err := e.Require(ctx, actor, dstOp, rbac.MinRole(rbac.ActionManage)); err != nil {
		return nil, err
	}
	srcMembers, err := e.store.ListMembers(ctx, srcOp)
	if err != nil {
		return nil, err
	}
	dstMembers, err := e.store.ListMembers(ctx, dstOp)
	if err != nil {
		return nil, err
	}

	var dstCreator int64
	current := make(map[int64]rbac.Role)
	for _, m := range dstMembers {
		if m.Role == string(rbac.RoleCreator) {
			dstCreator = m.UserID
			continue
		}
		if m.UserID != actor {
			current[m.UserID] = rbac.Role(m.Role)
		}
	}
	desired := make(map[int64]rbac.Role)
	var order []int64
	for _, m := range srcMembers {
		if m.UserID == actor || m.UserID == dstCreator {
			continue
		}
		role := rbac.Role(m.Role)
		if role == rbac.RoleCreator {
			role = rbac.RoleAdmin
		}
		desired[m.UserID] = role
		order = append(order, m.UserID)
	}

	var changes []Change
	for _, userID := range order {
		role := desired[userID]
		have, ok := current[userID]
		switch {
		case !ok:
			if err := e.store.InsertPermission(ctx, store.Permission{UserID: userID, OperationID: dstOp, Role: string(role)}); err != nil {
				return changes, fmt.Errorf("import add: %w", err)
			}
		case have != role:
			if err := e.store.UpdatePermissionRole(ctx, dstOp, userID, string(role)); err != nil {
				return changes, fmt.Errorf("import modify: %w", err)
			}
		default:
			continue
		}
		changes = append(changes, Change{OperationID: dstOp, UserID: userID, Role: role})
	}
	var removed []int64
	for _, m := range dstMembers {
		if _, keep := desired[m.UserID]; keep {
			continue
		}
		if _, had := current[m.UserID]; !had {
			continue
		}
		if err := e.store.DeletePermission(ctx, dstOp, m.UserID); err != nil {
			return changes, fmt.Errorf("import delete: %w", err)
		}
		removed = append(removed, m.UserID)
		changes = append(changes, Change{OperationID: dstOp, UserID: m.UserID, Role: rbac.RoleNone})
	}

	replayed, err := e.replay(ctx, dstOp, func(siblingID int64) ([]Change, error) {
		var out []Change
		for _, userID := range order {
			c, err := e.upsert(ctx, siblingID, []int64{userID}, desired[userID])
			if err != nil {
				return out, err
			}
			out = append(out, c...)
		}
		c, err := e.drop(ctx, siblingID, removed)
		return append(out, c...), err
	})
	return append(changes, replayed...), err
}

// SetTemplate marks opID as the template of its category.
func (e *Engine) SetTemplate(ctx context.Context, opID, actor int64) error {
	unlock := e.locks.Lock(opID)
	defer unlock()

	if _, err := e.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionSetTemplate)); err != nil {
		return err
	}
	op, err := e.store.GetOperation(ctx, opID)
	if err != nil {
		return err
	}
	if op.Category == "" || op.Category == store.DefaultCategory {
		return apperr.Invalid("operations in the default category cannot be templates")
	}
	return e.store.SetCategoryTemplate(ctx, opID)
}

// HandOver moves the creator role of opID from its creator to the admin
// holding the oldest permission. ok is false when the operation has no admin.
func (e *Engine) HandOver(ctx context.Context, opID, from int64) (Change, bool, error) {
	unlock := e.locks.Lock(opID)
	defer unlock()

	members, err := e.store.ListMembers(ctx, opID)
	if err != nil {
		return Change{}, false, err
	}
	for _, m := range members {
		if m.UserID == from || rbac.Normalize(m.Role) != rbac.RoleAdmin {
			continue
		}
		if err := e.store.TransferCreator(ctx, opID, from, m.UserID); err != nil {
			return Change{}, false, fmt.Errorf("transfer creator: %w", err)
		}
		e.logger.Info("operation handed over", "op_id", opID, "from", from, "to", m.UserID)
		return Change{OperationID: opID, UserID: m.UserID, Role: rbac.RoleCreator}, true, nil
	}
	return Change{}, false, nil
}

// Inherited is the membership a new operation in category starts with: the
// template's members, its creator demoted to admin.
func (e *Engine) Inherited(ctx context.Context, category string) ([]store.Permission, error) {
	if category == "" || category == store.DefaultCategory {
		return nil, nil
	}
	tpl, err := e.store.GetCategoryTemplate(ctx, category)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	members, err := e.store.ListMembers(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}
	perms := make([]store.Permission, 0, len(members))
	for _, m := range members {
		role := m.Role
		if role == string(rbac.RoleCreator) {
			role = string(rbac.RoleAdmin)
		}
		perms = append(perms, store.Permission{UserID: m.UserID, Role: role})
	}
	return perms, nil
}

// replay runs apply on every other operation of opID's category when opID is
// that category's template.
func (e *Engine) replay(ctx context.Context, opID int64, apply func(siblingID int64) ([]Change, error)) ([]Change, error) {
	op, err := e.store.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if !op.CategoryTemplate || op.Category == store.DefaultCategory {
		return nil, nil
	}
	siblings, err := e.store.ListOperationsInCategory(ctx, op.Category)
	if err != nil {
		return nil, err
	}
	var changes []Change
	for _, sibling := range siblings {
		if sibling.ID == opID {
			continue
		}
		unlock := e.locks.Lock(sibling.ID)
		c, err := apply(sibling.ID)
		unlock()
		changes = append(changes, c...)
		if err != nil {
			return changes, fmt.Errorf("replay on operation %d: %w", sibling.ID, err)
		}
	}
	if len(changes) > 0 {
		e.logger.Info("category permissions replayed", "category", op.Category, "template", opID, "changes", len(changes))
	}
	return changes, nil
}

// upsert grants role on opID to every target that is not its creator.
func (e *Engine) upsert(ctx context.Context, opID int64, targets []int64, role rbac.Role) ([]Change, error) {
	var changes []Change
	for _, target := range dedupe(targets) {
		current, err := e.RoleOf(ctx, target, opID)
		if err != nil {
			return changes, err
		}
		switch current {
		case rbac.RoleCreator, role:
			continue
		case rbac.RoleNone:
			err = e.store.InsertPermission(ctx, store.Permission{UserID: target, OperationID: opID, Role: string(role)})
		default:
			err = e.store.UpdatePermissionRole(ctx, opID, target, string(role))
		}
		if err != nil {
			return changes, err
		}
		changes = append(changes, Change{OperationID: opID, UserID: target, Role: role})
	}
	return changes, nil
}

// modify changes the role of targets that already hold a non-creator
// permission on opID.
func (e *Engine) modify(ctx context.Context, opID int64, targets []int64, role rbac.Role) ([]Change, error) {
	var changes []Change
	for _, target := range targets {
		current, err := e.RoleOf(ctx, target, opID)
		if err != nil {
			return changes, err
		}
		if current == rbac.RoleNone || current == rbac.RoleCreator || current == role {
			continue
		}
		if err := e.store.UpdatePermissionRole(ctx, opID, target, string(role)); err != nil {
			return changes, err
		}
		changes = append(changes, Change{OperationID: opID, UserID: target, Role: role})
	}
	return changes, nil
}

func (e *Engine) drop(ctx context.Context, opID int64, targets []int64) ([]Change, error) {
	var changes []Change
	for _, target := range dedupe(targets) {
		current, err := e.RoleOf(ctx, target, opID)
		if err != nil {
			return changes, err
		}
		if current == rbac.RoleNone || current == rbac.RoleCreator {
			continue
		}
		if err := e.store.DeletePermission(ctx, opID, target); err != nil {
			return changes, err
		}
		changes = append(changes, Change{OperationID: opID, UserID: target, Role: rbac.RoleNone})
	}
	return changes, nil
}

func (e *Engine) checkUsers(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := e.store.GetUserByID(ctx, id); err != nil {
			var appErr *apperr.Error
			if errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound {
				return apperr.NotFound("user %d not found", id)
			}
			return err
		}
	}
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
