package app

import (
	"context"
	"sort"

	"mscolab/api/internal/permission"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/store"
)

func (s *Service) AddPermissions(ctx context.Context, actor, opID int64, users []int64, role string) error {
	return s.mutatePermissions(opID, func() ([]permission.Change, error) {
		return s.perms.Add(ctx, opID, actor, users, rbac.Normalize(role))
	})
}

func (s *Service) ModifyPermissions(ctx context.Context, actor, opID int64, users []int64, role string) error {
	return s.mutatePermissions(opID, func() ([]permission.Change, error) {
		return s.perms.Modify(ctx, opID, actor, users, rbac.Normalize(role))
	})
}

// RemovePermissions is idempotent on principals that already lack access.
func (s *Service) RemovePermissions(ctx context.Context, actor, opID int64, users []int64) error {
	return s.mutatePermissions(opID, func() ([]permission.Change, error) {
		return s.perms.Remove(ctx, opID, actor, users)
	})
}

func (s *Service) ImportPermissions(ctx context.Context, actor, srcOp, dstOp int64) error {
	return s.mutatePermissions(dstOp, func() ([]permission.Change, error) {
		return s.perms.Import(ctx, srcOp, dstOp, actor)
	})
}

// mutatePermissions runs fn under the sequencer of opID and moves sessions
// in and out of rooms for whatever changed, even when fn failed halfway.
func (s *Service) mutatePermissions(opID int64, fn func() ([]permission.Change, error)) error {
	return s.hub.Sequence(opID, func() error {
		changes, err := fn()
		s.publish(changes)
		return err
	})
}

func (s *Service) publish(changes []permission.Change) {
	if len(changes) == 0 {
		return
	}
	touched := make(map[int64]struct{})
	var order []int64
	for _, c := range changes {
		if c.Role == rbac.RoleNone {
			s.hub.Revoke(c.UserID, c.OperationID)
		} else {
			s.hub.Join(c.UserID, c.OperationID)
		}
		if _, ok := touched[c.OperationID]; !ok {
			touched[c.OperationID] = struct{}{}
			order = append(order, c.OperationID)
		}
	}
	for _, opID := range order {
		s.hub.Broadcast(opID, realtime.EventPermissionsUpdated, opRefJSON{OpID: opID})
	}
}

// Members lists who may access opID.
func (s *Service) Members(ctx context.Context, actor, opID int64) ([]store.Member, error) {
	return s.perms.Members(ctx, opID, actor)
}

// UserEntry is a principal as listed by the permission dialogs.
type UserEntry struct {
	ID          int64
	DisplayName string
	Role        string
}

// UsersWithPermission lists the members of opID other than actor and the
// creator, the principals whose access actor can change.
func (s *Service) UsersWithPermission(ctx context.Context, actor, opID int64) ([]UserEntry, error) {
	if _, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionManage)); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, opID)
	if err != nil {
		return nil, err
	}
	out := make([]UserEntry, 0, len(members))
	for _, m := range members {
		if m.UserID == actor || m.Role == string(rbac.RoleCreator) {
			continue
		}
		out = append(out, UserEntry{ID: m.UserID, DisplayName: m.DisplayName, Role: m.Role})
	}
	return out, nil
}

// UsersWithoutPermission lists every principal that has no access to opID.
func (s *Service) UsersWithoutPermission(ctx context.Context, actor, opID int64) ([]UserEntry, error) {
	if _, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionManage)); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, opID)
	if err != nil {
		return nil, err
	}
	isMember := make(map[int64]bool, len(members))
	for _, m := range members {
		isMember[m.UserID] = true
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserEntry, 0, len(users))
	for _, u := range users {
		if !isMember[u.ID] {
			out = append(out, UserEntry{ID: u.ID, DisplayName: u.DisplayName})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

// notifyAdmins tells every admin of opID that its membership changed.
func (s *Service) notifyAdmins(ctx context.Context, opID int64) error {
	members, err := s.store.ListMembers(ctx, opID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if rbac.AtLeast(rbac.Normalize(m.Role), rbac.RoleAdmin) {
			s.hub.SendToUser(m.UserID, realtime.EventPermissionsUpdated, opRefJSON{OpID: opID})
		}
	}
	return nil
}

// joinRoom subscribes every session of actor to opID once actor can see it.
func (s *Service) joinRoom(ctx context.Context, actor, opID int64) error {
	if _, err := s.perms.Require(ctx, actor, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return err
	}
	s.hub.Join(actor, opID)
	return s.notifyAdmins(ctx, opID)
}
