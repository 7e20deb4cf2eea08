package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mscolab/api/internal/apperr"
)

type permKey struct {
	opID   int64
	userID int64
}

// MemoryStore keeps every table in process memory. It backs tests and the
// `memory` database URL.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	last    time.Time
	users   map[int64]User
	ops     map[int64]Operation
	perms   map[permKey]Permission
	revs    map[int64]Revision
	msgs    map[int64]Message
	revoked map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]User),
		ops:     make(map[int64]Operation),
		perms:   make(map[permKey]Permission),
		revs:    make(map[int64]Revision),
		msgs:    make(map[int64]Message),
		revoked: make(map[string]time.Time),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// now is strictly increasing so (created_at, id) order matches insert order.
func (s *MemoryStore) now() time.Time {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email || u.DisplayName == user.DisplayName {
			return User{}, apperr.Conflict("email or username already registered")
		}
	}
	user.ID = s.id()
	user.CreatedAt = s.now()
	user.ProfileImagePath = nil
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, notFound("user", id)
	}
	return user, nil
}

func (s *MemoryStore) findUser(match func(User) bool, key any) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return u, nil
		}
	}
	return User{}, notFound("user", key)
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	return s.findUser(func(u User) bool { return u.Email == email }, email)
}

func (s *MemoryStore) GetUserByName(_ context.Context, name string) (User, error) {
	return s.findUser(func(u User) bool { return u.DisplayName == name }, name)
}

func (s *MemoryStore) ListUsers(context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) SetProfileImagePath(_ context.Context, userID int64, path *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return notFound("user", userID)
	}
	if path != nil {
		p := *path
		path = &p
	}
	user.ProfileImagePath = path
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return notFound("user", id)
	}
	delete(s.users, id)
	for key := range s.perms {
		if key.userID == id {
			delete(s.perms, key)
		}
	}
	for rid, rev := range s.revs {
		if rev.AuthorID != nil && *rev.AuthorID == id {
			rev.AuthorID = nil
			s.revs[rid] = rev
		}
	}
	for mid, msg := range s.msgs {
		if msg.AuthorID != nil && *msg.AuthorID == id {
			msg.AuthorID = nil
			s.msgs[mid] = msg
		}
	}
	return nil
}

func (s *MemoryStore) pathTaken(path string, except int64) bool {
	for _, op := range s.ops {
		if op.Path == path && op.ID != except {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateOperation(_ context.Context, op Operation, creatorID int64, inherited []Permission) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pathTaken(op.Path, 0) {
		return Operation{}, apperr.Conflict("operation path already exists")
	}
	if _, ok := s.users[creatorID]; !ok {
		return Operation{}, notFound("user", creatorID)
	}
	op.ID = s.id()
	op.CreatedAt = s.now()
	op.LastUsed = op.CreatedAt
	op.CategoryTemplate = false
	s.ops[op.ID] = op
	s.perms[permKey{op.ID, creatorID}] = Permission{UserID: creatorID, OperationID: op.ID, Role: "creator", CreatedAt: s.now()}
	for _, perm := range inherited {
		key := permKey{op.ID, perm.UserID}
		if _, exists := s.perms[key]; exists {
			continue
		}
		if _, ok := s.users[perm.UserID]; !ok {
			continue
		}
		s.perms[key] = Permission{UserID: perm.UserID, OperationID: op.ID, Role: perm.Role, CreatedAt: s.now()}
	}
	return op, nil
}

func (s *MemoryStore) GetOperation(_ context.Context, id int64) (Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return Operation{}, notFound("operation", id)
	}
	return op, nil
}

func (s *MemoryStore) GetOperationByPath(_ context.Context, path string) (Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.Path == path {
			return op, nil
		}
	}
	return Operation{}, notFound("operation", path)
}

func (s *MemoryStore) UpdateOperation(_ context.Context, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.ops[op.ID]
	if !ok {
		return notFound("operation", op.ID)
	}
	if s.pathTaken(op.Path, op.ID) {
		return apperr.Conflict("operation path already exists")
	}
	if op.CategoryTemplate {
		for _, other := range s.ops {
			if other.ID != op.ID && other.CategoryTemplate && other.Category == op.Category {
				return apperr.Conflict("category %s already has a template", op.Category)
			}
		}
	}
	current.Path = op.Path
	current.Description = op.Description
	current.Category = op.Category
	current.Active = op.Active
	current.CategoryTemplate = op.CategoryTemplate
	s.ops[op.ID] = current
	return nil
}

func (s *MemoryStore) DeleteOperation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; !ok {
		return notFound("operation", id)
	}
	delete(s.ops, id)
	for key := range s.perms {
		if key.opID == id {
			delete(s.perms, key)
		}
	}
	for rid, rev := range s.revs {
		if rev.OperationID == id {
			delete(s.revs, rid)
		}
	}
	for mid, msg := range s.msgs {
		if msg.OperationID == id {
			delete(s.msgs, mid)
		}
	}
	return nil
}

func (s *MemoryStore) SetLastUsed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return notFound("operation", id)
	}
	op.LastUsed = at
	s.ops[id] = op
	return nil
}

func (s *MemoryStore) ListOperationsForUser(_ context.Context, userID int64, skipArchived bool) ([]UserOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserOperation
	for key, perm := range s.perms {
		if key.userID != userID {
			continue
		}
		op := s.ops[key.opID]
		if skipArchived && !op.Active {
			continue
		}
		out = append(out, UserOperation{Operation: op, Role: perm.Role})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].LastUsed.After(out[j].LastUsed)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) sortedOps(match func(Operation) bool) []Operation {
	var out []Operation
	for _, op := range s.ops {
		if match(op) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) ListOperationsInCategory(_ context.Context, category string) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedOps(func(op Operation) bool { return op.Category == category }), nil
}

func (s *MemoryStore) GetCategoryTemplate(_ context.Context, category string) (Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.Category == category && op.CategoryTemplate {
			return op, nil
		}
	}
	return Operation{}, notFound("category template", category)
}

func (s *MemoryStore) SetCategoryTemplate(_ context.Context, opID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.ops[opID]
	if !ok {
		return notFound("operation", opID)
	}
	for id, op := range s.ops {
		if op.Category == target.Category && op.CategoryTemplate {
			op.CategoryTemplate = false
			s.ops[id] = op
		}
	}
	target.CategoryTemplate = true
	s.ops[opID] = target
	return nil
}

func (s *MemoryStore) GetPermission(_ context.Context, opID, userID int64) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.perms[permKey{opID, userID}]
	if !ok {
		return Permission{}, notFound("permission", fmt.Sprintf("%d/%d", opID, userID))
	}
	return perm, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, opID int64) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Member
	for key, perm := range s.perms {
		if key.opID != opID {
			continue
		}
		out = append(out, Member{Permission: perm, DisplayName: s.users[key.userID].DisplayName})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) ListCreatedOperations(_ context.Context, userID int64) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedOps(func(op Operation) bool {
		perm, ok := s.perms[permKey{op.ID, userID}]
		return ok && perm.Role == "creator"
	}), nil
}

func (s *MemoryStore) InsertPermission(_ context.Context, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[perm.OperationID]; !ok {
		return notFound("operation", perm.OperationID)
	}
	if _, ok := s.users[perm.UserID]; !ok {
		return notFound("user", perm.UserID)
	}
	key := permKey{perm.OperationID, perm.UserID}
	if _, exists := s.perms[key]; exists {
		return apperr.Conflict("permission already exists")
	}
	if perm.Role == "creator" && s.hasCreator(perm.OperationID) {
		return apperr.Conflict("operation already has a creator")
	}
	perm.CreatedAt = s.now()
	s.perms[key] = perm
	return nil
}

func (s *MemoryStore) hasCreator(opID int64) bool {
	for key, perm := range s.perms {
		if key.opID == opID && perm.Role == "creator" {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UpdatePermissionRole(_ context.Context, opID, userID int64, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := permKey{opID, userID}
	perm, ok := s.perms[key]
	if !ok {
		return notFound("permission", fmt.Sprintf("%d/%d", opID, userID))
	}
	if role == "creator" && perm.Role != "creator" && s.hasCreator(opID) {
		return apperr.Conflict("operation already has a creator")
	}
	perm.Role = role
	s.perms[key] = perm
	return nil
}

func (s *MemoryStore) DeletePermission(_ context.Context, opID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, permKey{opID, userID})
	return nil
}

func (s *MemoryStore) TransferCreator(_ context.Context, opID, fromUserID, toUserID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fromKey := permKey{opID, fromUserID}
	from, ok := s.perms[fromKey]
	if !ok || from.Role != "creator" {
		return notFound("creator permission", fmt.Sprintf("%d/%d", opID, fromUserID))
	}
	from.Role = "admin"
	s.perms[fromKey] = from
	toKey := permKey{opID, toUserID}
	to, ok := s.perms[toKey]
	if !ok {
		to = Permission{UserID: toUserID, OperationID: opID, CreatedAt: s.now()}
	}
	to.Role = "creator"
	s.perms[toKey] = to
	return nil
}

func (s *MemoryStore) withAuthor(rev Revision) Revision {
	rev.AuthorName = ""
	if rev.AuthorID != nil {
		rev.AuthorName = s.users[*rev.AuthorID].DisplayName
	}
	return rev
}

func (s *MemoryStore) AppendRevision(_ context.Context, rev Revision) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[rev.OperationID]
	if !ok {
		return Revision{}, notFound("operation", rev.OperationID)
	}
	rev.ID = s.id()
	rev.CreatedAt = s.now()
	rev.VersionName = nil
	s.revs[rev.ID] = rev
	op.CurrentContent = rev.Content
	s.ops[op.ID] = op
	return s.withAuthor(rev), nil
}

func (s *MemoryStore) CountRevisions(_ context.Context, opID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rev := range s.revs {
		if rev.OperationID == opID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListRevisions(_ context.Context, opID int64) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Revision
	for _, rev := range s.revs {
		if rev.OperationID == opID {
			out = append(out, s.withAuthor(rev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetRevision(_ context.Context, id int64) (Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[id]
	if !ok {
		return Revision{}, notFound("revision", id)
	}
	return s.withAuthor(rev), nil
}

func (s *MemoryStore) SetVersionName(_ context.Context, opID, revisionID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.revs[revisionID]
	if !ok || target.OperationID != opID {
		return notFound("revision", revisionID)
	}
	for id, rev := range s.revs {
		if id != revisionID && rev.OperationID == opID && rev.VersionName != nil && *rev.VersionName == name {
			rev.VersionName = nil
			s.revs[id] = rev
		}
	}
	n := name
	target.VersionName = &n
	s.revs[revisionID] = target
	return nil
}

func (s *MemoryStore) withMessageAuthor(msg Message) Message {
	msg.AuthorName = ""
	if msg.AuthorID != nil {
		msg.AuthorName = s.users[*msg.AuthorID].DisplayName
	}
	return msg
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[msg.OperationID]; !ok {
		return Message{}, notFound("operation", msg.OperationID)
	}
	msg.ID = s.id()
	msg.CreatedAt = s.now()
	msg.Edited = false
	msg.DeletedAt = nil
	s.msgs[msg.ID] = msg
	return s.withMessageAuthor(msg), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.msgs[id]
	if !ok {
		return Message{}, notFound("message", id)
	}
	return s.withMessageAuthor(msg), nil
}

func (s *MemoryStore) UpdateMessageBody(_ context.Context, id int64, body string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok || msg.DeletedAt != nil {
		return Message{}, notFound("message", id)
	}
	msg.Body = body
	msg.Edited = true
	s.msgs[id] = msg
	return s.withMessageAuthor(msg), nil
}

func (s *MemoryStore) TombstoneMessage(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok || msg.DeletedAt != nil {
		return notFound("message", id)
	}
	msg.DeletedAt = &at
	s.msgs[id] = msg
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, opID int64, since *time.Time, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, msg := range s.msgs {
		if msg.OperationID != opID || msg.DeletedAt != nil {
			continue
		}
		if since != nil && !msg.CreatedAt.After(*since) {
			continue
		}
		out = append(out, s.withMessageAuthor(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.revoked[jti]; !exists {
		s.revoked[jti] = expiresAt
	}
	return nil
}

func (s *MemoryStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) PurgeRevokedTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for jti, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, jti)
			n++
		}
	}
	return n, nil
}
