package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/store"
)

type fixture struct {
	ctx    context.Context
	store  *store.MemoryStore
	engine *Engine
	users  map[string]int64
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemoryStore(),
		users: map[string]int64{},
	}
	f.engine = NewEngine(f.store, nil)
	for _, name := range names {
		u, err := f.store.CreateUser(f.ctx, store.User{DisplayName: name, Email: name + "@ex.org", PasswordHash: "x"})
		require.NoError(t, err)
		f.users[name] = u.ID
	}
	return f
}

func (f *fixture) op(t *testing.T, path, category, creator string) int64 {
	t.Helper()
	inherited, err := f.engine.Inherited(f.ctx, category)
	require.NoError(t, err)
	op, err := f.store.CreateOperation(f.ctx, store.Operation{Path: path, Category: category, Active: true}, f.users[creator], inherited)
	require.NoError(t, err)
	return op.ID
}

func (f *fixture) role(t *testing.T, name string, opID int64) rbac.Role {
	t.Helper()
	role, err := f.engine.RoleOf(f.ctx, f.users[name], opID)
	require.NoError(t, err)
	return role
}

func (f *fixture) assertOneCreator(t *testing.T, opID int64) {
	t.Helper()
	members, err := f.store.ListMembers(f.ctx, opID)
	require.NoError(t, err)
	creators := 0
	for _, m := range members {
		if m.Role == string(rbac.RoleCreator) {
			creators++
		}
	}
	assert.Equal(t, 1, creators, "operation %d must have exactly one creator", opID)
}

func TestRequire(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	op := f.op(t, "atlantic", store.DefaultCategory, "alice")

	role, err := f.engine.Require(f.ctx, f.users["alice"], op, rbac.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleCreator, role)

	_, err = f.engine.Require(f.ctx, f.users["bob"], op, rbac.RoleViewer)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.engine.Require(f.ctx, f.users["bob"], 999, rbac.RoleViewer)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAddSkipsExistingAndRequiresAdmin(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	op := f.op(t, "atlantic", store.DefaultCategory, "alice")

	changes, err := f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleCollaborator)
	require.NoError(t, err)
	assert.Equal(t, []Change{{OperationID: op, UserID: f.users["bob"], Role: rbac.RoleCollaborator}}, changes)

	changes, err = f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, rbac.RoleCollaborator, f.role(t, "bob", op))

	_, err = f.engine.Add(f.ctx, op, f.users["bob"], []int64{f.users["carol"]}, rbac.RoleViewer)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["carol"]}, rbac.RoleCreator)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = f.engine.Add(f.ctx, op, f.users["alice"], []int64{4242}, rbac.RoleViewer)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	f.assertOneCreator(t, op)
}

func TestModifyCannotTouchCreator(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	op := f.op(t, "atlantic", store.DefaultCategory, "alice")
	_, err := f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["bob"], f.users["carol"]}, rbac.RoleViewer)
	require.NoError(t, err)
	_, err = f.engine.Modify(f.ctx, op, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)

	_, err = f.engine.Modify(f.ctx, op, f.users["bob"], []int64{f.users["alice"]}, rbac.RoleViewer)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	changes, err := f.engine.Modify(f.ctx, op, f.users["bob"], []int64{f.users["carol"]}, rbac.RoleCollaborator)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.Equal(t, rbac.RoleCollaborator, f.role(t, "carol", op))
	f.assertOneCreator(t, op)
}

func TestRemoveRules(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	op := f.op(t, "atlantic", store.DefaultCategory, "alice")
	_, err := f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["carol"], f.users["dave"]}, rbac.RoleCollaborator)
	require.NoError(t, err)

	// creator cannot leave
	_, err = f.engine.Remove(f.ctx, op, f.users["alice"], []int64{f.users["alice"]})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// admin cannot remove the creator
	_, err = f.engine.Remove(f.ctx, op, f.users["bob"], []int64{f.users["alice"]})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// collaborator cannot remove others
	_, err = f.engine.Remove(f.ctx, op, f.users["carol"], []int64{f.users["dave"]})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// collaborator may leave alone
	_, err = f.engine.Remove(f.ctx, op, f.users["carol"], []int64{f.users["carol"]})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleNone, f.role(t, "carol", op))

	// admin removes a collaborator and then themselves
	_, err = f.engine.Remove(f.ctx, op, f.users["bob"], []int64{f.users["dave"], f.users["bob"]})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleNone, f.role(t, "bob", op))
	assert.Equal(t, rbac.RoleNone, f.role(t, "dave", op))

	// idempotent on absent rows
	changes, err := f.engine.Remove(f.ctx, op, f.users["alice"], []int64{f.users["dave"]})
	require.NoError(t, err)
	assert.Empty(t, changes)
	f.assertOneCreator(t, op)
}

func TestCategoryTemplateReplay(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	tpl := f.op(t, "tpl", "arctic", "alice")
	sibling := f.op(t, "sib", "arctic", "alice")
	owned := f.op(t, "owned", "arctic", "bob")
	other := f.op(t, "other", "pacific", "alice")
	require.NoError(t, f.engine.SetTemplate(f.ctx, tpl, f.users["alice"]))

	_, err := f.engine.Add(f.ctx, tpl, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleCollaborator)
	require.NoError(t, err)

	assert.Equal(t, rbac.RoleCollaborator, f.role(t, "bob", tpl))
	assert.Equal(t, rbac.RoleCollaborator, f.role(t, "bob", sibling))
	assert.Equal(t, rbac.RoleCreator, f.role(t, "bob", owned), "creator rows are never replayed over")
	assert.Equal(t, rbac.RoleNone, f.role(t, "bob", other))

	_, err = f.engine.Modify(f.ctx, tpl, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "bob", sibling))

	// operations created later inherit the template snapshot
	late := f.op(t, "late", "arctic", "carol")
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "bob", late))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "alice", late))
	assert.Equal(t, rbac.RoleCreator, f.role(t, "carol", late))

	_, err = f.engine.Remove(f.ctx, tpl, f.users["alice"], []int64{f.users["bob"]})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleNone, f.role(t, "bob", sibling))
	assert.Equal(t, rbac.RoleNone, f.role(t, "bob", late))
	assert.Equal(t, rbac.RoleCreator, f.role(t, "bob", owned))

	for _, op := range []int64{tpl, sibling, owned, other, late} {
		f.assertOneCreator(t, op)
	}
}

func TestTemplateModifyLeavesNonMembersOut(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	tpl := f.op(t, "tpl", "arctic", "alice")
	sibling := f.op(t, "sib", "arctic", "alice")
	require.NoError(t, f.engine.SetTemplate(f.ctx, tpl, f.users["alice"]))
	require.NoError(t, f.store.InsertPermission(f.ctx, store.Permission{UserID: f.users["bob"], OperationID: sibling, Role: string(rbac.RoleViewer)}))

	changes, err := f.engine.Modify(f.ctx, tpl, f.users["alice"], []int64{f.users["carol"], f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, rbac.RoleNone, f.role(t, "carol", tpl))
	assert.Equal(t, rbac.RoleNone, f.role(t, "carol", sibling))
	assert.Equal(t, rbac.RoleViewer, f.role(t, "bob", sibling), "only members of the template are replayed")

	_, err = f.engine.Modify(f.ctx, tpl, f.users["alice"], []int64{4242}, rbac.RoleAdmin)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSetTemplateRules(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	def := f.op(t, "plain", store.DefaultCategory, "alice")
	cat := f.op(t, "cat", "arctic", "alice")
	_, err := f.engine.Add(f.ctx, cat, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)

	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(f.engine.SetTemplate(f.ctx, def, f.users["alice"])))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(f.engine.SetTemplate(f.ctx, cat, f.users["bob"])))
	require.NoError(t, f.engine.SetTemplate(f.ctx, cat, f.users["alice"]))
}

func TestImport(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave", "erin")
	src := f.op(t, "src", store.DefaultCategory, "erin")
	dst := f.op(t, "dst", store.DefaultCategory, "alice")

	_, err := f.engine.Add(f.ctx, src, f.users["erin"], []int64{f.users["alice"]}, rbac.RoleAdmin)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, src, f.users["erin"], []int64{f.users["bob"]}, rbac.RoleViewer)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, src, f.users["erin"], []int64{f.users["carol"]}, rbac.RoleAdmin)
	require.NoError(t, err)

	_, err = f.engine.Add(f.ctx, dst, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleCollaborator)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, dst, f.users["alice"], []int64{f.users["dave"]}, rbac.RoleViewer)
	require.NoError(t, err)

	changes, err := f.engine.Import(f.ctx, src, dst, f.users["alice"])
	require.NoError(t, err)
	assert.Len(t, changes, 4)

	assert.Equal(t, rbac.RoleCreator, f.role(t, "alice", dst))
	assert.Equal(t, rbac.RoleViewer, f.role(t, "bob", dst))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "carol", dst))
	assert.Equal(t, rbac.RoleNone, f.role(t, "dave", dst))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "erin", dst))
	f.assertOneCreator(t, dst)

	_, err = f.engine.Import(f.ctx, src, dst, f.users["bob"])
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestHandOverPicksOldestAdmin(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	op := f.op(t, "atlantic", store.DefaultCategory, "alice")
	_, err := f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["dave"]}, rbac.RoleCollaborator)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["bob"]}, rbac.RoleAdmin)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, op, f.users["alice"], []int64{f.users["carol"]}, rbac.RoleAdmin)
	require.NoError(t, err)

	change, ok, err := f.engine.HandOver(f.ctx, op, f.users["alice"])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Change{OperationID: op, UserID: f.users["bob"], Role: rbac.RoleCreator}, change)
	assert.Equal(t, rbac.RoleCreator, f.role(t, "bob", op))
	assert.Equal(t, rbac.RoleAdmin, f.role(t, "alice", op))
	f.assertOneCreator(t, op)

	lonely := f.op(t, "lonely", store.DefaultCategory, "dave")
	_, ok, err = f.engine.HandOver(f.ctx, lonely, f.users["dave"])
	require.NoError(t, err)
	assert.False(t, ok)
}
