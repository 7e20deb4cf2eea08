package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/flighttrack"
	"mscolab/api/internal/permission"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/store"
)

func track(lat float64, comment string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<FlightTrack version="1">
  <ListOfWaypoints>
    <Waypoint lat="%g" lon="10" flightlevel="250" location="A">
      <Comments>%s</Comments>
    </Waypoint>
    <Waypoint lat="50" lon="11" flightlevel="300" location="B">
      <Comments></Comments>
    </Waypoint>
  </ListOfWaypoints>
</FlightTrack>
`, lat, comment)
}

type recordedCommit struct {
	path, content, message, author string
}

type fakeCopies struct {
	mu      sync.Mutex
	commits []recordedCommit
	fail    bool
}

func (f *fakeCopies) Commit(_ context.Context, opPath, content, message, author string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.commits = append(f.commits, recordedCommit{opPath, content, message, author})
	return nil
}

type fixture struct {
	ctx     context.Context
	store   *store.MemoryStore
	engine  *permission.Engine
	copies  *fakeCopies
	svc     *Service
	creator int64
	viewer  int64
	collab  int64
	opID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: store.NewMemoryStore(), copies: &fakeCopies{}}
	f.engine = permission.NewEngine(f.store, nil)
	f.svc = NewService(f.store, f.engine, f.copies, nil)

	ids := map[string]int64{}
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := f.store.CreateUser(f.ctx, store.User{DisplayName: name, Email: name + "@ex.org", PasswordHash: "x"})
		require.NoError(t, err)
		ids[name] = u.ID
	}
	f.creator, f.viewer, f.collab = ids["alice"], ids["bob"], ids["carol"]

	op, err := f.store.CreateOperation(f.ctx, store.Operation{Path: "atlantic", Category: store.DefaultCategory, Active: true}, f.creator, nil)
	require.NoError(t, err)
	f.opID = op.ID
	_, err = f.engine.Add(f.ctx, f.opID, f.creator, []int64{f.viewer}, rbac.RoleViewer)
	require.NoError(t, err)
	_, err = f.engine.Add(f.ctx, f.opID, f.creator, []int64{f.collab}, rbac.RoleCollaborator)
	require.NoError(t, err)

	_, err = f.svc.Create(f.ctx, f.opID, "", f.creator)
	require.NoError(t, err)
	return f
}

func (f *fixture) revisions(t *testing.T) []store.Revision {
	t.Helper()
	revs, err := f.svc.ListRevisions(f.ctx, f.opID, f.creator)
	require.NoError(t, err)
	return revs
}

func TestCreateUsesStubAndRunsOnce(t *testing.T) {
	f := newFixture(t)

	current, err := f.svc.ReadCurrent(f.ctx, f.opID, f.viewer)
	require.NoError(t, err)
	assert.Equal(t, flighttrack.Stub(), current)

	_, err = f.svc.Create(f.ctx, f.opID, track(1, ""), f.creator)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Len(t, f.revisions(t), 1)
}

func TestSaveOutcomes(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Save(f.ctx, f.opID, track(48, "x"), f.collab, "first edit")
	require.NoError(t, err)
	assert.False(t, res.NoChange)
	assert.Equal(t, "first edit", res.Revision.Comment)
	assert.Equal(t, res.Hash, res.Revision.CommitHash)

	// whitespace between elements does not count as a change
	reformatted := strings.ReplaceAll(track(48, "x"), "\n  ", "\n        ")
	res, err = f.svc.Save(f.ctx, f.opID, reformatted, f.collab, "")
	require.NoError(t, err)
	assert.True(t, res.NoChange)

	// text inside Comments does
	res, err = f.svc.Save(f.ctx, f.opID, track(48, "x "), f.collab, "")
	require.NoError(t, err)
	assert.False(t, res.NoChange)

	_, err = f.svc.Save(f.ctx, f.opID, "<FlightTrack>", f.collab, "")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = f.svc.Save(f.ctx, f.opID, track(49, ""), f.viewer, "")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	assert.Len(t, f.revisions(t), 3)
}

func TestCurrentContentMatchesNewestRevision(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Save(f.ctx, f.opID, track(float64(40+i), ""), f.creator, "")
		require.NoError(t, err)
	}
	revs := f.revisions(t)
	current, err := f.svc.ReadCurrent(f.ctx, f.opID, f.creator)
	require.NoError(t, err)
	assert.Equal(t, revs[0].Content, current)
	for _, rev := range revs {
		hash, err := flighttrack.Hash(rev.Content)
		require.NoError(t, err)
		assert.Equal(t, hash, rev.CommitHash)
	}
}

func TestConcurrentSavesAreLinear(t *testing.T) {
	f := newFixture(t)
	const writers = 10

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Save(f.ctx, f.opID, track(float64(i), ""), f.collab, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	revs := f.revisions(t)
	require.Len(t, revs, writers+1)
	for i := 1; i < len(revs); i++ {
		assert.True(t, revs[i-1].CreatedAt.After(revs[i].CreatedAt), "history must be strictly ordered")
	}
	current, err := f.svc.ReadCurrent(f.ctx, f.opID, f.collab)
	require.NoError(t, err)
	assert.Equal(t, revs[0].Content, current)
}

func TestRevertAppends(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Save(f.ctx, f.opID, track(10, ""), f.collab, "")
	require.NoError(t, err)
	_, err = f.svc.Save(f.ctx, f.opID, track(20, ""), f.collab, "")
	require.NoError(t, err)

	revs := f.revisions(t)
	oldest := revs[len(revs)-1]
	res, err := f.svc.Revert(f.ctx, oldest.ID, f.collab)
	require.NoError(t, err)
	assert.Equal(t, "reverted to #1", res.Revision.Comment)
	assert.Equal(t, oldest.Content, res.Revision.Content)
	assert.Equal(t, oldest.CommitHash, res.Hash)

	revs = f.revisions(t)
	assert.Len(t, revs, 4)
	current, err := f.svc.ReadCurrent(f.ctx, f.opID, f.viewer)
	require.NoError(t, err)
	assert.Equal(t, flighttrack.Stub(), current)

	_, err = f.svc.Revert(f.ctx, oldest.ID, f.viewer)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.Revert(f.ctx, 9999, f.collab)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestNameRevision(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Save(f.ctx, f.opID, track(10, ""), f.collab, "")
	require.NoError(t, err)
	revs := f.revisions(t)
	newest, oldest := revs[0], revs[1]

	require.NoError(t, f.svc.NameRevision(f.ctx, oldest.ID, f.opID, f.collab, "  draft "))
	require.NoError(t, f.svc.NameRevision(f.ctx, oldest.ID, f.opID, f.collab, "draft"))
	require.NoError(t, f.svc.NameRevision(f.ctx, newest.ID, f.opID, f.collab, "draft"))

	got, err := f.svc.ReadRevision(f.ctx, newest.ID, f.viewer)
	require.NoError(t, err)
	require.NotNil(t, got.VersionName)
	assert.Equal(t, "draft", *got.VersionName)
	got, err = f.svc.ReadRevision(f.ctx, oldest.ID, f.viewer)
	require.NoError(t, err)
	assert.Nil(t, got.VersionName)

	err = f.svc.NameRevision(f.ctx, newest.ID, f.opID, f.collab, "   ")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	err = f.svc.NameRevision(f.ctx, newest.ID, f.opID, f.collab, strings.Repeat("n", 256))
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	err = f.svc.NameRevision(f.ctx, newest.ID, f.opID, f.viewer, "v")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	other, err := f.store.CreateOperation(f.ctx, store.Operation{Path: "pacific", Category: store.DefaultCategory, Active: true}, f.collab, nil)
	require.NoError(t, err)
	err = f.svc.NameRevision(f.ctx, newest.ID, other.ID, f.collab, "v")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestReadRequiresMembership(t *testing.T) {
	f := newFixture(t)
	outsider, err := f.store.CreateUser(f.ctx, store.User{DisplayName: "mallory", Email: "m@ex.org", PasswordHash: "x"})
	require.NoError(t, err)

	_, err = f.svc.ReadCurrent(f.ctx, f.opID, outsider.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.ListRevisions(f.ctx, f.opID, outsider.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	revs := f.revisions(t)
	_, err = f.svc.ReadRevision(f.ctx, revs[0].ID, outsider.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestWorkingCopyMirrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Save(f.ctx, f.opID, track(10, ""), f.collab, "moved A")
	require.NoError(t, err)

	require.Len(t, f.copies.commits, 2)
	last := f.copies.commits[1]
	assert.Equal(t, "atlantic", last.path)
	assert.Equal(t, "moved A", last.message)
	assert.Equal(t, "carol", last.author)

	f.copies.fail = true
	_, err = f.svc.Save(f.ctx, f.opID, track(11, ""), f.collab, "")
	require.NoError(t, err, "working copy failures never fail the save")
}
