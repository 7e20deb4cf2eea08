package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mscolab/api/internal/blob"
	"mscolab/api/internal/config"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/session"
	"mscolab/api/internal/store"
	"mscolab/api/internal/workcopy"
)

const trackX = `<?xml version="1.0" encoding="utf-8"?>
<FlightTrack version="2">
  <ListOfWaypoints>
    <Waypoint flightlevel="350" lat="52.5" lon="-13.25" location="Shannon">
      <Comments>outbound</Comments>
    </Waypoint>
    <Waypoint flightlevel="370" lat="48.1" lon="11.6" location="Munich">
      <Comments/>
    </Waypoint>
  </ListOfWaypoints>
</FlightTrack>`

type testServer struct {
	t   *testing.T
	svc *Service
	srv *httptest.Server
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = config.DatabaseMemory
	cfg.DataDir = t.TempDir()
	for _, fn := range mutate {
		fn(&cfg)
	}
	st := store.NewMemoryStore()
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(HubConfig(cfg), logger)
	var copies WorkingCopies
	if cfg.WorkingCopies {
		copies = workcopy.New(filepath.Join(cfg.DataDir, "repos"))
	}
	svc := New(cfg, st, session.NewSQLStore(st), blobs, copies, hub, logger)
	srv := httptest.NewServer(NewHTTPServer(svc).Handler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testServer{t: t, svc: svc, srv: srv}
}

type response struct {
	status int
	body   []byte
}

func (r response) text() string {
	return strings.TrimSpace(string(r.body))
}

func (r response) decode(t *testing.T, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, target), "body: %s", r.body)
}

func (s *testServer) do(req *http.Request, token string) response {
	s.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(s.t, err)
	return response{status: res.StatusCode, body: body}
}

func (s *testServer) post(path, token string, form url.Values) response {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req, token)
}

func (s *testServer) get(path, token string, query url.Values) response {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path+"?"+query.Encode(), nil)
	require.NoError(s.t, err)
	return s.do(req, token)
}

func (s *testServer) upload(path, token string, fields map[string]string, field, filename string, data []byte) response {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(s.t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(s.t, err)
	_, err = fw.Write(data)
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req, token)
}

type principal struct {
	id    int64
	token string
}

func (s *testServer) signup(name string) principal {
	s.t.Helper()
	email := name + "@ex.org"
	res := s.post("/register", "", url.Values{"email": {email}, "username": {name}, "password": {"pw-" + name}})
	require.Equal(s.t, http.StatusCreated, res.status, res.text())

	res = s.post("/token", "", url.Values{"email": {email}, "password": {"pw-" + name}})
	require.Equal(s.t, http.StatusOK, res.status, res.text())
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	res.decode(s.t, &out)
	require.NotEmpty(s.t, out.Token)
	return principal{id: out.User.ID, token: out.Token}
}

func (s *testServer) createOperation(p principal, path string) int64 {
	s.t.Helper()
	res := s.post("/create_operation", p.token, url.Values{"path": {path}, "description": {"test flight"}})
	require.Equal(s.t, "True", res.text())
	for _, op := range s.operations(p) {
		if op.Path == path {
			return op.OpID
		}
	}
	s.t.Fatalf("operation %s not listed", path)
	return 0
}

func (s *testServer) operations(p principal) []operationJSON {
	s.t.Helper()
	res := s.get("/operations", p.token, nil)
	require.Equal(s.t, http.StatusOK, res.status, res.text())
	var out struct {
		Operations []operationJSON `json:"operations"`
	}
	res.decode(s.t, &out)
	return out.Operations
}

func (s *testServer) changes(p principal, opID int64) []changeJSON {
	s.t.Helper()
	res := s.get("/get_all_changes", p.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	require.Equal(s.t, http.StatusOK, res.status, res.text())
	var out struct {
		Changes []changeJSON `json:"changes"`
	}
	res.decode(s.t, &out)
	return out.Changes
}

func (s *testServer) grant(p principal, opID int64, role string, users ...int64) {
	s.t.Helper()
	ids, err := json.Marshal(users)
	require.NoError(s.t, err)
	res := s.post("/add_bulk_permissions", p.token, url.Values{
		"op_id":                 {fmt.Sprint(opID)},
		"selected_userids":      {string(ids)},
		"selected_access_level": {role},
	})
	require.Equal(s.t, http.StatusOK, res.status, res.text())
}

func (s *testServer) connect(p principal) net.Conn {
	s.t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(s.srv.URL, "http")+"/ws")
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = conn.Close() })
	emit(s.t, conn, realtime.EventConnect, map[string]string{"token": p.token})
	waitFor(s.t, conn, realtime.EventConnect)
	return conn
}

func emit(t *testing.T, conn net.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(realtime.Frame{Event: event, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, data))
}

// waitFor skips frames until event arrives.
func waitFor(t *testing.T, conn net.Conn, event string) realtime.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		data, err := wsutil.ReadServerText(conn)
		require.NoError(t, err, "waiting for %s", event)
		var frame realtime.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Event == event {
			return frame
		}
		require.NotEqual(t, realtime.EventError, frame.Event, "error frame: %s", frame.Payload)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")

	res := s.get("/test_authorized", "", url.Values{"token": {alice.token}})
	assert.Equal(t, "True", res.text())

	mutated := alice.token + "x"
	res = s.get("/test_authorized", "", url.Values{"token": {mutated}})
	assert.Equal(t, "False", res.text())

	res = s.get("/user", alice.token, nil)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Contains(t, res.text(), `"username":"alice"`)

	res = s.post("/logout", alice.token, nil)
	assert.Equal(t, http.StatusOK, res.status)
	res = s.get("/user", alice.token, nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, "False", res.text())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := newTestServer(t)
	s.signup("alice")

	res := s.post("/register", "", url.Values{"email": {"alice@ex.org"}, "username": {"other"}, "password": {"pw"}})
	assert.Equal(t, http.StatusOK, res.status)
	assert.Contains(t, res.text(), `"success":false`)

	res = s.post("/token", "", url.Values{"email": {"alice@ex.org"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, res.status)
}

func TestOperationsAreScopedToMembers(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	s.createOperation(alice, "atlantic")
	bob := s.signup("bob")

	ops := s.operations(alice)
	require.Len(t, ops, 1)
	assert.Equal(t, "atlantic", ops[0].Path)
	assert.Equal(t, "creator", ops[0].AccessLevel)
	assert.Empty(t, s.operations(bob))

	res := s.post("/create_operation", alice.token, url.Values{"path": {"atlantic"}})
	assert.Equal(t, "False", res.text())
	res = s.post("/create_operation", alice.token, url.Values{"path": {"has space"}})
	assert.Equal(t, "False", res.text())

	res = s.get("/get_operation_by_id", bob.token, url.Values{"op_id": {fmt.Sprint(ops[0].OpID)}})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = s.get("/get_operation_details", alice.token, url.Values{"op_id": {fmt.Sprint(ops[0].OpID)}})
	var details operationJSON
	res.decode(t, &details)
	assert.Equal(t, "test flight", details.Description)
	assert.Equal(t, "creator", details.AccessLevel)
	assert.True(t, details.Active)
}

func TestCollaboratorSaveReachesRoom(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	bob := s.signup("bob")
	opID := s.createOperation(alice, "atlantic")

	aliceWS := s.connect(alice)
	bobWS := s.connect(bob)
	s.grant(alice, opID, "collaborator", bob.id)
	waitFor(t, bobWS, realtime.EventPermissionsUpdated)

	emit(t, bobWS, realtime.EventFileSave, map[string]any{"op_id": opID, "content": trackX, "comment": "via shannon"})
	frame := waitFor(t, aliceWS, realtime.EventFileChanged)
	var changed fileChangedJSON
	require.NoError(t, json.Unmarshal(frame.Payload, &changed))
	assert.Equal(t, opID, changed.OpID)
	assert.Equal(t, bob.id, changed.AuthorID)
	assert.Equal(t, "via shannon", changed.Comment)

	history := s.changes(alice, opID)
	require.Len(t, history, 2)
	assert.Equal(t, changed.RevisionID, history[0].ID)
	assert.Equal(t, "bob", history[0].Author)
	assert.Greater(t, history[0].ID, history[1].ID)
}

func TestSavingSameContentIsNoChange(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	opID := s.createOperation(alice, "atlantic")
	conn := s.connect(alice)

	var saved savedJSON
	emit(t, conn, realtime.EventFileSave, map[string]any{"op_id": opID, "content": trackX})
	require.NoError(t, json.Unmarshal(waitFor(t, conn, realtime.EventFileSaved).Payload, &saved))
	assert.False(t, saved.NoChange)

	emit(t, conn, realtime.EventFileSave, map[string]any{"op_id": opID, "content": trackX})
	require.NoError(t, json.Unmarshal(waitFor(t, conn, realtime.EventFileSaved).Payload, &saved))
	assert.True(t, saved.NoChange)

	assert.Len(t, s.changes(alice, opID), 2)
}

func TestRevertKeepsVersionNames(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	bob := s.signup("bob")
	opID := s.createOperation(alice, "atlantic")
	s.grant(alice, opID, "collaborator", bob.id)

	_, err := s.svc.SaveContent(context.Background(), alice.id, opID, trackX, "second")
	require.NoError(t, err)
	history := s.changes(alice, opID)
	require.Len(t, history, 2)
	second, first := history[0], history[1]

	res := s.post("/set_version_name", alice.token, url.Values{
		"op_id":        {fmt.Sprint(opID)},
		"ch_id":        {fmt.Sprint(second.ID)},
		"version_name": {"v1"},
	})
	require.Equal(t, http.StatusOK, res.status, res.text())

	res = s.post("/undo_changes", bob.token, url.Values{"op_id": {fmt.Sprint(opID)}, "ch_id": {fmt.Sprint(first.ID)}})
	require.Equal(t, http.StatusOK, res.status, res.text())

	history = s.changes(alice, opID)
	require.Len(t, history, 3)

	res = s.get("/get_operation_by_id", bob.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	var current struct {
		Content string `json:"content"`
	}
	res.decode(t, &current)
	res = s.get("/get_change_content", bob.token, url.Values{"ch_id": {fmt.Sprint(first.ID)}})
	var original struct {
		Content string `json:"content"`
	}
	res.decode(t, &original)
	assert.Equal(t, original.Content, current.Content)

	named := s.get("/get_all_changes", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}, "named_version": {"true"}})
	var out struct {
		Changes []changeJSON `json:"changes"`
	}
	named.decode(t, &out)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, second.ID, out.Changes[0].ID)
	require.NotNil(t, out.Changes[0].VersionName)
	assert.Equal(t, "v1", *out.Changes[0].VersionName)

	// renaming to the same name leaves no second notice
	res = s.post("/set_version_name", alice.token, url.Values{
		"op_id":        {fmt.Sprint(opID)},
		"ch_id":        {fmt.Sprint(second.ID)},
		"version_name": {" v1 "},
	})
	require.Equal(t, http.StatusOK, res.status, res.text())

	msgs, err := s.svc.Messages(context.Background(), bob.id, opID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, store.MessageSystem, msg.Kind)
		assert.Nil(t, msg.AuthorID)
	}
	assert.Equal(t, fmt.Sprintf("alice named revision %d \"v1\"", second.ID), msgs[0].Body)
	assert.Equal(t, fmt.Sprintf("bob restored revision %d", first.ID), msgs[1].Body)
}

func TestWorkingCopyEndpoints(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.WorkingCopies = true })
	alice := s.signup("alice")
	mallory := s.signup("mallory")
	opID := s.createOperation(alice, "atlantic")
	_, err := s.svc.SaveContent(context.Background(), alice.id, opID, trackX, "add munich")
	require.NoError(t, err)

	query := url.Values{"op_id": {fmt.Sprint(opID)}}
	res := s.get("/get_working_copy_log", alice.token, query)
	require.Equal(t, http.StatusOK, res.status, res.text())
	var log struct {
		Commits []commitJSON `json:"commits"`
	}
	res.decode(t, &log)
	require.Len(t, log.Commits, 2)
	assert.Equal(t, "add munich", log.Commits[0].Message)
	assert.Equal(t, "alice", log.Commits[0].Author)

	res = s.get("/get_working_copy_log", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}, "limit": {"1"}})
	res.decode(t, &log)
	assert.Len(t, log.Commits, 1)

	res = s.get("/get_working_copy_content", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}, "hash": {log.Commits[0].Hash}})
	require.Equal(t, http.StatusOK, res.status, res.text())
	var content struct {
		Content string `json:"content"`
	}
	res.decode(t, &content)
	assert.Equal(t, trackX, content.Content)

	res = s.get("/get_working_copy_content", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}, "hash": {"deadbeef"}})
	assert.Equal(t, http.StatusNotFound, res.status)
	res = s.get("/get_working_copy_log", mallory.token, query)
	assert.Equal(t, http.StatusForbidden, res.status)
}

func TestWorkingCopyEndpointsWhenDisabled(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	opID := s.createOperation(alice, "atlantic")
	res := s.get("/get_working_copy_log", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestLeavingAnOperation(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	bob := s.signup("bob")
	opID := s.createOperation(alice, "atlantic")
	s.grant(alice, opID, "collaborator", bob.id)
	aliceWS := s.connect(alice)

	res := s.post("/delete_bulk_permissions", alice.token, url.Values{
		"op_id":            {fmt.Sprint(opID)},
		"selected_userids": {fmt.Sprintf("[%d]", alice.id)},
	})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = s.post("/delete_bulk_permissions", bob.token, url.Values{
		"op_id":            {fmt.Sprint(opID)},
		"selected_userids": {fmt.Sprintf("[%d]", bob.id)},
	})
	assert.Equal(t, http.StatusOK, res.status, res.text())
	assert.Empty(t, s.operations(bob))
	waitFor(t, aliceWS, realtime.EventPermissionsUpdated)
}

func TestPermissionDialogs(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	bob := s.signup("bob")
	carol := s.signup("carol")
	opID := s.createOperation(alice, "atlantic")
	s.grant(alice, opID, "viewer", bob.id)

	res := s.get("/users_with_permission", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	require.Equal(t, http.StatusOK, res.status, res.text())
	var with struct {
		Users [][]any `json:"users"`
	}
	res.decode(t, &with)
	require.Len(t, with.Users, 1)
	assert.Equal(t, []any{"bob", "viewer", float64(bob.id)}, with.Users[0])

	res = s.get("/users_without_permission", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	var without struct {
		Users [][]any `json:"users"`
	}
	res.decode(t, &without)
	assert.Equal(t, [][]any{{"carol", float64(carol.id)}}, without.Users)

	res = s.get("/users_with_permission", bob.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = s.post("/modify_bulk_permissions", alice.token, url.Values{
		"op_id":                 {fmt.Sprint(opID)},
		"selected_userids":      {fmt.Sprintf("[%d]", bob.id)},
		"selected_access_level": {"admin"},
	})
	require.Equal(t, http.StatusOK, res.status, res.text())
	res = s.get("/authorized_users", bob.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	assert.Contains(t, res.text(), `"access_level":"admin"`)
}

func TestChatOverRealtime(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	bob := s.signup("bob")
	opID := s.createOperation(alice, "atlantic")
	s.grant(alice, opID, "viewer", bob.id)
	aliceWS := s.connect(alice)
	bobWS := s.connect(bob)

	emit(t, bobWS, realtime.EventChat, map[string]any{"op_id": opID, "body": "wheels up"})
	var msg messageJSON
	require.NoError(t, json.Unmarshal(waitFor(t, aliceWS, realtime.EventChatClient).Payload, &msg))
	assert.Equal(t, "wheels up", msg.Body)
	assert.Equal(t, "bob", msg.Author)

	emit(t, bobWS, realtime.EventEditChat, map[string]any{"message_id": msg.ID, "new_body": "wheels down"})
	require.NoError(t, json.Unmarshal(waitFor(t, aliceWS, realtime.EventEditChatClient).Payload, &msg))
	assert.Equal(t, "wheels down", msg.Body)
	assert.True(t, msg.Edited)

	emit(t, bobWS, realtime.EventDeleteChat, map[string]any{"message_id": msg.ID})
	waitFor(t, aliceWS, realtime.EventDeleteChatClient)

	res := s.get("/messages", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	var out struct {
		Messages []messageJSON `json:"messages"`
	}
	res.decode(t, &out)
	assert.Empty(t, out.Messages)
}

func TestMessageAttachment(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.MaxAttachmentBytes = 64 })
	alice := s.signup("alice")
	opID := s.createOperation(alice, "atlantic")
	fields := map[string]string{"op_id": fmt.Sprint(opID)}

	res := s.upload("/message_attachment", alice.token, fields, "file", "notes.txt", []byte("fuel ok"))
	require.Equal(t, http.StatusOK, res.status, res.text())
	var out struct {
		Path string `json:"path"`
	}
	res.decode(t, &out)
	require.True(t, strings.HasPrefix(out.Path, fmt.Sprintf("/uploads/%d/", opID)), out.Path)

	res = s.get(out.Path, alice.token, nil)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "fuel ok", string(res.body))

	res = s.upload("/message_attachment", alice.token, fields, "file", "big.txt", bytes.Repeat([]byte("x"), 65))
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)
	res = s.upload("/message_attachment", alice.token, fields, "file", "run.exe", []byte("MZ"))
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)
	fields["message_type"] = "image"
	res = s.upload("/message_attachment", alice.token, fields, "file", "notes.txt", []byte("fuel ok"))
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)

	msgs, err := s.svc.Messages(context.Background(), alice.id, opID, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageAttachment, msgs[0].Kind)
	assert.Equal(t, out.Path, msgs[0].Body)
}

func TestDeleteOperationClosesRoom(t *testing.T) {
	s := newTestServer(t)
	alice := s.signup("alice")
	bob := s.signup("bob")
	opID := s.createOperation(alice, "atlantic")
	s.grant(alice, opID, "admin", bob.id)
	bobWS := s.connect(bob)

	res := s.post("/delete_operation", bob.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = s.post("/delete_operation", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	require.Equal(t, http.StatusOK, res.status, res.text())
	frame := waitFor(t, bobWS, realtime.EventOperationDeleted)
	assert.JSONEq(t, fmt.Sprintf(`{"op_id":%d}`, opID), string(frame.Payload))

	assert.Empty(t, s.operations(alice))
	assert.Empty(t, s.operations(bob))
	res = s.get("/get_all_changes", alice.token, url.Values{"op_id": {fmt.Sprint(opID)}})
	assert.Equal(t, http.StatusNotFound, res.status)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	s := newTestServer(t)
	res := s.get("/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.JSONEq(t, `{"code":"NOT_FOUND","error":"Not found"}`, res.text())

	res = s.get("/status", "", nil)
	assert.JSONEq(t, `{"message":"Mscolab server","use_saml2":false}`, res.text())
}
