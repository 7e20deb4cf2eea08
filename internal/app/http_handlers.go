package app

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/identity"
)

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err == nil {
		_, err = s.service.Register(r.Context(), p.String("email"), p.String("username"), p.String("password"))
	}
	if err != nil {
		if status, _ := mapError(err); status >= http.StatusInternalServerError {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": apperr.Message(err)})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true})
}

func (s *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	identifier := p.String("email")
	if identifier == "" {
		identifier = p.String("username")
	}
	token, user, err := s.service.Login(r.Context(), identifier, p.String("password"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]any{"id": user.ID, "username": user.DisplayName},
	})
}

func (s *HTTPServer) handleTestAuthorized(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeText(w, http.StatusOK, "False")
		return
	}
	_, err := s.service.Verify(r.Context(), token)
	switch apperr.KindOf(err) {
	case "":
		writeText(w, http.StatusOK, "True")
	case apperr.KindUnauthorized:
		writeText(w, http.StatusOK, "False")
	default:
		s.writeError(w, r, err)
	}
}

func (s *HTTPServer) handleUser(w http.ResponseWriter, r *http.Request, sess identity.Session, _ params) {
	writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{
		"id":                 sess.User.ID,
		"username":           sess.User.DisplayName,
		"email":              sess.User.Email,
		"profile_image_path": sess.User.ProfileImagePath,
	}})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request, sess identity.Session, _ params) {
	if err := s.service.Logout(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w)
}

func (s *HTTPServer) handleDeleteAccount(w http.ResponseWriter, r *http.Request, sess identity.Session, _ params) {
	if err := s.service.DeleteAccount(r.Context(), sess); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w)
}

func (s *HTTPServer) handleUploadProfileImage(w http.ResponseWriter, r *http.Request, sess identity.Session, _ params) {
	file, filename, err := formFile(r, "image", "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()
	key, err := s.service.SetProfileImage(r.Context(), sess.User.ID, filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": "/" + key})
}

func (s *HTTPServer) handleProfileImage(w http.ResponseWriter, r *http.Request, _ identity.Session, _ params) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperr.NotFound("user not found"))
		return
	}
	rc, contentType, err := s.service.OpenProfileImage(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	stream(w, rc, contentType)
}

func (s *HTTPServer) handleCreateOperation(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	in := CreateOperationInput{
		Path:        p.String("path"),
		Description: p.String("description"),
		Category:    p.String("category"),
		Content:     p.String("content"),
	}
	if p.Has("active") {
		active, err := p.Bool("active", true)
		if err != nil {
			s.writeBool(w, r, err)
			return
		}
		in.Active = &active
	}
	_, err := s.service.CreateOperation(r.Context(), sess.User.ID, in)
	s.writeBool(w, r, err)
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	skipArchived, err := p.Bool("skip_archived", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ops, err := s.service.ListOperations(r.Context(), sess.User.ID, skipArchived)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]operationJSON, 0, len(ops))
	for _, op := range ops {
		out = append(out, toOperationJSON(op.Operation, op.Role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *HTTPServer) handleGetOperation(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := s.service.ReadContent(r.Context(), sess.User.ID, opID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (s *HTTPServer) handleOperationDetails(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	op, role, err := s.service.GetOperation(r.Context(), sess.User.ID, opID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationJSON(op, string(role)))
}

func (s *HTTPServer) handleUpdateOperation(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err == nil {
		err = s.service.UpdateOperation(r.Context(), sess.User.ID, opID, p.String("attribute"), p.String("value"))
	}
	s.writeBool(w, r, err)
}

func (s *HTTPServer) handleDeleteOperation(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.DeleteOperation(r.Context(), sess.User.ID, opID)
	})
}

func (s *HTTPServer) handleSetLastUsed(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.SetLastUsed(r.Context(), sess.User.ID, opID)
	})
}

func (s *HTTPServer) handleSetCategoryTemplate(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.SetCategoryTemplate(r.Context(), sess.User.ID, opID)
	})
}

// withOperation runs fn for the op_id field and answers {success: true}.
func (s *HTTPServer) withOperation(w http.ResponseWriter, r *http.Request, p params, fn func(opID int64) error) {
	opID, err := p.Int64("op_id")
	if err == nil {
		err = fn(opID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w)
}

func (s *HTTPServer) handleChanges(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	namedOnly, err := p.Bool("named_version", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	revs, err := s.service.Changes(r.Context(), sess.User.ID, opID, namedOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]changeJSON, 0, len(revs))
	for _, rev := range revs {
		out = append(out, toChangeJSON(rev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out})
}

func (s *HTTPServer) handleChangeContent(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	revisionID, err := p.Int64("ch_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rev, err := s.service.Change(r.Context(), sess.User.ID, revisionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": rev.Content})
}

func (s *HTTPServer) handleSetVersionName(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	revisionID, err := p.Int64("ch_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.NameChange(r.Context(), sess.User.ID, opID, revisionID, p.String("version_name"))
	})
}

func (s *HTTPServer) handleCopyLog(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := int64(0)
	if p.Has("limit") {
		if limit, err = p.Int64("limit"); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	commits, err := s.service.CopyHistory(r.Context(), sess.User.ID, opID, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]commitJSON, 0, len(commits))
	for _, c := range commits {
		out = append(out, toCommitJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": out})
}

func (s *HTTPServer) handleCopyContent(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := s.service.CopyContent(r.Context(), sess.User.ID, opID, p.String("hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (s *HTTPServer) handleUndoChanges(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	revisionID, err := p.Int64("ch_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var opID int64
	if p.Has("op_id") {
		if opID, err = p.Int64("op_id"); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rev, err := s.service.UndoChanges(r.Context(), sess.User.ID, opID, revisionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "revision_id": rev.ID})
}

func (s *HTTPServer) handleAuthorizedUsers(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	members, err := s.service.Members(r.Context(), sess.User.ID, opID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	users := make([]map[string]any, 0, len(members))
	for _, m := range members {
		users = append(users, map[string]any{"username": m.DisplayName, "access_level": m.Role})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleUsersWithPermission(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.service.UsersWithPermission(r.Context(), sess.User.ID, opID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	users := make([][]any, 0, len(entries))
	for _, e := range entries {
		users = append(users, []any{e.DisplayName, e.Role, e.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleUsersWithoutPermission(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.service.UsersWithoutPermission(r.Context(), sess.User.ID, opID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	users := make([][]any, 0, len(entries))
	for _, e := range entries {
		users = append(users, []any{e.DisplayName, e.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleAddPermissions(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	ids, err := p.IDs("selected_userids")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.AddPermissions(r.Context(), sess.User.ID, opID, ids, p.String("selected_access_level"))
	})
}

func (s *HTTPServer) handleModifyPermissions(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	ids, err := p.IDs("selected_userids")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.ModifyPermissions(r.Context(), sess.User.ID, opID, ids, p.String("selected_access_level"))
	})
}

func (s *HTTPServer) handleDeletePermissions(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	ids, err := p.IDs("selected_userids")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.withOperation(w, r, p, func(opID int64) error {
		return s.service.RemovePermissions(r.Context(), sess.User.ID, opID, ids)
	})
}

func (s *HTTPServer) handleImportPermissions(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	srcOp, err := p.Int64("import_op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dstOp, err := p.Int64("current_op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.ImportPermissions(r.Context(), sess.User.ID, srcOp, dstOp); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w)
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := p.Time("timestamp")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.service.Messages(r.Context(), sess.User.ID, opID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toMessageJSON(msg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *HTTPServer) handleMessageAttachment(w http.ResponseWriter, r *http.Request, sess identity.Session, p params) {
	opID, err := p.Int64("op_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file, filename, err := formFile(r, "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()
	_, att, err := s.service.PostAttachment(r.Context(), sess.User.ID, opID, filename, p.String("message_type"), file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": att.Path})
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, sess identity.Session, _ params) {
	opID, err := strconv.ParseInt(chi.URLParam(r, "opID"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperr.NotFound("operation not found"))
		return
	}
	name := chi.URLParam(r, "name")
	rc, err := s.service.OpenAttachment(r.Context(), sess.User.ID, opID, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	stream(w, rc, mime.TypeByExtension(path.Ext(name)))
}

// formFile returns the first present multipart file among keys.
func formFile(r *http.Request, keys ...string) (io.ReadCloser, string, error) {
	for _, key := range keys {
		file, header, err := r.FormFile(key)
		if err == nil {
			return file, header.Filename, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, "", apperr.Invalid("invalid multipart body")
		}
	}
	return nil, "", apperr.Invalid("%s is required", keys[0])
}

func stream(w http.ResponseWriter, rc io.Reader, contentType string) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
