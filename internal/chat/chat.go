// Package chat is the per-operation message log and its attachments.
package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/blob"
	"mscolab/api/internal/rbac"
	"mscolab/api/internal/store"
	"mscolab/api/internal/util"
)

type Store interface {
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	GetMessage(ctx context.Context, id int64) (store.Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string) (store.Message, error)
	TombstoneMessage(ctx context.Context, id int64, at time.Time) error
	ListMessages(ctx context.Context, opID int64, since *time.Time, limit int) ([]store.Message, error)
}

type Authorizer interface {
	Require(ctx context.Context, userID, opID int64, min rbac.Role) (rbac.Role, error)
}

const (
	maxFilename  = 64
	maxBodyRunes = 10000
	// MaxListLimit caps one page of List.
	MaxListLimit = 1000
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

// Limits bound attachment uploads. MaxBytes is inclusive.
type Limits struct {
	MaxBytes   int64
	Extensions []string
}

// Attachment is a stored upload. Path is the URL path the HTTP surface serves
// it from and the body of the image or attachment message referencing it.
type Attachment struct {
	Path string
	Name string
	Size int64
}

type Service struct {
	store  Store
	authz  Authorizer
	blobs  blob.Store
	limits Limits
	now    func() time.Time
	logger *slog.Logger
}

func NewService(st Store, authz Authorizer, blobs blob.Store, limits Limits, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		authz:  authz,
		blobs:  blobs,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

// Post appends a message. A text message with replyTo set is stored as a
// reply.
func (s *Service) Post(ctx context.Context, opID, author int64, kind, body string, replyTo *int64) (store.Message, error) {
	if _, err := s.authz.Require(ctx, author, opID, rbac.MinRole(rbac.ActionChat)); err != nil {
		return store.Message{}, err
	}
	if kind == "" {
		kind = store.MessageText
	}
	if kind == store.MessageText && replyTo != nil {
		kind = store.MessageReply
	}

	switch kind {
	case store.MessageText, store.MessageReply:
		if err := checkBody(body); err != nil {
			return store.Message{}, err
		}
	case store.MessageImage, store.MessageAttachment:
		if err := checkUploadRef(opID, kind, body); err != nil {
			return store.Message{}, err
		}
	default:
		return store.Message{}, apperr.Invalid("unknown message kind %q", kind)
	}

	if kind == store.MessageReply {
		if replyTo == nil {
			return store.Message{}, apperr.Invalid("reply needs a message to reply to")
		}
		parent, err := s.store.GetMessage(ctx, *replyTo)
		if apperr.KindOf(err) == apperr.KindNotFound || (err == nil && (parent.OperationID != opID || parent.DeletedAt != nil)) {
			return store.Message{}, apperr.Invalid("reply target %d is not a message of operation %d", *replyTo, opID)
		}
		if err != nil {
			return store.Message{}, err
		}
	} else if replyTo != nil {
		return store.Message{}, apperr.Invalid("only text messages can be replies")
	}

	authorID := author
	return s.store.InsertMessage(ctx, store.Message{
		OperationID: opID,
		AuthorID:    &authorID,
		Kind:        kind,
		Body:        body,
		ReplyToID:   replyTo,
	})
}

// PostSystem records a server generated notice.
func (s *Service) PostSystem(ctx context.Context, opID int64, body string) (store.Message, error) {
	return s.store.InsertMessage(ctx, store.Message{
		OperationID: opID,
		Kind:        store.MessageSystem,
		Body:        body,
	})
}

// Edit replaces the body of a text message. Only its author or an admin of
// the operation may edit.
func (s *Service) Edit(ctx context.Context, messageID, actor int64, body string) (store.Message, error) {
	msg, err := s.modifiable(ctx, messageID, actor)
	if err != nil {
		return store.Message{}, err
	}
	if msg.Kind != store.MessageText && msg.Kind != store.MessageReply {
		return store.Message{}, apperr.Invalid("%s messages cannot be edited", msg.Kind)
	}
	if err := checkBody(body); err != nil {
		return store.Message{}, err
	}
	return s.store.UpdateMessageBody(ctx, messageID, body)
}

// Delete tombstones a message and drops its upload, if any.
func (s *Service) Delete(ctx context.Context, messageID, actor int64) (store.Message, error) {
	msg, err := s.modifiable(ctx, messageID, actor)
	if err != nil {
		return store.Message{}, err
	}
	now := s.now().UTC()
	if err := s.store.TombstoneMessage(ctx, messageID, now); err != nil {
		return store.Message{}, err
	}
	msg.DeletedAt = &now
	if msg.Kind == store.MessageImage || msg.Kind == store.MessageAttachment {
		if err := s.blobs.Delete(ctx, strings.TrimPrefix(msg.Body, "/")); err != nil {
			s.logger.Warn("attachment cleanup failed", "message_id", messageID, "path", msg.Body, "error", err)
		}
	}
	return msg, nil
}

func (s *Service) modifiable(ctx context.Context, messageID, actor int64) (store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.DeletedAt != nil {
		return store.Message{}, apperr.NotFound("message %d not found", messageID)
	}
	role, err := s.authz.Require(ctx, actor, msg.OperationID, rbac.MinRole(rbac.ActionRead))
	if err != nil {
		return store.Message{}, err
	}
	isAuthor := msg.AuthorID != nil && *msg.AuthorID == actor
	if !isAuthor && !rbac.Can(role, rbac.ActionModerate) {
		return store.Message{}, apperr.Forbidden("only the author or an admin may change message %d", messageID)
	}
	return msg, nil
}

// List returns messages after since in (created_at, id) order. A positive
// limit keeps only the newest limit messages; 0 returns all of them.
func (s *Service) List(ctx context.Context, opID, principal int64, since *time.Time, limit int) ([]store.Message, error) {
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, apperr.Invalid("limit must not be negative")
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListMessages(ctx, opID, since, limit)
}

// PutAttachment stores an upload for opID. The stored name is opaque; the
// sanitized client filename is returned for display only.
func (s *Service) PutAttachment(ctx context.Context, opID, principal int64, filename string, r io.Reader) (Attachment, error) {
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionChat)); err != nil {
		return Attachment{}, err
	}
	name, err := SanitizeFilename(filename)
	if err != nil {
		return Attachment{}, err
	}
	ext := strings.ToLower(path.Ext(name))
	if !s.allows(ext) {
		return Attachment{}, apperr.Invalid("file type %q is not allowed", ext)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.limits.MaxBytes+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.limits.MaxBytes {
		return Attachment{}, apperr.Invalid("file larger than %d bytes", s.limits.MaxBytes)
	}

	key := fmt.Sprintf("uploads/%d/%s-%s%s", opID, s.now().UTC().Format("20060102T150405"), util.ShortToken(12), ext)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mime.TypeByExtension(ext)); err != nil {
		return Attachment{}, err
	}
	return Attachment{Path: "/" + key, Name: name, Size: int64(len(data))}, nil
}

// OpenAttachment streams an upload of opID. Only members may read it.
func (s *Service) OpenAttachment(ctx context.Context, opID, principal int64, name string) (io.ReadCloser, error) {
	if _, err := s.authz.Require(ctx, principal, opID, rbac.MinRole(rbac.ActionRead)); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, apperr.NotFound("file %s not found", name)
	}
	return s.blobs.Open(ctx, fmt.Sprintf("uploads/%d/%s", opID, name))
}

// RemoveOperation drops every upload of opID.
func (s *Service) RemoveOperation(ctx context.Context, opID int64) error {
	return s.blobs.DeletePrefix(ctx, fmt.Sprintf("uploads/%d", opID))
}

func (s *Service) allows(ext string) bool {
	for _, allowed := range s.limits.Extensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}

// SanitizeFilename keeps [A-Za-z0-9._-] and truncates the stem so the result
// is at most 64 bytes with its extension intact.
func SanitizeFilename(filename string) (string, error) {
	filename = norm.NFKD.String(path.Base(strings.ReplaceAll(filename, `\`, "/")))
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" || len(ext) > maxFilename/2 {
		return "", apperr.Invalid("invalid filename %q", filename)
	}
	if len(name) > maxFilename {
		stem = stem[:maxFilename-len(ext)]
		name = stem + ext
	}
	return name, nil
}

func checkBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return apperr.Invalid("message must not be empty")
	}
	if !utf8.ValidString(body) {
		return apperr.Invalid("message is not valid utf-8")
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		return apperr.Invalid("message longer than %d characters", maxBodyRunes)
	}
	return nil
}

func checkUploadRef(opID int64, kind, body string) error {
	key, err := blob.CleanKey(body)
	prefix := fmt.Sprintf("uploads/%d/", opID)
	if err != nil || !strings.HasPrefix(key, prefix) || strings.Contains(strings.TrimPrefix(key, prefix), "/") {
		return apperr.Invalid("%s message must reference an upload of operation %d", kind, opID)
	}
	if kind == store.MessageImage && !imageExtensions[strings.ToLower(path.Ext(key))] {
		return apperr.Invalid("image message must reference an image")
	}
	return nil
}
