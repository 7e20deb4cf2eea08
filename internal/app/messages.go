package app

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/chat"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/store"
)

func (s *Service) Messages(ctx context.Context, actor, opID int64, since *time.Time) ([]store.Message, error) {
	return s.chat.List(ctx, opID, actor, since, 0)
}

// PostMessage appends a message and broadcasts it to the room.
func (s *Service) PostMessage(ctx context.Context, actor, opID int64, kind, body string, replyTo *int64) (store.Message, error) {
	if kind == store.MessageSystem {
		return store.Message{}, apperr.Invalid("clients cannot post system messages")
	}
	var msg store.Message
	err := s.hub.Sequence(opID, func() error {
		var err error
		msg, err = s.chat.Post(ctx, opID, actor, kind, body, replyTo)
		if err != nil {
			return err
		}
		s.hub.Broadcast(opID, realtime.EventChatClient, toMessageJSON(msg))
		return nil
	})
	return msg, err
}

func (s *Service) EditMessage(ctx context.Context, actor, messageID int64, body string) (store.Message, error) {
	opID, err := s.messageOperation(ctx, messageID)
	if err != nil {
		return store.Message{}, err
	}
	var msg store.Message
	err = s.hub.Sequence(opID, func() error {
		msg, err = s.chat.Edit(ctx, messageID, actor, body)
		if err != nil {
			return err
		}
		s.hub.Broadcast(opID, realtime.EventEditChatClient, toMessageJSON(msg))
		return nil
	})
	return msg, err
}

func (s *Service) DeleteMessage(ctx context.Context, actor, messageID int64) error {
	opID, err := s.messageOperation(ctx, messageID)
	if err != nil {
		return err
	}
	return s.hub.Sequence(opID, func() error {
		if _, err := s.chat.Delete(ctx, messageID, actor); err != nil {
			return err
		}
		s.hub.Broadcast(opID, realtime.EventDeleteChatClient, map[string]int64{"op_id": opID, "message_id": messageID})
		return nil
	})
}

// notice records a system message in opID's chat and pushes it to the room.
// Callers run inside the operation's sequence.
func (s *Service) notice(ctx context.Context, opID int64, format string, args ...any) {
	msg, err := s.chat.PostSystem(ctx, opID, fmt.Sprintf(format, args...))
	if err != nil {
		s.logger.Warn("post system message failed", "op_id", opID, "error", err)
		return
	}
	s.hub.Broadcast(opID, realtime.EventChatClient, toMessageJSON(msg))
}

func (s *Service) displayName(ctx context.Context, userID int64) string {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Sprintf("user %d", userID)
	}
	return u.DisplayName
}

func (s *Service) messageOperation(ctx context.Context, messageID int64) (int64, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return 0, err
	}
	return msg.OperationID, nil
}

// PostAttachment stores an upload and posts the image or attachment message
// that references it. kind may be empty to pick it by extension.
func (s *Service) PostAttachment(ctx context.Context, actor, opID int64, filename, kind string, r io.Reader) (store.Message, chat.Attachment, error) {
	isImage := false
	switch strings.ToLower(path.Ext(filename)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		isImage = true
	}
	switch {
	case kind == "" && isImage:
		kind = store.MessageImage
	case kind == "":
		kind = store.MessageAttachment
	case kind == store.MessageImage && !isImage:
		return store.Message{}, chat.Attachment{}, apperr.Invalid("%s is not an image", filename)
	case kind == store.MessageImage, kind == store.MessageAttachment:
	default:
		return store.Message{}, chat.Attachment{}, apperr.Invalid("message_type must be image or attachment")
	}
	att, err := s.chat.PutAttachment(ctx, opID, actor, filename, r)
	if err != nil {
		return store.Message{}, chat.Attachment{}, err
	}
	msg, err := s.PostMessage(ctx, actor, opID, kind, att.Path, nil)
	return msg, att, err
}

func (s *Service) OpenAttachment(ctx context.Context, actor, opID int64, name string) (io.ReadCloser, error) {
	return s.chat.OpenAttachment(ctx, opID, actor, name)
}
