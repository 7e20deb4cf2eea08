package app

import (
	"context"
	"encoding/json"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/realtime"
)

type dispatcher struct {
	svc *Service
}

type chatEvent struct {
	OpID    int64  `json:"op_id"`
	Body    string `json:"body"`
	Kind    string `json:"kind"`
	ReplyTo *int64 `json:"reply_to"`
}

type editEvent struct {
	MessageID int64  `json:"message_id"`
	NewBody   string `json:"new_body"`
}

type deleteEvent struct {
	MessageID int64 `json:"message_id"`
}

type saveEvent struct {
	OpID    int64  `json:"op_id"`
	Content string `json:"content"`
	Comment string `json:"comment"`
}

type savedJSON struct {
	OpID       int64  `json:"op_id"`
	RevisionID int64  `json:"revision_id,omitempty"`
	Hash       string `json:"hash"`
	NoChange   bool   `json:"no_change"`
}

// Rooms lists the operations a freshly connected principal joins.
func (d *dispatcher) Rooms(ctx context.Context, userID int64) ([]int64, error) {
	ops, err := d.svc.store.ListOperationsForUser(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids, nil
}

func (d *dispatcher) Dispatch(ctx context.Context, sess realtime.Session, event string, payload json.RawMessage) error {
	switch event {
	case realtime.EventChat:
		var p chatEvent
		if err := decodeEvent(payload, &p); err != nil {
			return err
		}
		_, err := d.svc.PostMessage(ctx, sess.UserID, p.OpID, p.Kind, p.Body, p.ReplyTo)
		return err

	case realtime.EventEditChat:
		var p editEvent
		if err := decodeEvent(payload, &p); err != nil {
			return err
		}
		_, err := d.svc.EditMessage(ctx, sess.UserID, p.MessageID, p.NewBody)
		return err

	case realtime.EventDeleteChat:
		var p deleteEvent
		if err := decodeEvent(payload, &p); err != nil {
			return err
		}
		return d.svc.DeleteMessage(ctx, sess.UserID, p.MessageID)

	case realtime.EventFileSave:
		var p saveEvent
		if err := decodeEvent(payload, &p); err != nil {
			return err
		}
		res, err := d.svc.SaveContent(ctx, sess.UserID, p.OpID, p.Content, p.Comment)
		if err != nil {
			return err
		}
		d.svc.hub.SendToSession(sess.ID, realtime.EventFileSaved, savedJSON{
			OpID:       p.OpID,
			RevisionID: res.Revision.ID,
			Hash:       res.Hash,
			NoChange:   res.NoChange,
		})
		return nil

	case realtime.EventAddUser:
		var p opRefJSON
		if err := decodeEvent(payload, &p); err != nil {
			return err
		}
		return d.svc.joinRoom(ctx, sess.UserID, p.OpID)

	default:
		return apperr.Invalid("unknown event %q", event)
	}
}

func decodeEvent(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return apperr.Invalid("event payload required")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "malformed event payload")
	}
	return nil
}
