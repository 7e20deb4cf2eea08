package app

import (
	"strings"
	"time"

	"mscolab/api/internal/store"
	"mscolab/api/internal/workcopy"
)

// Wire shapes shared by the HTTP surface and realtime events.

type operationJSON struct {
	OpID             int64     `json:"op_id"`
	Path             string    `json:"path"`
	Description      string    `json:"description"`
	Category         string    `json:"category"`
	CategoryTemplate bool      `json:"category_template"`
	AccessLevel      string    `json:"access_level,omitempty"`
	Active           bool      `json:"active"`
	LastUsed         time.Time `json:"last_used"`
}

func toOperationJSON(op store.Operation, role string) operationJSON {
	return operationJSON{
		OpID:             op.ID,
		Path:             op.Path,
		Description:      op.Description,
		Category:         op.Category,
		CategoryTemplate: op.CategoryTemplate,
		AccessLevel:      role,
		Active:           op.Active,
		LastUsed:         op.LastUsed.UTC(),
	}
}

type changeJSON struct {
	ID          int64     `json:"id"`
	Author      string    `json:"author"`
	Hash        string    `json:"hash"`
	VersionName *string   `json:"version_name"`
	Comment     string    `json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
}

func toChangeJSON(rev store.Revision) changeJSON {
	return changeJSON{
		ID:          rev.ID,
		Author:      rev.AuthorName,
		Hash:        rev.CommitHash,
		VersionName: rev.VersionName,
		Comment:     rev.Comment,
		CreatedAt:   rev.CreatedAt.UTC(),
	}
}

type messageJSON struct {
	ID        int64     `json:"id"`
	OpID      int64     `json:"op_id"`
	AuthorID  *int64    `json:"author_id"`
	Author    string    `json:"author"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	ReplyTo   *int64    `json:"reply_to"`
	CreatedAt time.Time `json:"created_at"`
	Edited    bool      `json:"edited"`
}

func toMessageJSON(msg store.Message) messageJSON {
	return messageJSON{
		ID:        msg.ID,
		OpID:      msg.OperationID,
		AuthorID:  msg.AuthorID,
		Author:    msg.AuthorName,
		Kind:      msg.Kind,
		Body:      msg.Body,
		ReplyTo:   msg.ReplyToID,
		CreatedAt: msg.CreatedAt.UTC(),
		Edited:    msg.Edited,
	}
}

type commitJSON struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"created_at"`
}

func toCommitJSON(c workcopy.Commit) commitJSON {
	return commitJSON{
		Hash:    c.Hash,
		Message: strings.TrimRight(c.Message, "\n"),
		Author:  c.Author,
		When:    c.When.UTC(),
	}
}

type fileChangedJSON struct {
	OpID       int64  `json:"op_id"`
	RevisionID int64  `json:"revision_id"`
	AuthorID   int64  `json:"u_id"`
	Comment    string `json:"comment,omitempty"`
}

type opRefJSON struct {
	OpID int64 `json:"op_id"`
}
