package store

import "time"

type User struct {
	ID               int64
	DisplayName      string
	Email            string
	PasswordHash     string
	ProfileImagePath *string
	CreatedAt        time.Time
}

type Operation struct {
	ID               int64
	Path             string
	Description      string
	Category         string
	CategoryTemplate bool
	Active           bool
	LastUsed         time.Time
	CurrentContent   string
	CreatedAt        time.Time
}

// UserOperation is an operation as seen by one member.
type UserOperation struct {
	Operation
	Role string
}

type Permission struct {
	UserID      int64
	OperationID int64
	Role        string
	CreatedAt   time.Time
}

// Member is a permission joined with the principal it belongs to.
type Member struct {
	Permission
	DisplayName string
}

type Revision struct {
	ID          int64
	OperationID int64
	AuthorID    *int64
	AuthorName  string
	CommitHash  string
	VersionName *string
	Comment     string
	Content     string
	CreatedAt   time.Time
}

type Message struct {
	ID          int64
	OperationID int64
	AuthorID    *int64
	AuthorName  string
	Kind        string
	Body        string
	ReplyToID   *int64
	CreatedAt   time.Time
	Edited      bool
	DeletedAt   *time.Time
}

const (
	MessageText       = "text"
	MessageSystem     = "system"
	MessageImage      = "image"
	MessageAttachment = "attachment"
	MessageReply      = "reply"
)

const DefaultCategory = "default"
