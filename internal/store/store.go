package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"mscolab/api/internal/apperr"
)

// Store is the persistence boundary shared by the PostgreSQL and in-memory
// implementations. Missing rows are apperr NotFound errors and unique
// violations are Conflict errors.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByID(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByName(ctx context.Context, name string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetProfileImagePath(ctx context.Context, userID int64, path *string) error
	DeleteUser(ctx context.Context, id int64) error

	CreateOperation(ctx context.Context, op Operation, creatorID int64, inherited []Permission) (Operation, error)
	GetOperation(ctx context.Context, id int64) (Operation, error)
	GetOperationByPath(ctx context.Context, path string) (Operation, error)
	UpdateOperation(ctx context.Context, op Operation) error
	DeleteOperation(ctx context.Context, id int64) error
	SetLastUsed(ctx context.Context, id int64, at time.Time) error
	ListOperationsForUser(ctx context.Context, userID int64, skipArchived bool) ([]UserOperation, error)
	ListOperationsInCategory(ctx context.Context, category string) ([]Operation, error)
	GetCategoryTemplate(ctx context.Context, category string) (Operation, error)
	SetCategoryTemplate(ctx context.Context, opID int64) error

	GetPermission(ctx context.Context, opID, userID int64) (Permission, error)
	ListMembers(ctx context.Context, opID int64) ([]Member, error)
	ListCreatedOperations(ctx context.Context, userID int64) ([]Operation, error)
	InsertPermission(ctx context.Context, perm Permission) error
	UpdatePermissionRole(ctx context.Context, opID, userID int64, role string) error
	DeletePermission(ctx context.Context, opID, userID int64) error
	TransferCreator(ctx context.Context, opID, fromUserID, toUserID int64) error

	AppendRevision(ctx context.Context, rev Revision) (Revision, error)
	CountRevisions(ctx context.Context, opID int64) (int, error)
	ListRevisions(ctx context.Context, opID int64) ([]Revision, error)
	GetRevision(ctx context.Context, id int64) (Revision, error)
	SetVersionName(ctx context.Context, opID, revisionID int64, name string) error

	InsertMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string) (Message, error)
	TombstoneMessage(ctx context.Context, id int64, at time.Time) error
	ListMessages(ctx context.Context, opID int64, since *time.Time, limit int) ([]Message, error)

	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PurgeRevokedTokens(ctx context.Context, now time.Time) (int64, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

const uniqueViolation = "23505"

func notFound(what string, id any) error {
	return apperr.NotFound("%s %v not found", what, id)
}

func classify(err error, conflictMsg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Wrap(apperr.KindConflict, err, "%s", conflictMsg)
	}
	return err
}
