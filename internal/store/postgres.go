package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, display_name, email, password_hash, profile_image_path, created_at`

func scanUser(row rowScanner) (User, error) {
	var (
		user  User
		image sql.NullString
	)
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &image, &user.CreatedAt); err != nil {
		return User{}, err
	}
	user.ProfileImagePath = stringPtr(image)
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		user.DisplayName, user.Email, user.PasswordHash)
	created, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", classify(err, "email or username already registered"))
	}
	return created, nil
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, notFound("user", arg)
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	return s.getUser(ctx, `id=$1`, id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `email=$1`, email)
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	return s.getUser(ctx, `display_name=$1`, name)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SetProfileImagePath(ctx context.Context, userID int64, path *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET profile_image_path=$2 WHERE id=$1`, userID, nullString(path))
	if err != nil {
		return fmt.Errorf("update profile image: %w", err)
	}
	return expectRow(res, "user", userID)
}

// DeleteUser removes the principal. Permissions cascade; authored revisions
// and messages keep their rows with a NULL author.
func (s *PostgresStore) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return expectRow(res, "user", id)
}

const operationColumns = `o.id, o.path, o.description, o.category, o.category_template, o.active, o.last_used, o.current_content, o.created_at`

func scanOperation(row rowScanner, extra ...any) (Operation, error) {
	var op Operation
	dest := []any{&op.ID, &op.Path, &op.Description, &op.Category, &op.CategoryTemplate, &op.Active, &op.LastUsed, &op.CurrentContent, &op.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (s *PostgresStore) CreateOperation(ctx context.Context, op Operation, creatorID int64, inherited []Permission) (Operation, error) {
	var created Operation
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO operations AS o (path, description, category, active, current_content)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+operationColumns,
			op.Path, op.Description, op.Category, op.Active, op.CurrentContent)
		var err error
		created, err = scanOperation(row)
		if err != nil {
			return fmt.Errorf("insert operation: %w", classify(err, "operation path already exists"))
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (user_id, operation_id, role) VALUES ($1, $2, 'creator')
		`, creatorID, created.ID); err != nil {
			return fmt.Errorf("insert creator permission: %w", err)
		}
		for _, perm := range inherited {
			if perm.UserID == creatorID {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO permissions (user_id, operation_id, role) VALUES ($1, $2, $3)
				ON CONFLICT (user_id, operation_id) DO NOTHING
			`, perm.UserID, created.ID, perm.Role); err != nil {
				return fmt.Errorf("insert inherited permission: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Operation{}, err
	}
	return created, nil
}

func (s *PostgresStore) getOperation(ctx context.Context, where string, arg any) (Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations o WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, notFound("operation", arg)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("lookup operation: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id int64) (Operation, error) {
	return s.getOperation(ctx, `o.id=$1`, id)
}

func (s *PostgresStore) GetOperationByPath(ctx context.Context, path string) (Operation, error) {
	return s.getOperation(ctx, `o.path=$1`, path)
}

func (s *PostgresStore) UpdateOperation(ctx context.Context, op Operation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET path=$2, description=$3, category=$4, active=$5, category_template=$6
		WHERE id=$1
	`, op.ID, op.Path, op.Description, op.Category, op.Active, op.CategoryTemplate)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "idx_operations_category_template" {
			return fmt.Errorf("update operation: %w", classify(err, "category already has a template"))
		}
		return fmt.Errorf("update operation: %w", classify(err, "operation path already exists"))
	}
	return expectRow(res, "operation", op.ID)
}

func (s *PostgresStore) DeleteOperation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return expectRow(res, "operation", id)
}

func (s *PostgresStore) SetLastUsed(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE operations SET last_used=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("set last used: %w", err)
	}
	return expectRow(res, "operation", id)
}

func (s *PostgresStore) ListOperationsForUser(ctx context.Context, userID int64, skipArchived bool) ([]UserOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`, p.role
		FROM operations o
		JOIN permissions p ON p.operation_id = o.id
		WHERE p.user_id = $1 AND ($2 = FALSE OR o.active)
		ORDER BY o.last_used DESC, o.id
	`, userID, skipArchived)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []UserOperation
	for rows.Next() {
		var role string
		op, err := scanOperation(rows, &role)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, UserOperation{Operation: op, Role: role})
	}
	return ops, rows.Err()
}

func (s *PostgresStore) queryOperations(ctx context.Context, query string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *PostgresStore) ListOperationsInCategory(ctx context.Context, category string) ([]Operation, error) {
	return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM operations o WHERE o.category=$1 ORDER BY o.id`, category)
}

func (s *PostgresStore) GetCategoryTemplate(ctx context.Context, category string) (Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations o WHERE o.category=$1 AND o.category_template
	`, category))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, notFound("category template", category)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("lookup category template: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) SetCategoryTemplate(ctx context.Context, opID int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var category string
		err := tx.QueryRowContext(ctx, `SELECT category FROM operations WHERE id=$1 FOR UPDATE`, opID).Scan(&category)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("operation", opID)
		}
		if err != nil {
			return fmt.Errorf("lookup operation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE operations SET category_template=FALSE WHERE category=$1 AND category_template AND id<>$2
		`, category, opID); err != nil {
			return fmt.Errorf("clear category template: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE operations SET category_template=TRUE WHERE id=$1`, opID); err != nil {
			return fmt.Errorf("set category template: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetPermission(ctx context.Context, opID, userID int64) (Permission, error) {
	perm := Permission{OperationID: opID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT role, created_at FROM permissions WHERE operation_id=$1 AND user_id=$2
	`, opID, userID).Scan(&perm.Role, &perm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Permission{}, notFound("permission", fmt.Sprintf("%d/%d", opID, userID))
	}
	if err != nil {
		return Permission{}, fmt.Errorf("lookup permission: %w", err)
	}
	return perm, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, opID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.user_id, p.operation_id, p.role, p.created_at, u.display_name
		FROM permissions p
		JOIN users u ON u.id = p.user_id
		WHERE p.operation_id = $1
		ORDER BY p.created_at, p.user_id
	`, opID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.OperationID, &m.Role, &m.CreatedAt, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) ListCreatedOperations(ctx context.Context, userID int64) ([]Operation, error) {
	return s.queryOperations(ctx, `
		SELECT `+operationColumns+`
		FROM operations o
		JOIN permissions p ON p.operation_id = o.id
		WHERE p.user_id=$1 AND p.role='creator'
		ORDER BY o.id
	`, userID)
}

func (s *PostgresStore) InsertPermission(ctx context.Context, perm Permission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (user_id, operation_id, role) VALUES ($1, $2, $3)
	`, perm.UserID, perm.OperationID, perm.Role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return notFound("principal or operation", fmt.Sprintf("%d/%d", perm.UserID, perm.OperationID))
		}
		return fmt.Errorf("insert permission: %w", classify(err, "permission already exists"))
	}
	return nil
}

func (s *PostgresStore) UpdatePermissionRole(ctx context.Context, opID, userID int64, role string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permissions SET role=$3 WHERE operation_id=$1 AND user_id=$2
	`, opID, userID, role)
	if err != nil {
		return fmt.Errorf("update permission: %w", classify(err, "operation already has a creator"))
	}
	return expectRow(res, "permission", fmt.Sprintf("%d/%d", opID, userID))
}

// DeletePermission is idempotent on absent rows.
func (s *PostgresStore) DeletePermission(ctx context.Context, opID, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE operation_id=$1 AND user_id=$2`, opID, userID); err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return nil
}

// TransferCreator demotes the current creator to admin and promotes toUserID,
// inserting a permission for them if needed.
func (s *PostgresStore) TransferCreator(ctx context.Context, opID, fromUserID, toUserID int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE permissions SET role='admin' WHERE operation_id=$1 AND user_id=$2 AND role='creator'
		`, opID, fromUserID)
		if err != nil {
			return fmt.Errorf("demote creator: %w", err)
		}
		if err := expectRow(res, "creator permission", fmt.Sprintf("%d/%d", opID, fromUserID)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (user_id, operation_id, role) VALUES ($1, $2, 'creator')
			ON CONFLICT (user_id, operation_id) DO UPDATE SET role='creator'
		`, toUserID, opID); err != nil {
			return fmt.Errorf("promote creator: %w", err)
		}
		return nil
	})
}

const revisionColumns = `r.id, r.operation_id, r.author_id, COALESCE(u.display_name, ''), r.commit_hash, r.version_name, r.comment, r.content, r.created_at`

func scanRevision(row rowScanner) (Revision, error) {
	var (
		rev     Revision
		author  sql.NullInt64
		version sql.NullString
	)
	if err := row.Scan(&rev.ID, &rev.OperationID, &author, &rev.AuthorName, &rev.CommitHash, &version, &rev.Comment, &rev.Content, &rev.CreatedAt); err != nil {
		return Revision{}, err
	}
	rev.AuthorID = intPtr(author)
	rev.VersionName = stringPtr(version)
	return rev, nil
}

// AppendRevision inserts rev and makes its content current in one transaction.
func (s *PostgresStore) AppendRevision(ctx context.Context, rev Revision) (Revision, error) {
	var created Revision
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var id int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO revisions (operation_id, author_id, commit_hash, comment, content)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, rev.OperationID, nullInt(rev.AuthorID), rev.CommitHash, rev.Comment, rev.Content).Scan(&id); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return notFound("operation", rev.OperationID)
			}
			return fmt.Errorf("insert revision: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE operations SET current_content=$2 WHERE id=$1`, rev.OperationID, rev.Content); err != nil {
			return fmt.Errorf("update current content: %w", err)
		}
		var err error
		created, err = scanRevision(tx.QueryRowContext(ctx, `
			SELECT `+revisionColumns+` FROM revisions r LEFT JOIN users u ON u.id = r.author_id WHERE r.id=$1
		`, id))
		if err != nil {
			return fmt.Errorf("read revision: %w", err)
		}
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	return created, nil
}

func (s *PostgresStore) CountRevisions(ctx context.Context, opID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions WHERE operation_id=$1`, opID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count revisions: %w", err)
	}
	return n, nil
}

// ListRevisions returns the history newest first.
func (s *PostgresStore) ListRevisions(ctx context.Context, opID int64) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+`
		FROM revisions r
		LEFT JOIN users u ON u.id = r.author_id
		WHERE r.operation_id=$1
		ORDER BY r.created_at DESC, r.id DESC
	`, opID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

func (s *PostgresStore) GetRevision(ctx context.Context, id int64) (Revision, error) {
	rev, err := scanRevision(s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM revisions r LEFT JOIN users u ON u.id = r.author_id WHERE r.id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, notFound("revision", id)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("lookup revision: %w", err)
	}
	return rev, nil
}

// SetVersionName tags a revision, clearing any other revision of the same
// operation that holds name.
func (s *PostgresStore) SetVersionName(ctx context.Context, opID, revisionID int64, name string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE revisions SET version_name=NULL WHERE operation_id=$1 AND version_name=$2 AND id<>$3
		`, opID, name, revisionID); err != nil {
			return fmt.Errorf("clear version name: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE revisions SET version_name=$3 WHERE operation_id=$1 AND id=$2
		`, opID, revisionID, name)
		if err != nil {
			return fmt.Errorf("set version name: %w", classify(err, "version name already in use"))
		}
		return expectRow(res, "revision", revisionID)
	})
}

const messageColumns = `m.id, m.operation_id, m.author_id, COALESCE(u.display_name, ''), m.kind, m.body, m.reply_to_id, m.created_at, m.edited, m.deleted_at`

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg     Message
		author  sql.NullInt64
		replyTo sql.NullInt64
		deleted sql.NullTime
	)
	if err := row.Scan(&msg.ID, &msg.OperationID, &author, &msg.AuthorName, &msg.Kind, &msg.Body, &replyTo, &msg.CreatedAt, &msg.Edited, &deleted); err != nil {
		return Message{}, err
	}
	msg.AuthorID = intPtr(author)
	msg.ReplyToID = intPtr(replyTo)
	msg.DeletedAt = timePtr(deleted)
	return msg, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (operation_id, author_id, kind, body, reply_to_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, msg.OperationID, nullInt(msg.AuthorID), msg.Kind, msg.Body, nullInt(msg.ReplyToID)).Scan(&id); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages m LEFT JOIN users u ON u.id = m.author_id WHERE m.id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, notFound("message", id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("lookup message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) UpdateMessageBody(ctx context.Context, id int64, body string) (Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body=$2, edited=TRUE WHERE id=$1 AND deleted_at IS NULL
	`, id, body)
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	if err := expectRow(res, "message", id); err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, id)
}

func (s *PostgresStore) TombstoneMessage(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("tombstone message: %w", err)
	}
	return expectRow(res, "message", id)
}

// ListMessages returns live messages created strictly after since, oldest
// first. A positive limit keeps the newest limit rows; zero means no limit.
func (s *PostgresStore) ListMessages(ctx context.Context, opID int64, since *time.Time, limit int) ([]Message, error) {
	var after sql.NullTime
	if since != nil {
		after = sql.NullTime{Time: *since, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages m
			LEFT JOIN users u ON u.id = m.author_id
			WHERE m.operation_id=$1 AND m.deleted_at IS NULL
				AND ($2::timestamptz IS NULL OR m.created_at > $2::timestamptz)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT NULLIF($3::int, 0)
		) newest
		ORDER BY newest.created_at, newest.id
	`, opID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1)
	`, jti).Scan(&revoked); err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) PurgeRevokedTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}

func expectRow(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}
