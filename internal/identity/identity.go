// Package identity registers principals, issues and verifies their bearer
// tokens, and removes them again.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"golang.org/x/text/unicode/norm"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/auth"
	"mscolab/api/internal/blob"
	"mscolab/api/internal/permission"
	"mscolab/api/internal/store"
	"mscolab/api/internal/util"
)

type Store interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByName(ctx context.Context, name string) (store.User, error)
	SetProfileImagePath(ctx context.Context, userID int64, path *string) error
	DeleteUser(ctx context.Context, id int64) error
	ListCreatedOperations(ctx context.Context, userID int64) ([]store.Operation, error)
	DeleteOperation(ctx context.Context, id int64) error
}

// Revocations remembers logged out token ids until they expire.
type Revocations interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Owners hands an operation to its oldest admin when its creator leaves.
type Owners interface {
	HandOver(ctx context.Context, opID, from int64) (permission.Change, bool, error)
}

const (
	maxNameRunes     = 255
	maxPasswordBytes = 72
)

var profileExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

// Session is the outcome of a successful Verify.
type Session struct {
	User   store.User
	Claims auth.Claims
}

// Deletion reports what DeleteSelf did to the operations the principal
// created.
type Deletion struct {
	HandedOver []permission.Change
	Deleted    []store.Operation
}

type Config struct {
	TokenSecret     []byte
	TokenTTL        time.Duration
	MaxProfileBytes int64
}

type Service struct {
	store   Store
	revoked Revocations
	owners  Owners
	blobs   blob.Store
	cfg     Config
	locks   *util.KeyedMutex[int64]
	now     func() time.Time
	logger  *slog.Logger
}

func NewService(st Store, revoked Revocations, owners Owners, blobs blob.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		revoked: revoked,
		owners:  owners,
		blobs:   blobs,
		cfg:     cfg,
		locks:   util.NewKeyedMutex[int64](),
		now:     time.Now,
		logger:  logger,
	}
}

// Register creates a principal. Duplicate emails or names are Conflict.
func (s *Service) Register(ctx context.Context, email, displayName, password string) (store.User, error) {
	email = strings.TrimSpace(email)
	displayName = norm.NFC.String(strings.TrimSpace(displayName))
	err := validation.Errors{
		"email":    validation.Validate(email, validation.Required, is.EmailFormat, validation.Length(0, 255)),
		"username": validation.Validate(displayName, validation.Required, validation.RuneLength(1, maxNameRunes), validation.By(validName)),
		"password": validation.Validate(password, validation.Required, validation.Length(1, maxPasswordBytes)),
	}.Filter()
	if err != nil {
		return store.User{}, apperr.Wrap(apperr.KindInvalidInput, err, "invalid registration")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.CreateUser(ctx, store.User{
		DisplayName:  displayName,
		Email:        strings.ToLower(email),
		PasswordHash: hash,
	})
	if err != nil {
		return store.User{}, err
	}
	s.logger.Info("principal registered", "user_id", user.ID)
	return user, nil
}

func validName(value any) error {
	name, _ := value.(string)
	if strings.Contains(name, "@") {
		return errors.New("must not contain @")
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return errors.New("must be printable")
		}
	}
	return nil
}

// Login accepts an email or a display name as identifier and returns a fresh
// bearer token.
func (s *Service) Login(ctx context.Context, identifier, password string) (string, store.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return "", store.User{}, apperr.Unauthorized("invalid credentials")
	}
	var (
		user store.User
		err  error
	)
	if strings.Contains(identifier, "@") {
		user, err = s.store.GetUserByEmail(ctx, strings.ToLower(identifier))
	} else {
		user, err = s.store.GetUserByName(ctx, norm.NFC.String(identifier))
	}
	if apperr.KindOf(err) == apperr.KindNotFound {
		return "", store.User{}, apperr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return "", store.User{}, err
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return "", store.User{}, apperr.Unauthorized("invalid credentials")
	}

	token, err := auth.IssueToken(s.cfg.TokenSecret, auth.Claims{
		Sub: user.ID,
		JTI: util.NewID(""),
		Exp: s.now().Add(s.cfg.TokenTTL).Unix(),
	})
	if err != nil {
		return "", store.User{}, err
	}
	return token, user, nil
}

// Verify rejects expired, tampered or revoked tokens and tokens of deleted
// principals with Unauthorized.
func (s *Service) Verify(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt(s.cfg.TokenSecret, token, s.now())
	if err != nil {
		return Session{}, apperr.Wrap(apperr.KindUnauthorized, err, "invalid token")
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, apperr.Unauthorized("token revoked")
	}

	unlock := s.locks.Lock(claims.Sub)
	defer unlock()
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return Session{}, apperr.Unauthorized("principal no longer exists")
	}
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Claims: claims}, nil
}

// Logout revokes the token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, claims auth.Claims) error {
	return s.revoked.Revoke(ctx, claims.JTI, claims.ExpiresAt())
}

// DeleteSelf removes the principal of session. Operations it created go to
// their oldest admin or are deleted when there is none.
func (s *Service) DeleteSelf(ctx context.Context, session Session) (Deletion, error) {
	userID := session.User.ID
	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Deletion{}, err
	}
	created, err := s.store.ListCreatedOperations(ctx, userID)
	if err != nil {
		return Deletion{}, err
	}

	var report Deletion
	for _, op := range created {
		change, ok, err := s.owners.HandOver(ctx, op.ID, userID)
		if err != nil {
			return report, err
		}
		if ok {
			report.HandedOver = append(report.HandedOver, change)
			continue
		}
		if err := s.store.DeleteOperation(ctx, op.ID); err != nil {
			return report, fmt.Errorf("delete operation %d: %w", op.ID, err)
		}
		report.Deleted = append(report.Deleted, op)
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return report, err
	}
	if user.ProfileImagePath != nil {
		if err := s.blobs.Delete(ctx, *user.ProfileImagePath); err != nil {
			s.logger.Warn("profile image cleanup failed", "user_id", userID, "error", err)
		}
	}
	if err := s.revoked.Revoke(ctx, session.Claims.JTI, session.Claims.ExpiresAt()); err != nil {
		s.logger.Warn("revoke token of deleted principal failed", "user_id", userID, "error", err)
	}
	s.logger.Info("principal deleted", "user_id", userID,
		"handed_over", len(report.HandedOver), "deleted_operations", len(report.Deleted))
	return report, nil
}

// SetProfileImage stores an image as profile/{id}{ext} and records its key.
func (s *Service) SetProfileImage(ctx context.Context, userID int64, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(path.Ext(filename))
	if !profileExtensions[ext] {
		return "", apperr.Invalid("profile image must be png, jpg or gif")
	}
	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxProfileBytes+1))
	if err != nil {
		return "", fmt.Errorf("read profile image: %w", err)
	}
	if len(data) == 0 {
		return "", apperr.Invalid("profile image is empty")
	}
	if int64(len(data)) > s.cfg.MaxProfileBytes {
		return "", apperr.Invalid("profile image larger than %d bytes", s.cfg.MaxProfileBytes)
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("profile/%d%s", userID, ext)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mime.TypeByExtension(ext)); err != nil {
		return "", err
	}
	if err := s.store.SetProfileImagePath(ctx, userID, &key); err != nil {
		return "", err
	}
	if old := user.ProfileImagePath; old != nil && *old != key {
		if err := s.blobs.Delete(ctx, *old); err != nil {
			s.logger.Warn("old profile image cleanup failed", "user_id", userID, "error", err)
		}
	}
	return key, nil
}

// OpenProfileImage streams the profile image of a principal with its content
// type.
func (s *Service) OpenProfileImage(ctx context.Context, userID int64) (io.ReadCloser, string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if user.ProfileImagePath == nil {
		return nil, "", apperr.NotFound("user %d has no profile image", userID)
	}
	rc, err := s.blobs.Open(ctx, *user.ProfileImagePath)
	if err != nil {
		return nil, "", err
	}
	return rc, mime.TypeByExtension(path.Ext(*user.ProfileImagePath)), nil
}

// Lookup resolves a display name for the HTTP surface.
func (s *Service) Lookup(ctx context.Context, displayName string) (store.User, error) {
	name := norm.NFC.String(strings.TrimSpace(displayName))
	if name == "" || !utf8.ValidString(name) {
		return store.User{}, apperr.Invalid("username required")
	}
	return s.store.GetUserByName(ctx, name)
}
