package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"mscolab/api/internal/apperr"
	"mscolab/api/internal/identity"
	"mscolab/api/internal/realtime"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	corsOrigin string
	timeout    time.Duration
	useSAML2   bool
	maxBody    int64
	logger     *slog.Logger
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        service.hub,
		corsOrigin: service.cfg.CORSOrigin,
		timeout:    service.cfg.RequestTimeout,
		useSAML2:   service.cfg.UseSAML2,
		maxBody:    max(service.cfg.MaxAttachmentBytes, service.cfg.MaxProfileImageBytes) + maxFormMemory,
		logger:     service.logger.With("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	// The socket outlives any request deadline.
	r.Method(http.MethodGet, "/ws", s.hub.Handler(s.service, s.service.Dispatcher()))

	r.Group(func(r chi.Router) {
		if s.timeout > 0 {
			r.Use(middleware.Timeout(s.timeout))
		}
		r.Use(s.limitBody)

		r.Get("/", s.handleStatus)
		r.Get("/status", s.handleStatus)
		r.Get("/healthz", s.handleHealth)

		r.Post("/register", s.handleRegister)
		r.Post("/token", s.handleToken)
		r.Get("/test_authorized", s.handleTestAuthorized)

		r.Get("/user", s.authed(s.handleUser))
		r.Post("/logout", s.authed(s.handleLogout))
		r.Post("/delete_own_account", s.authed(s.handleDeleteAccount))
		r.Post("/upload_profile_image", s.authed(s.handleUploadProfileImage))
		r.Get("/profile_image/{userID}", s.authed(s.handleProfileImage))

		r.Post("/create_operation", s.authed(s.handleCreateOperation))
		r.Get("/operations", s.authed(s.handleOperations))
		r.Get("/get_operation_by_id", s.authed(s.handleGetOperation))
		r.Get("/get_operation_details", s.authed(s.handleOperationDetails))
		r.Post("/update_operation", s.authed(s.handleUpdateOperation))
		r.Post("/delete_operation", s.authed(s.handleDeleteOperation))
		r.Post("/set_last_used", s.authed(s.handleSetLastUsed))
		r.Post("/set_category_template", s.authed(s.handleSetCategoryTemplate))

		r.Get("/get_all_changes", s.authed(s.handleChanges))
		r.Get("/get_change_content", s.authed(s.handleChangeContent))
		r.Post("/set_version_name", s.authed(s.handleSetVersionName))
		r.Post("/undo_changes", s.authed(s.handleUndoChanges))
		r.Get("/get_working_copy_log", s.authed(s.handleCopyLog))
		r.Get("/get_working_copy_content", s.authed(s.handleCopyContent))

		r.Get("/authorized_users", s.authed(s.handleAuthorizedUsers))
		r.Get("/users_with_permission", s.authed(s.handleUsersWithPermission))
		r.Get("/users_without_permission", s.authed(s.handleUsersWithoutPermission))
		r.Post("/add_bulk_permissions", s.authed(s.handleAddPermissions))
		r.Post("/modify_bulk_permissions", s.authed(s.handleModifyPermissions))
		r.Post("/delete_bulk_permissions", s.authed(s.handleDeletePermissions))
		r.Post("/import_permissions", s.authed(s.handleImportPermissions))

		r.Get("/messages", s.authed(s.handleMessages))
		r.Post("/message_attachment", s.authed(s.handleMessageAttachment))
		r.Get("/uploads/{opID}/{name}", s.authed(s.handleUpload))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": "NOT_FOUND", "error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"code": "METHOD_NOT_ALLOWED", "error": "Method not allowed"})
	})
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, sess identity.Session, p params)

// authed reads the request fields, verifies the token and hands both to h.
// A bad or missing token answers with the legacy "False" body.
func (s *HTTPServer) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := readParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(p.String("token"))
		}
		if token == "" {
			s.writeError(w, r, apperr.Unauthorized("token required"))
			return
		}
		sess, err := s.service.Verify(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, sess, p)
	}
}

func (s *HTTPServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func (s *HTTPServer) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if id := middleware.GetReqID(r.Context()); id != "" {
			header.Set("X-Request-ID", id)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "Mscolab server", "use_saml2": s.useSAML2})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	database := map[string]any{"status": "ok"}
	if err := s.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		database = map[string]any{"status": "error", "error": err.Error()}
	}
	stats := s.service.Stats()
	writeJSON(w, status, map[string]any{
		"ok": status == http.StatusOK,
		"checks": map[string]any{
			"database": database,
			"realtime": map[string]any{"sessions": stats.Sessions, "rooms": stats.Rooms},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeText answers with a bare string for clients that compare the body
// against "True" and "False".
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// writeError maps err to its status. Authorization failures keep the legacy
// "False" body; everything else is a JSON error.
func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		writeText(w, status, "False")
		return
	case http.StatusInternalServerError:
		s.logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	body := map[string]any{
		"code":       code,
		"error":      apperr.Message(err),
		"request_id": middleware.GetReqID(r.Context()),
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	writeJSON(w, status, body)
}

// writeBool answers "True" on success and "False" on any client error.
func (s *HTTPServer) writeBool(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		writeText(w, http.StatusOK, "True")
		return
	}
	if status, _ := mapError(err); status >= http.StatusInternalServerError {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("request rejected", "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeText(w, http.StatusOK, "False")
}

func mapError(err error) (status int, code string) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusUnprocessableEntity, string(kind)
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized, string(kind)
	case apperr.KindForbidden:
		return http.StatusForbidden, string(kind)
	case apperr.KindNotFound:
		return http.StatusNotFound, string(kind)
	case apperr.KindConflict:
		return http.StatusConflict, string(kind)
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusInternalServerError, string(apperr.KindInternal)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
