package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marginalia/internal/annotation"
	"marginalia/internal/apierr"
	"marginalia/internal/auth"
	"marginalia/internal/authpw"
	"marginalia/internal/export"
	"marginalia/internal/logging"
	"marginalia/internal/metrics"
	"marginalia/internal/search"
)

type HTTPServer struct {
	service    *Service
	ws         http.Handler
	metrics    *metrics.Metrics
	corsOrigin string
}

// NewHTTPServer creates the REST surface. ws serves /api/ws and m serves
// /metrics; either may be nil.
func NewHTTPServer(service *Service, ws http.Handler, m *metrics.Metrics, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, ws: ws, metrics: m, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case isRead && r.URL.Path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case isRead && r.URL.Path == "/api/ready":
		s.handleReady(w, r)
		return
	case isRead && r.URL.Path == "/metrics":
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, apierr.CodeNotFound, "Not found", nil)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/api/ws":
		if s.ws == nil {
			writeError(w, http.StatusServiceUnavailable, apierr.CodeServer, "Realtime not available", nil)
			return
		}
		s.ws.ServeHTTP(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup":
		s.handleSignUp(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin":
		s.handleSignIn(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		s.handleSession(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh":
		s.handleRefresh(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		s.handleLogout(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, apierr.CodeNotFound, "Not found", nil)
		return
	}

	identity, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "documents":
		s.handleDocuments(w, r, identity, parts[2:])
	case "annotations":
		s.handleAnnotations(w, r, identity, parts[2:])
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r, identity)
			return
		}
		writeError(w, http.StatusNotFound, apierr.CodeNotFound, "Not found", nil)
	default:
		writeError(w, http.StatusNotFound, apierr.CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"user":         session.User,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body authpw.SignUpRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body authpw.SignInRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromRequest(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	identity, err := s.service.Resolver().Resolve(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          identity.Profile,
		"expiresAt":     identity.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity{}
	if token, _ := auth.TokenFromRequest(r); token != "" {
		if resolved, err := s.service.Resolver().Resolve(r.Context(), token); err == nil {
			identity = resolved
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	s.service.Logout(r.Context(), identity, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, identity auth.Identity, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocuments(ctx, identity.ID)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
		case http.MethodPost:
			var body CreateDocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.CreateDocument(ctx, identity.ID, body)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	documentID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		doc, err := s.service.GetDocument(ctx, identity.ID, documentID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc})

	case len(rest) == 1 && rest[0] == "content" && r.Method == http.MethodGet:
		content, err := s.service.GetDocumentContent(ctx, identity.ID, documentID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "content": content})

	case len(rest) == 1 && rest[0] == "collaborators" && r.Method == http.MethodPost:
		var body AddCollaboratorInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.AddCollaborator(ctx, identity, documentID, body)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc})

	case len(rest) == 2 && rest[0] == "collaborators" && r.Method == http.MethodDelete:
		doc, err := s.service.RemoveCollaborator(ctx, identity.ID, documentID, rest[1])
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc})

	case len(rest) == 1 && rest[0] == "annotations" && r.Method == http.MethodGet:
		page, err := queryInt(r, "page", 1)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		pageSize, err := queryInt(r, "pageSize", annotation.DefaultPageSize)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		result, err := s.service.ListAnnotations(ctx, identity.ID, documentID, page, pageSize)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 1 && rest[0] == "annotations" && r.Method == http.MethodPost:
		var body CreateAnnotationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateAnnotation(ctx, identity, documentID, body)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"annotation": created})

	case len(rest) == 2 && rest[0] == "annotations" && rest[1] == "overlapping" && r.Method == http.MethodGet:
		start, err := requiredQueryInt(r, "start")
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		end, err := requiredQueryInt(r, "end")
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		items, err := s.service.OverlappingAnnotations(ctx, identity.ID, documentID, start, end)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(rest) == 2 && rest[0] == "annotations" && rest[1] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, identity, documentID)

	case len(rest) == 1 && rest[0] == "presence" && r.Method == http.MethodGet:
		entries, err := s.service.Presence(ctx, identity.ID, documentID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "users": entries})

	default:
		writeError(w, http.StatusNotFound, apierr.CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, identity auth.Identity, documentID string) {
	format, ok := export.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, apierr.CodeValidation, "format must be pdf or html", nil)
		return
	}
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("includeResolved"))

	result, err := s.service.ExportAnnotations(r.Context(), identity.ID, export.Request{
		DocumentID:      documentID,
		Format:          format,
		IncludeResolved: includeResolved,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, identity auth.Identity, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, apierr.CodeNotFound, "Not found", nil)
		return
	}
	annotationID := parts[0]

	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var body annotation.Patch
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateAnnotation(r.Context(), identity.ID, annotationID, body)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": updated})
	case http.MethodDelete:
		if err := s.service.DeleteAnnotation(r.Context(), identity.ID, annotationID); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "annotationId": annotationID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	response, err := s.service.Search(r.Context(), identity.ID, search.Query{
		Text:   r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token, _ := auth.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "Authentication required", nil)
		return auth.Identity{}, false
	}
	identity, err := s.service.Resolver().Resolve(r.Context(), token)
	if err != nil {
		logging.From(r.Context()).Debugf("resolve session: %v", err)
		writeError(w, http.StatusUnauthorized, apierr.CodeUnauthorized, "Authentication required", nil)
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		logger := logging.DefaultLogger().With("request_id", requestID)
		r = r.WithContext(logging.With(r.Context(), logger))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.metrics.ObserveHTTP(r.Method, writer.status)
		logger.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := apierr.Map(err)
	if status >= http.StatusInternalServerError {
		logging.From(r.Context()).Errorw("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Validation(key+" must be an integer", nil)
	}
	return value, nil
}

func requiredQueryInt(r *http.Request, key string) (int, error) {
	if strings.TrimSpace(r.URL.Query().Get(key)) == "" {
		return 0, apierr.Validation(key+" is required", nil)
	}
	return queryInt(r, key, 0)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
