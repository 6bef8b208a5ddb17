package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"assina/api/internal/artifact"
	"assina/api/internal/authpw"
	"assina/api/internal/session"
	"assina/api/internal/stamp"
	"assina/api/internal/verify"
)

const sessionCookie = "assina_session"

// Uploads larger than this are rejected before stamping.
const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/logout" {
		if cookie, err := r.Cookie(sessionCookie); err == nil {
			_ = s.service.Logout(r.Context(), cookie.Value)
		}
		clearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Verification and download are public: third parties hold only a
	// short code or a copy of the document.
	if r.URL.Path == "/verify/crc" {
		s.handleVerifyCode(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/verify/upload" {
		s.handleVerifyUpload(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/download/") {
		name := strings.TrimPrefix(r.URL.Path, "/download/")
		s.handleDownload(w, r, name)
		return
	}

	identity, token, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/session" {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user":          identityPayload(identity),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/sign" {
		if !s.checkCSRF(w, r, token) {
			return
		}
		s.handleSign(w, r, identity)
		return
	}

	if r.URL.Path == "/users" || r.URL.Path == "/users/delete" {
		if !identity.IsAdmin {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/users":
			s.handleListUsers(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/users":
			if !s.checkCSRF(w, r, token) {
				return
			}
			s.handleSaveUser(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/users/delete":
			if !s.checkCSRF(w, r, token) {
				return
			}
			s.handleDeleteUser(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		CPF   string `json:"cpf"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	res, err := s.service.Login(r.Context(), strings.ToLower(strings.TrimSpace(body.Email)), body.CPF, clientIP(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    res.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"csrfToken": res.CSRF,
		"user":      identityPayload(res.Identity),
	})
}

func (s *HTTPServer) handleSign(w http.ResponseWriter, r *http.Request, identity session.Identity) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid multipart form", nil)
		return
	}
	file, header, err := r.FormFile("arquivo")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "arquivo is required", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read upload", nil)
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Upload exceeds the size limit", nil)
		return
	}

	req := stamp.Request{
		FileName: header.Filename,
		Data:     data,
		Status:   strings.TrimSpace(r.FormValue("status")),
		Processo: strings.TrimSpace(r.FormValue("processo")),
		Selection: stamp.Rect{
			X: formFloat(r, "x"),
			Y: formFloat(r, "y"),
			W: formFloat(r, "w"),
			H: formFloat(r, "h"),
		},
		CanvasW: formFloat(r, "canvas_w"),
		CanvasH: formFloat(r, "canvas_h"),
		Page:    formInt(r, "page", 1),
	}

	res, err := s.service.SignDocument(r.Context(), identity, req, requestOrigin(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"arquivo":     res.FileName,
		"crc":         res.ShortCode,
		"sha256":      res.FullHash,
		"isPdf":       res.IsPDF,
		"downloadUrl": "/download/" + res.FileName,
	})
}

func (s *HTTPServer) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	// POST carries an optional copy to compare against the official one.
	if r.Method == http.MethodPost {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid multipart form", nil)
			return
		}
		code := strings.TrimSpace(r.FormValue("crc"))
		file, _, err := r.FormFile("arquivo")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "arquivo is required for comparison", nil)
			return
		}
		defer file.Close()

		official, uploadHash, same, err := s.service.CompareWithOfficial(r.Context(), code, file)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"arquivo":      official.FileName,
			"sha256":       official.FullHash,
			"uploadSha256": uploadHash,
			"match":        same,
			"downloadUrl":  "/download/" + official.FileName,
		})
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("crc"))
	m, err := s.service.VerifyByCode(r.Context(), code)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"arquivo":     m.FileName,
		"sha256":      m.FullHash,
		"downloadUrl": "/download/" + m.FileName,
	})
}

func (s *HTTPServer) handleVerifyUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid multipart form", nil)
		return
	}
	file, _, err := r.FormFile("arquivo")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "arquivo is required", nil)
		return
	}
	defer file.Close()

	m, err := s.service.VerifyByUpload(r.Context(), file)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"arquivo":     m.FileName,
		"sha256":      m.FullHash,
		"downloadUrl": "/download/" + m.FileName,
	})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request, name string) {
	rc, size, err := s.service.OpenArtifact(r.Context(), name)
	if err != nil {
		// Traversal attempts and unknown names look the same.
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("stream %s: %v", name, err)
	}
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list users", nil)
		return
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, map[string]any{
			"email":     u.Email,
			"nome":      u.Nome,
			"cpf":       u.CPFMasked,
			"orgao":     u.Orgao,
			"setor":     u.Setor,
			"matricula": u.Matricula,
			"cargo":     u.Cargo,
			"isAdmin":   u.IsAdmin,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": items})
}

func (s *HTTPServer) handleSaveUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EditEmail string `json:"editEmail"`
		Nome      string `json:"nome"`
		Email     string `json:"email"`
		CPF       string `json:"cpf"`
		Orgao     string `json:"orgao"`
		Setor     string `json:"setor"`
		Matricula string `json:"matricula"`
		Cargo     string `json:"cargo"`
		IsAdmin   bool   `json:"isAdmin"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	// editEmail present means edit-in-place, otherwise create.
	if strings.TrimSpace(body.EditEmail) != "" {
		err := s.service.UpdateUser(r.Context(), authpw.UpdateUserRequest{
			EditEmail: body.EditEmail,
			Nome:      body.Nome,
			Email:     body.Email,
			Orgao:     body.Orgao,
			Setor:     body.Setor,
			Matricula: body.Matricula,
			Cargo:     body.Cargo,
			ChangeCPF: strings.TrimSpace(body.CPF) != "",
			CPF:       body.CPF,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	user, err := s.service.CreateUser(r.Context(), authpw.CreateUserRequest{
		Nome:      body.Nome,
		Email:     body.Email,
		CPF:       body.CPF,
		Orgao:     body.Orgao,
		Setor:     body.Setor,
		Matricula: body.Matricula,
		Cargo:     body.Cargo,
		IsAdmin:   body.IsAdmin,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "email": user.Email})
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.DeleteUser(r.Context(), body.Email); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Identity, string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return session.Identity{}, "", false
	}
	identity, err := s.service.SessionFromToken(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			clearSessionCookie(w)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return session.Identity{}, "", false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return session.Identity{}, "", false
	}
	return identity, cookie.Value, true
}

// checkCSRF validates the per-session token on state-changing requests. It
// is read from the X-CSRF-Token header or, for multipart forms, the
// csrf_token field.
func (s *HTTPServer) checkCSRF(w http.ResponseWriter, r *http.Request, token string) bool {
	submitted := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if submitted == "" {
		submitted = strings.TrimSpace(r.FormValue("csrf_token"))
	}
	if err := s.service.VerifyCSRF(r.Context(), token, submitted); err != nil {
		writeError(w, http.StatusForbidden, "CSRF_MISMATCH", "CSRF token missing or invalid", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func identityPayload(id session.Identity) map[string]any {
	return map[string]any{
		"email":     id.Email,
		"nome":      id.Nome,
		"cpf":       id.CPFMasked,
		"orgao":     id.Orgao,
		"setor":     id.Setor,
		"matricula": id.Matricula,
		"cargo":     id.Cargo,
		"isAdmin":   id.IsAdmin,
	}
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func formFloat(r *http.Request, key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue(key)), 64)
	if err != nil {
		return 0
	}
	return v
}

func formInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(r.FormValue(key)))
	if err != nil {
		return fallback
	}
	return v
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or CPF", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrCPFTaken):
		return http.StatusConflict, "CPF_EXISTS", "CPF already registered", nil
	case errors.Is(err, authpw.ErrInvalidEmail):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid email", nil
	case errors.Is(err, authpw.ErrInvalidCPF):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "CPF must have 11 digits", nil
	case errors.Is(err, authpw.ErrUserNotFound):
		return http.StatusNotFound, "NOT_FOUND", "User not found", nil
	case errors.Is(err, verify.ErrBadCode):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Malformed verification code", nil
	case errors.Is(err, verify.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "No matching signed document", nil
	case errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, stamp.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT", "Send PDF, JPG or PNG", nil
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
