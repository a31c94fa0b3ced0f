package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"trafficmon/internal/core"
	"trafficmon/internal/monitor"
	"trafficmon/internal/transports/common"
)

type contextKey string

const (
	ctxRequestID  contextKey = "request_id"
	ctxSubjectID  contextKey = "subject_id"
	ctxRoles      contextKey = "roles"
	ctxAuthMethod contextKey = "auth_method"
	ctxExecuteReq contextKey = "execute_req"
)

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) corsMiddleware() middleware {
	allowMethods := strings.Join(a.cfg.CORSAllowedMethods, ", ")
	allowHeaders := strings.Join(a.cfg.CORSAllowedHeaders, ", ")

	isMethodAllowed := func(method string) bool {
		for _, m := range a.cfg.CORSAllowedMethods {
			if strings.EqualFold(strings.TrimSpace(m), method) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := a.corsOrigins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}

			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

			if r.Method == http.MethodOptions {
				preflight := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
				if preflight != "" && !isMethodAllowed(preflight) {
					writeError(w, r, http.StatusForbidden, "cors_method_denied")
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) timeoutMiddleware(d time.Duration) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extendWriteDeadline поднимает дедлайн записи соединения над
// WriteTimeout сервера для долгих обработчиков.
func (a *Adapter) extendWriteDeadline(d time.Duration) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := http.NewResponseController(w)
			if err := rc.SetWriteDeadline(time.Now().Add(d + a.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
				a.log.Warn("extend write deadline failed", "path", r.URL.Path, "err", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authSubjectMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, roles, authMethod, code := a.resolveSubject(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectID, subjectID)
			ctx = context.WithValue(ctx, ctxRoles, roles)
			ctx = context.WithValue(ctx, ctxAuthMethod, authMethod)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) resolveSubject(r *http.Request) (string, []string, string, string) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) >= 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		if token == "" {
			return "", nil, "", "invalid_token"
		}
		sum := sha256.Sum256([]byte(token))
		entry, ok := a.tokensByHash[hex.EncodeToString(sum[:])]
		if !ok || !entry.Enabled || entry.Subject == "" {
			return "", nil, "", "invalid_token"
		}
		return entry.Subject, append([]string(nil), entry.Roles...), "bearer", ""
	}

	if a.cfg.AllowLegacySubjectHeader {
		if subjectID := strings.TrimSpace(r.Header.Get("X-Subject-ID")); subjectID != "" {
			return subjectID, nil, "legacy_header", ""
		}
	}
	return "", nil, "", "auth_required"
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorize(w http.ResponseWriter, r *http.Request, auditAction string, action core.Action, extra map[string]string) bool {
	subjectID := subjectIDFromContext(r.Context())
	if subjectID == "" {
		writeError(w, r, http.StatusUnauthorized, "auth_required")
		return false
	}
	if err := a.deps.Authorizer.Authorize(core.Subject{Source: "web", ID: subjectID}, action); err != nil {
		writeError(w, r, http.StatusForbidden, "access_denied")
		a.audit(r, auditAction, "denied", extra)
		return false
	}
	return true
}

func (a *Adapter) authorizeActionMiddleware(auditAction string, action core.Action) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.authorize(w, r, auditAction, action, nil) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// authorizeCheckMiddleware проверяет право traffic:<check> для ручного
// запуска; неизвестный тип проверки отсекается до authz.
func (a *Adapter) authorizeCheckMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			check := monitor.CheckType(r.PathValue("check"))
			if check != monitor.CheckFast && check != monitor.CheckDaily {
				writeError(w, r, http.StatusNotFound, "unknown_check")
				return
			}
			action := core.Action{Module: "traffic", Command: string(check)}
			if a.authorize(w, r, "web:traffic_check", action, map[string]string{"check": string(check)}) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

type executeRequest struct {
	Module  string   `json:"module"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (a *Adapter) authorizeExecuteMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subjectIDFromContext(r.Context()) == "" {
				writeError(w, r, http.StatusUnauthorized, "auth_required")
				return
			}
			req, code, statusCode := decodeExecuteRequest(r)
			if code != "" {
				writeError(w, r, statusCode, code)
				a.audit(r, "web:execute", "error", map[string]string{"error_code": code})
				return
			}
			action := core.Action{Module: req.Module, Command: req.Command}
			extra := map[string]string{"module": req.Module, "command": req.Command}
			if a.authorize(w, r, "web:execute", action, extra) {
				ctx := context.WithValue(r.Context(), ctxExecuteReq, req)
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

func decodeExecuteRequest(r *http.Request) (executeRequest, string, int) {
	var req executeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return executeRequest{}, "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return executeRequest{}, "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return executeRequest{}, "invalid_json", http.StatusBadRequest
	}
	req.Module = strings.ToLower(strings.TrimSpace(req.Module))
	req.Command = strings.ToLower(strings.TrimSpace(req.Command))
	if req.Module == "" || req.Command == "" {
		return executeRequest{}, "bad_command", http.StatusBadRequest
	}
	return req, "", 0
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
		default:
			return ""
		}
	}
	return id
}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func subjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectID).(string)
	return v
}

func rolesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxRoles).([]string)
	return v
}

func authMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}
