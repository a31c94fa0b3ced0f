package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"trafficmon/internal/monitor"
	"trafficmon/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id":  requestIDFromContext(r.Context()),
		"subject":     subjectIDFromContext(r.Context()),
		"roles":       rolesFromContext(r.Context()),
		"auth_method": authMethodFromContext(r.Context()),
	})
}

func (a *Adapter) handleModules(w http.ResponseWriter, r *http.Request) {
	providers := a.deps.Registry.Providers()
	sort.Strings(providers)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"items":      providers,
	})
}

func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := r.Context().Value(ctxExecuteReq).(executeRequest)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "bad_command")
		a.audit(r, "web:execute", "error", map[string]string{"error_code": "bad_command"})
		return
	}
	extra := map[string]string{"module": req.Module, "command": req.Command}

	resp, err := a.deps.Registry.Execute(r.Context(), req.Module, req.Command, req.Args)
	if isTimeout(r.Context(), err) {
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
		extra["error_code"] = "request_timeout"
		a.audit(r, "web:execute", "error", extra)
		return
	}

	statusCode := http.StatusOK
	switch {
	case resp.ErrorCode == "module_not_found":
		statusCode = http.StatusNotFound
	case resp.ErrorCode == "already_running":
		statusCode = http.StatusConflict
	case err != nil:
		statusCode = http.StatusBadRequest
	}
	auditStatus := "ok"
	if err != nil || resp.Status == "error" {
		auditStatus = "error"
		extra["error_code"] = resp.ErrorCode
	}
	writeJSON(w, r, statusCode, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"status":     resp.Status,
		"data":       resp.Data,
		"message":    resp.Message,
		"error_code": resp.ErrorCode,
	})
	a.audit(r, "web:execute", auditStatus, extra)
}

func (a *Adapter) handleTrafficStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"status":     a.deps.Traffic.Status(r.Context()),
	})
}

func (a *Adapter) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	check := monitor.CheckType(r.PathValue("check"))
	extra := map[string]string{"check": string(check)}

	st := a.deps.Traffic.Status(r.Context())
	run, enabled := a.deps.Traffic.RunFastCheck, st.FastEnabled
	if check == monitor.CheckDaily {
		run, enabled = a.deps.Traffic.RunDailyCheck, st.DailyEnabled
	}
	if !enabled {
		writeError(w, r, http.StatusConflict, "check_disabled")
		extra["error_code"] = "check_disabled"
		a.audit(r, "web:traffic_check", "error", extra)
		return
	}

	started := time.Now()
	violations, err := run(r.Context())
	switch {
	case errors.Is(err, monitor.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, "already_running")
		extra["error_code"] = "already_running"
		a.audit(r, "web:traffic_check", "error", extra)
		return
	case isTimeout(r.Context(), err):
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
		extra["error_code"] = "request_timeout"
		a.audit(r, "web:traffic_check", "error", extra)
		return
	case err != nil:
		a.log.Error("manual check failed", "check", check, "subject", subjectIDFromContext(r.Context()), "err", err)
		writeError(w, r, http.StatusBadGateway, "check_failed")
		extra["error_code"] = "check_failed"
		a.audit(r, "web:traffic_check", "error", extra)
		return
	}

	if violations == nil {
		violations = []monitor.Violation{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id":  requestIDFromContext(r.Context()),
		"check":       check,
		"count":       len(violations),
		"violations":  violations,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	extra["violations"] = strconv.Itoa(len(violations))
	a.audit(r, "web:traffic_check", "ok", extra)
}

type alertDTO struct {
	AccountID   string  `json:"account_id"`
	CheckType   string  `json:"check_type"`
	AmountGB    float64 `json:"amount_gb"`
	ThresholdGB float64 `json:"threshold_gb"`
	NodeID      string  `json:"node_id,omitempty"`
	TS          string  `json:"ts"`
}

func (a *Adapter) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	records, err := a.deps.Store.RecentAlerts(r.Context(), limit)
	if err != nil {
		if isTimeout(r.Context(), err) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			return
		}
		a.log.Error("recent alerts query failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		return
	}
	items := make([]alertDTO, 0, len(records))
	for _, rec := range records {
		items = append(items, alertDTO{
			AccountID:   rec.AccountID,
			CheckType:   rec.CheckType,
			AmountGB:    rec.AmountGB,
			ThresholdGB: rec.ThresholdGB,
			NodeID:      rec.NodeID,
			TS:          rec.TS.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
}

type auditDTO struct {
	Subject   string          `json:"subject"`
	Action    string          `json:"action"`
	Source    string          `json:"source"`
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TS        string          `json:"ts"`
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := storage.AuditQuery{
		Subject: query.Get("subject"),
		Limit:   parseLimit(query.Get("limit")),
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := query.Get(p.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_"+p.name)
			return
		}
		*p.dst = ts
	}

	events, err := a.deps.Store.QueryAudit(r.Context(), q)
	if err != nil {
		code, statusCode := "query_failed", http.StatusInternalServerError
		if isTimeout(r.Context(), err) {
			code, statusCode = "request_timeout", http.StatusGatewayTimeout
		}
		writeError(w, r, statusCode, code)
		a.audit(r, "web:audit_query", "error", map[string]string{"error_code": code})
		return
	}

	items := make([]auditDTO, 0, len(events))
	for _, ev := range events {
		dto := auditDTO{
			Subject:   ev.Subject,
			Action:    ev.Action,
			Source:    ev.Source,
			Status:    ev.Status,
			RequestID: ev.RequestID,
			TS:        ev.TS.UTC().Format(time.RFC3339),
		}
		if json.Valid(ev.Payload) {
			dto.Payload = json.RawMessage(ev.Payload)
		}
		items = append(items, dto)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
	a.audit(r, "web:audit_query", "ok", map[string]string{"items": strconv.Itoa(len(items))})
}

// audit пишет событие даже после истечения таймаута запроса.
func (a *Adapter) audit(r *http.Request, action, status string, extra map[string]string) {
	if a.deps.Store == nil {
		return
	}
	payload := map[string]string{"auth_method": authMethodFromContext(r.Context())}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	subject := subjectIDFromContext(r.Context())
	err := a.deps.Store.SaveAudit(context.WithoutCancel(r.Context()), storage.AuditEvent{
		Subject:   subject,
		Action:    action,
		Source:    "web",
		Status:    status,
		RequestID: requestIDFromContext(r.Context()),
		Payload:   raw,
		TS:        time.Now().UTC(),
	})
	if err != nil {
		a.log.Warn("audit write failed", "action", action, "subject", subject, "err", err)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case "access_denied":
		return "access denied"
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	case "already_running":
		return "check of this type is already running"
	case "check_disabled":
		return "check is disabled in configuration"
	case "check_failed":
		return "check failed, see server logs"
	case "unknown_check":
		return "unknown check type, expected fast or daily"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if id := requestIDFromContext(r.Context()); id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
