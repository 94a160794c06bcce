package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetrelay/fleetrelay/internal/command"
	"github.com/fleetrelay/fleetrelay/internal/presence"
	"github.com/fleetrelay/fleetrelay/internal/push"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from arbitrary origins; observers are
		// session-authenticated below.
		return true
	},
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// securityHeaders sets baseline security headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a valid operator session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.GetSessionFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

// requireCSRF validates the CSRF token on state-changing requests.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		session := sessionFromContext(r.Context())
		if session == nil || !s.auth.ValidateCSRF(session, r.Header.Get("X-CSRF-Token")) {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": s.hub.DeviceCount(),
	})
}

// handleLogin authenticates the operator and issues a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	if host, _, ok := strings.Cut(ip, ":"); ok {
		ip = host
	}

	if s.auth.IsRateLimited(ip) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req struct {
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.auth.CheckPassword(req.Password) || !s.auth.CheckTOTP(req.TOTP) {
		s.log.Warn().Str("ip", ip).Msg("failed login attempt")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	session, err := s.auth.CreateSession()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.auth.ResetRateLimit(ip)
	s.auth.SetSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"csrfToken": session.CSRFToken,
	})
}

// handleLogout destroys the operator session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := sessionFromContext(r.Context()); session != nil {
		_ = s.auth.DeleteSession(session.ID)
	}
	s.auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDevices returns the current device snapshot.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.tracker.CurrentList(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list devices")
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(list),
		"data":    list,
	})
}

// handleSubmitCommand accepts an operator command.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, command.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("failed to submit command")
		writeError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": entry})
}

// handleCommands lists every device's commands, newest first.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dispatcher.ListAll(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list commands")
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

// handleDeviceCommands lists one device's commands, newest first.
func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	entries, err := s.dispatcher.ListByDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list device commands")
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

// handleLatestCommand returns the device's most recent command.
func (s *Server) handleLatestCommand(w http.ResponseWriter, r *http.Request) {
	entry, err := s.dispatcher.LatestByDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read latest command")
		writeError(w, http.StatusInternalServerError, "failed to read latest command")
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": entry})
}

// handleCommandLogs returns the global audit log, newest first.
func (s *Server) handleCommandLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.dispatcher.AuditLog(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read audit log")
		writeError(w, http.StatusInternalServerError, "failed to read command logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

// handleCheckOnline triggers a rate-limited liveness ping to a device.
// The response is 200 whether or not the ping was actually sent; the
// cooldown outcome is reported in the body.
func (s *Server) handleCheckOnline(w http.ResponseWriter, r *http.Request) {
	id := presence.NormalizeID(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}

	res := s.cooldown.TryTrigger(id, s.cfg.PingCooldown)
	if !res.Allowed {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"uid":        id,
			"triggered":  false,
			"retryAfter": int64(res.RetryAfter.Seconds()),
		})
		return
	}

	token, err := s.deliveryToken(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("device", id).Msg("failed to resolve delivery token")
		writeError(w, http.StatusInternalServerError, "failed to resolve device")
		return
	}

	sent := false
	if token != "" {
		msg := push.Message{
			Token: token,
			Type:  push.TypeCheckOnline,
			Data:  map[string]string{"uniqueid": id},
		}
		if err := s.sender.Send(r.Context(), msg); err != nil {
			if errors.Is(err, push.ErrStaleToken) {
				s.log.Warn().Str("device", id).Msg("delivery token is stale")
			} else {
				s.log.Error().Err(err).Str("device", id).Msg("checkonline push failed")
			}
		} else {
			sent = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"uid":       id,
		"triggered": true,
		"sent":      sent,
	})
}

// handleCreateRestart records a one-shot restart request for a device.
func (s *Server) handleCreateRestart(w http.ResponseWriter, r *http.Request) {
	createdAt, err := s.ephemeral.Create(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"createdAt": createdAt,
	})
}

// handleReadRestart returns the live restart request, or null if there is
// none or it expired.
func (s *Server) handleReadRestart(w http.ResponseWriter, r *http.Request) {
	req, err := s.ephemeral.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read restart request")
		writeError(w, http.StatusInternalServerError, "failed to read restart request")
		return
	}
	if req == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": req})
}

// handleLastCheck returns the device's most recent presence transition.
func (s *Server) handleLastCheck(w http.ResponseWriter, r *http.Request) {
	lc, err := s.tracker.LastCheckFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read last check")
		writeError(w, http.StatusInternalServerError, "failed to read last check")
		return
	}
	if lc == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": lc})
}

// handleWatchReply installs the live reply watch for a device and returns
// the reply currently in the store, if any. Updates stream to observers
// over the WebSocket as brosReplyUpdate events.
func (s *Server) handleWatchReply(w http.ResponseWriter, r *http.Request) {
	id := presence.NormalizeID(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}

	s.hub.WatchReply(id)

	raw, err := s.store.Get(r.Context(), "checkOnline/"+id)
	if err != nil {
		s.log.Error().Err(err).Str("device", id).Msg("failed to read reply")
		writeError(w, http.StatusInternalServerError, "failed to read reply")
		return
	}

	var data any
	if raw != nil {
		m := make(map[string]any)
		if err := json.Unmarshal(raw, &m); err == nil {
			m["uid"] = id
			data = m
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "uid": id, "data": data})
}

// handleWebSocket upgrades the connection. Devices authenticate with the
// shared bearer token; observers with an operator session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientType := "observer"
	clientID := ""

	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token != "" {
		if !s.auth.ValidateDeviceToken(token) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		clientType = "device"
	} else {
		session, err := s.auth.GetSessionFromRequest(r)
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		clientID = session.ID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if clientID == "" && clientType == "observer" {
		clientID = uuid.NewString()
	}

	client := &Client{
		conn:       conn,
		clientType: clientType,
		clientID:   clientID,
		send:       make(chan []byte, 256),
		hub:        s.hub,
	}

	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) deliveryToken(ctx context.Context, id string) (string, error) {
	raw, err := s.store.Get(ctx, "devices/"+id)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}
	var dev struct {
		DeliveryToken string `json:"deliveryToken"`
	}
	if err := json.Unmarshal(raw, &dev); err != nil {
		return "", err
	}
	return dev.DeliveryToken, nil
}
