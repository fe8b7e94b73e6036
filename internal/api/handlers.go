package api

import (
    "encoding/json"
    "errors"
    "net/http"
    "strconv"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/rs/zerolog/log"

    "github.com/tambula/esp-listener/internal/auth"
    "github.com/tambula/esp-listener/internal/gateway"
    "github.com/tambula/esp-listener/internal/models"
    "github.com/tambula/esp-listener/internal/ota"
    "github.com/tambula/esp-listener/internal/protocol"
    "github.com/tambula/esp-listener/internal/storage"
    "github.com/tambula/esp-listener/internal/trigger"
)

// ========== Auth handlers ==========

// HandleLogin exchanges the operator password for an access token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
    var req struct {
        Password string `json:"password" validate:"required"`
    }

    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        s.respondError(w, http.StatusBadRequest, "invalid request body")
        return
    }

    if err := s.validator.Validate(req); err != nil {
        s.respondError(w, http.StatusBadRequest, err.Error())
        return
    }

    accessToken, expires, err := s.auth.Login(req.Password)
    if err != nil {
        if errors.Is(err, auth.ErrLoginDisabled) {
            s.respondError(w, http.StatusForbidden, "login disabled")
            return
        }
        s.respondError(w, http.StatusUnauthorized, "invalid credentials")
        return
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "access_token": accessToken,
        "expires_at":   expires,
        "expires_in":   int(s.config.JWT.AccessTokenTTL.Seconds()),
        "token_type":   "Bearer",
    })
}

// ========== Fleet handlers ==========

// HandleStats returns the counters plus live port and session counts
func (s *RESTServer) HandleStats(w http.ResponseWriter, r *http.Request) {
    snap := s.stats.Snapshot()
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "answers_processed": snap.AnswersProcessed,
        "errors":            snap.Errors,
        "ota_updates":       snap.OTAUpdates,
        "ota_successes":     snap.OTASuccesses,
        "ota_failures":      snap.OTAFailures,
        "uptime_seconds":    int64(snap.Uptime.Seconds()),
        "answer_rate":       snap.AnswerRate,
        "active_ports":      len(s.fleet.Ports()),
        "ota_sessions":      s.sessions.Len(),
    })
}

// HandleListPorts lists ports with a running handler
func (s *RESTServer) HandleListPorts(w http.ResponseWriter, r *http.Request) {
    ports := s.fleet.Ports()
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "ports": ports,
        "total": len(ports),
    })
}

// HandleGetSession returns the session id attached to answers
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "session_id": s.fleet.SessionID(),
        "mother_id":  s.config.Backend.MotherID,
    })
}

// HandleRefreshSession fetches a new session id from the backend
func (s *RESTServer) HandleRefreshSession(w http.ResponseWriter, r *http.Request) {
    if err := s.fleet.RefreshSession(r.Context()); err != nil {
        log.Warn().Err(err).Msg("Session refresh failed")
        s.respondError(w, http.StatusBadGateway, err.Error())
        return
    }
    s.HandleGetSession(w, r)
}

// ========== OTA handlers ==========

// HandleDispatchOTA sends a WiFi OTA command to one device
func (s *RESTServer) HandleDispatchOTA(w http.ResponseWriter, r *http.Request) {
    var req struct {
        DeviceID int    `json:"device_id" validate:"required,min=1,max=255"`
        Firmware string `json:"firmware" validate:"required,max=1024"`
        Port     string `json:"port"`
    }

    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        s.respondError(w, http.StatusBadRequest, "invalid request body")
        return
    }

    if err := s.validator.Validate(req); err != nil {
        s.respondError(w, http.StatusBadRequest, err.Error())
        return
    }

    port, err := s.fleet.Dispatch(r.Context(), trigger.Request{
        DeviceID: req.DeviceID,
        Firmware: req.Firmware,
        Port:     req.Port,
        Origin:   "api",
    })
    if err != nil {
        s.respondError(w, dispatchStatus(err), err.Error())
        return
    }

    session, _ := s.sessions.Get(req.DeviceID)
    s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
        "port":    port,
        "session": session,
    })
}

// dispatchStatus maps dispatch failures to HTTP status codes
func dispatchStatus(err error) int {
    switch {
    case errors.Is(err, trigger.ErrMalformed):
        return http.StatusBadRequest
    case errors.Is(err, ota.ErrSessionActive):
        return http.StatusConflict
    case errors.Is(err, gateway.ErrNoPorts), errors.Is(err, ota.ErrPortNotOpen):
        return http.StatusServiceUnavailable
    default:
        return http.StatusBadGateway
    }
}

// HandleListOTASessions lists the in-memory OTA sessions
func (s *RESTServer) HandleListOTASessions(w http.ResponseWriter, r *http.Request) {
    sessions := s.sessions.List()
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "sessions": sessions,
        "total":    len(sessions),
    })
}

// HandleGetOTASession gets the session for one device
func (s *RESTServer) HandleGetOTASession(w http.ResponseWriter, r *http.Request) {
    deviceID, ok := s.deviceIDParam(w, r)
    if !ok {
        return
    }

    session, found := s.sessions.Get(deviceID)
    if !found {
        s.respondError(w, http.StatusNotFound, "ota session not found")
        return
    }

    s.respondJSON(w, http.StatusOK, session)
}

// HandleClearOTASession forgets the session for one device
func (s *RESTServer) HandleClearOTASession(w http.ResponseWriter, r *http.Request) {
    deviceID, ok := s.deviceIDParam(w, r)
    if !ok {
        return
    }

    if !s.sessions.Clear(deviceID) {
        s.respondError(w, http.StatusNotFound, "ota session not found")
        return
    }

    w.WriteHeader(http.StatusNoContent)
}

// HandleOTAHistory lists persisted OTA sessions, newest first
func (s *RESTServer) HandleOTAHistory(w http.ResponseWriter, r *http.Request) {
    if s.store == nil {
        s.respondError(w, http.StatusServiceUnavailable, "database not configured")
        return
    }

    limit, offset := pageParams(r)

    var deviceID *int
    if raw := r.URL.Query().Get("device_id"); raw != "" {
        id, err := strconv.Atoi(raw)
        if err != nil {
            s.respondError(w, http.StatusBadRequest, "invalid device id")
            return
        }
        deviceID = &id
    }

    sessions, total, err := s.store.ListOTASessions(r.Context(), deviceID, limit, offset)
    if err != nil {
        s.respondError(w, http.StatusInternalServerError, err.Error())
        return
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "sessions": sessions,
        "total":    total,
    })
}

// ========== Event handlers ==========

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
    if s.store == nil {
        s.respondError(w, http.StatusServiceUnavailable, "database not configured")
        return
    }

    limit, offset := pageParams(r)
    filters := storage.EventLogFilters{}

    // Parse filters
    q := r.URL.Query()
    if port := q.Get("port"); port != "" {
        filters.Port = &port
    }

    if raw := q.Get("device_id"); raw != "" {
        if id, err := strconv.Atoi(raw); err == nil {
            filters.DeviceID = &id
        }
    }

    if eventType := q.Get("type"); eventType != "" {
        modelEventType := models.EventType(eventType)
        filters.Type = &modelEventType
    }

    if level := q.Get("level"); level != "" {
        modelEventLevel := models.EventLevel(level)
        filters.Level = &modelEventLevel
    }

    if since := q.Get("since"); since != "" {
        if t, err := time.Parse(time.RFC3339, since); err == nil {
            filters.StartTime = &t
        }
    }

    events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
    if err != nil {
        s.respondError(w, http.StatusInternalServerError, err.Error())
        return
    }

    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "events": events,
        "total":  total,
    })
}

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "status": "healthy",
        "time":   time.Now(),
    })
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
    s.respondJSON(w, http.StatusOK, map[string]interface{}{
        "service": s.config.Server.Name,
        "version": s.config.Server.Version,
        "health":  "/api/v1/health",
    })
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
    response, err := json.Marshal(payload)
    if err != nil {
        log.Error().Err(err).Msg("Failed to marshal response")
        w.WriteHeader(http.StatusInternalServerError)
        return
    }

    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
    s.respondJSON(w, status, map[string]string{
        "error": message,
    })
}

// ========== Helper functions ==========

// deviceIDParam parses the {device_id} path segment
func (s *RESTServer) deviceIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
    id, err := strconv.Atoi(chi.URLParam(r, "device_id"))
    if err != nil || id < protocol.MinDeviceID || id > protocol.MaxDeviceID {
        s.respondError(w, http.StatusBadRequest, "invalid device id")
        return 0, false
    }
    return id, true
}

// pageParams reads limit/offset, defaulting to 20/0
func pageParams(r *http.Request) (int, int) {
    limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
    if limit <= 0 || limit > 500 {
        limit = 20
    }
    offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
    if offset < 0 {
        offset = 0
    }
    return limit, offset
}
