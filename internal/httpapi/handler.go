// Package httpapi serves the access API as JSON over HTTP. Callers are
// identified by headers set by an upstream authenticating proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/projectdesk/accessq/internal/access"
	"github.com/projectdesk/accessq/internal/admission"
	"github.com/projectdesk/accessq/internal/archive"
	"github.com/projectdesk/accessq/internal/blobstore"
	"github.com/projectdesk/accessq/internal/notify"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

const (
	HeaderRequesterID = "X-Requester-Id"
	HeaderRole        = "X-Role"

	maxHistoryLimit = 1000
)

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	WSWriteTimeout time.Duration
	WSPingInterval time.Duration

	// MetricsHandler is served at GET /metrics when set.
	MetricsHandler http.Handler

	// Archive backs the /v1/admin/archive endpoints; nil answers 503.
	Archive LeaseArchive

	Now    func() time.Time
	Logger *slog.Logger
}

// AccessService is the admission surface exposed over HTTP.
type AccessService interface {
	RequestAccess(ctx context.Context, resourceID, requesterID string, role access.Role) (admission.AccessResult, error)
	GetStatus(ctx context.Context, resourceID, requesterID string) (admission.Status, error)
	LeaveQueue(ctx context.Context, resourceID, requesterID string) error
	EndLease(ctx context.Context, leaseID, requesterID string) (access.Lease, error)
	TerminateLease(ctx context.Context, leaseID string, actor admission.Actor) (access.Lease, error)
	RequestExtension(ctx context.Context, in admission.ExtensionInput) (access.ExtensionRequest, error)
	DecideExtension(ctx context.Context, requestID string, decider admission.Actor, approve bool, reason string) (admission.Outcome, error)
	ListActiveLeases(ctx context.Context) ([]access.Lease, error)
	ListQueues(ctx context.Context) (map[string][]access.RankedEntry, error)
	ListPendingExtensions(ctx context.Context) ([]access.ExtensionRequest, error)
	ListRecentLeases(ctx context.Context, limit int) ([]access.Lease, error)
}

type CounterReconciler interface {
	ReconcileCounter(ctx context.Context, requesterID string) (access.Counter, error)
	ReconcileAllGuestCounters(ctx context.Context) (int, error)
}

// LeaseArchive reads leases archived after they ended.
type LeaseArchive interface {
	Load(ctx context.Context, resourceID, leaseID string) (archive.Record, error)
	LeaseIDs(ctx context.Context, resourceID string, limit int) ([]string, error)
}

// NewHandler builds the API. reconciler and hub may be nil; their endpoints
// then answer 503.
func NewHandler(cfg Config, svc AccessService, reconciler CounterReconciler, hub *notify.Hub) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil access service", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 10 * time.Second
	}
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:        cfg,
		svc:        svc,
		reconciler: reconciler,
		hub:        hub,
		log:        cfg.Logger,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
		upgrader: websocket.Upgrader{
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	mux.HandleFunc("POST /v1/resources/{resourceId}/access", h.handleRequestAccess)
	mux.HandleFunc("GET /v1/resources/{resourceId}/status", h.handleStatus)
	mux.HandleFunc("DELETE /v1/resources/{resourceId}/queue", h.handleLeaveQueue)
	mux.HandleFunc("POST /v1/leases/{leaseId}/end", h.handleEndLease)
	mux.HandleFunc("POST /v1/leases/{leaseId}/terminate", h.handleTerminateLease)
	mux.HandleFunc("POST /v1/leases/{leaseId}/extensions", h.handleRequestExtension)
	mux.HandleFunc("POST /v1/extensions/{requestId}/decision", h.handleDecideExtension)
	mux.HandleFunc("GET /v1/admin/leases", h.handleListActiveLeases)
	mux.HandleFunc("GET /v1/admin/leases/history", h.handleListRecentLeases)
	mux.HandleFunc("GET /v1/admin/queues", h.handleListQueues)
	mux.HandleFunc("GET /v1/admin/extensions", h.handleListPendingExtensions)
	mux.HandleFunc("GET /v1/admin/archive/{resourceId}", h.handleListArchived)
	mux.HandleFunc("GET /v1/admin/archive/{resourceId}/{leaseId}", h.handleGetArchived)
	mux.HandleFunc("POST /v1/admin/reconcile", h.handleReconcile)
	mux.HandleFunc("GET /v1/ws", h.handleWS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks and scrapes must never be throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	svc        AccessService
	reconciler CounterReconciler
	hub        *notify.Hub
	log        *slog.Logger
	limiter    *ipRateLimiter
	upgrader   websocket.Upgrader
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RequestAccess(r.Context(), r.PathValue("resourceId"), actor.ID, actor.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Granted {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": "v1",
			"granted": true,
			"lease":   notify.NewLeaseView(res.Lease),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"version":         "v1",
		"granted":         false,
		"position":        res.Position,
		"estimatedWaitMs": res.EstimatedWait.Milliseconds(),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	st, err := h.svc.GetStatus(r.Context(), r.PathValue("resourceId"), actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"version":        "v1",
		"hasActiveLease": st.HasActiveLease,
		"queued":         st.Queued,
	}
	if st.HasActiveLease {
		resp["lease"] = notify.NewLeaseView(st.Lease)
		resp["remainingMs"] = st.Lease.Remaining(h.cfg.Now()).Milliseconds()
	}
	if st.Queued {
		resp["queuePosition"] = st.QueuePosition
		resp["estimatedWaitMs"] = st.EstimatedWait.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := h.svc.LeaveQueue(r.Context(), r.PathValue("resourceId"), actor.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"left":    true,
	})
}

func (h *handler) handleEndLease(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	l, err := h.svc.EndLease(r.Context(), r.PathValue("leaseId"), actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"lease":   notify.NewLeaseView(l),
	})
}

func (h *handler) handleTerminateLease(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	l, err := h.svc.TerminateLease(r.Context(), r.PathValue("leaseId"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"lease":   notify.NewLeaseView(l),
	})
}

type extensionRequestBody struct {
	DurationMS int64 `json:"durationMs"`
}

func (h *handler) handleRequestExtension(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body extensionRequestBody
	if r.ContentLength != 0 {
		if body, ok = decodeJSONBody[extensionRequestBody](w, r); !ok {
			return
		}
	}
	req, err := h.svc.RequestExtension(r.Context(), admission.ExtensionInput{
		LeaseID:     r.PathValue("leaseId"),
		RequesterID: actor.ID,
		Duration:    time.Duration(body.DurationMS) * time.Millisecond,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"version":   "v1",
		"extension": notify.NewExtensionView(req),
	})
}

type decisionRequestBody struct {
	Approve *bool  `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *handler) handleDecideExtension(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[decisionRequestBody](w, r)
	if !ok {
		return
	}
	if body.Approve == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "missing_approve",
		})
		return
	}
	out, err := h.svc.DecideExtension(r.Context(), r.PathValue("requestId"), actor, *body.Approve, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"approved":  out.Approved,
		"extension": notify.NewExtensionView(out.Request),
		"lease":     notify.NewLeaseView(out.Lease),
	})
}

func (h *handler) handleListActiveLeases(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r); !ok {
		return
	}
	leases, err := h.svc.ListActiveLeases(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"leases":  leaseViews(leases),
	})
}

func (h *handler) handleListRecentLeases(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role != access.RoleSuperadmin {
		writeForbidden(w)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	leases, err := h.svc.ListRecentLeases(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"leases":  leaseViews(leases),
	})
}

func (h *handler) requireArchive(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := requireActor(w, r)
	if !ok {
		return false
	}
	if actor.Role != access.RoleSuperadmin {
		writeForbidden(w)
		return false
	}
	if h.cfg.Archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "archive_unavailable",
		})
		return false
	}
	return true
}

func (h *handler) handleListArchived(w http.ResponseWriter, r *http.Request) {
	if !h.requireArchive(w, r) {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	ids, err := h.cfg.Archive.LeaseIDs(r.Context(), r.PathValue("resourceId"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"resourceId": r.PathValue("resourceId"),
		"leaseIds":   ids,
	})
}

func (h *handler) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	if !h.requireArchive(w, r) {
		return
	}
	rec, err := h.cfg.Archive.Load(r.Context(), r.PathValue("resourceId"), r.PathValue("leaseId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"eventId": rec.EventID,
		"lease":   rec.Lease,
	})
}

func (h *handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r); !ok {
		return
	}
	queues, err := h.svc.ListQueues(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make(map[string]*notify.QueueView, len(queues))
	for id, q := range queues {
		views[id] = notify.NewQueueView(q)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"queues":  views,
	})
}

func (h *handler) handleListPendingExtensions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r); !ok {
		return
	}
	reqs, err := h.svc.ListPendingExtensions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]*notify.ExtensionView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, notify.NewExtensionView(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"extensions": views,
	})
}

func (h *handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrivileged(w, r); !ok {
		return
	}
	if h.reconciler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "reconcile_unavailable",
		})
		return
	}
	if id := strings.TrimSpace(r.URL.Query().Get("requesterId")); id != "" {
		c, err := h.reconciler.ReconcileCounter(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":      "v1",
			"requesterId":  c.RequesterID,
			"role":         c.Role.String(),
			"activeLeases": c.ActiveLeases,
		})
		return
	}
	n, err := h.reconciler.ReconcileAllGuestCounters(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"reconciled": n,
	})
}

func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "notifications_unavailable",
		})
		return
	}
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if !notify.ValidChannel(channel) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_channel",
		})
		return
	}
	if channel == notify.ObserversChannel && !actor.Role.Privileged() {
		writeForbidden(w)
		return
	}

	sub, err := h.hub.Subscribe(channel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Warn("websocket upgrade", "channel", channel, "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.cfg.WSPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(h.cfg.WSWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WSWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write", "channel", channel, "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WSWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (admission.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderRequesterID))
	rawRole := strings.TrimSpace(r.Header.Get(HeaderRole))
	if id == "" || rawRole == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"version": "v1",
			"error":   "missing_identity",
		})
		return admission.Actor{}, false
	}
	role, err := access.ParseRole(rawRole)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_role",
		})
		return admission.Actor{}, false
	}
	return admission.Actor{ID: id, Role: role}, true
}

func requirePrivileged(w http.ResponseWriter, r *http.Request) (admission.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return admission.Actor{}, false
	}
	if !actor.Role.Privileged() {
		writeForbidden(w)
		return admission.Actor{}, false
	}
	return actor, true
}

func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]any{
		"version": "v1",
		"error":   "forbidden",
	})
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, access.ErrInvalidInput), errors.Is(err, notify.ErrInvalidChannel), errors.Is(err, blobstore.ErrInvalidKey):
		code, name = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, access.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		code, name = http.StatusNotFound, "not_found"
	case errors.Is(err, access.ErrForbidden):
		code, name = http.StatusForbidden, "forbidden"
	case errors.Is(err, access.ErrConflict):
		code, name = http.StatusConflict, "conflict"
	case errors.Is(err, access.ErrInvalidState):
		code, name = http.StatusConflict, "invalid_state"
	case errors.Is(err, access.ErrUnavailable):
		code, name = http.StatusServiceUnavailable, "unavailable"
	}
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   name,
	})
}

// parseLimit reads ?limit; absent means the store default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxHistoryLimit {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_limit",
		})
		return 0, false
	}
	return n, true
}

func leaseViews(leases []access.Lease) []*notify.LeaseView {
	out := make([]*notify.LeaseView, 0, len(leases))
	for _, l := range leases {
		out = append(out, notify.NewLeaseView(l))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}
