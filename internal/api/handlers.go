package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soilsnap/edge/internal/lifecycle"
	"github.com/soilsnap/edge/internal/queue"
	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/types"
	"github.com/soilsnap/edge/internal/validation"
)

const (
	probeTimeout = 2 * time.Second
	maxBodyBytes = validation.MaxBodyBytes + 4096
)

// Store is the subset of the local store used by the control API.
type Store interface {
	queue.PendingStore
	GetAllPending(ctx context.Context) ([]types.PendingOperation, error)
	CountPending(ctx context.Context) (int, error)
	PutData(ctx context.Context, rec types.Record) error
	GetData(ctx context.Context, id string) (*types.Record, error)
}

// Worker is the installable worker behind the interception path.
type Worker interface {
	http.Handler
	State() lifecycle.State
	Dispatch(ctx context.Context, ev lifecycle.Event) (lifecycle.Effect, error)
}

// Prober reports upstream reachability.
type Prober interface {
	Probe(ctx context.Context) bool
}

// CacheLister lists the response caches.
type CacheLister interface {
	Names() ([]string, error)
}

// Deps wires the handler to its collaborators.
type Deps struct {
	Store   Store
	Sender  queue.Sender
	Sync    queue.SyncRegistrar
	Worker  Worker
	Prober  Prober
	Caches  CacheLister
	Hub     http.Handler
	Origin  string
	SyncTag string
	APIKey  string
	Version string

	// BaseContext bounds background work started by a request, such as a
	// replay pass. Defaults to context.Background.
	BaseContext context.Context
}

// Handler implements the control API handlers.
type Handler struct {
	deps     Deps
	online   *queue.Manager
	offline  *queue.Manager
	inflight sync.WaitGroup
}

// MessageAccepted is the reply to a message whose handling continues in the
// background.
type MessageAccepted struct {
	Event string `json:"event"`
	Type  string `json:"type"`
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.SyncTag == "" {
		d.SyncTag = edgesync.DefaultTag
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	return &Handler{
		deps:   d,
		online: queue.NewManager(d.Store, d.Sender, d.SyncTag, queue.WithRegistrar(d.Sync)),
		offline: queue.NewManager(d.Store, d.Sender, d.SyncTag,
			queue.WithRegistrar(d.Sync),
			queue.WithOnline(func() bool { return false }),
		),
	}
}

// Health handles GET /_sw/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := h.deps.Store.CountPending(ctx)
	if err != nil {
		slog.Error("health: count pending failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}
	caches, err := h.deps.Caches.Names()
	if err != nil {
		slog.Error("health: list caches failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if caches == nil {
		caches = []string{}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:       "healthy",
		Version:      h.deps.Version,
		State:        string(h.deps.Worker.State()),
		Origin:       h.deps.Origin,
		Online:       h.deps.Prober.Probe(probeCtx),
		PendingCount: pending,
		Caches:       caches,
	})
}

// Queue handles POST /_sw/queue. The operation is sent right away unless
// the caller reports itself offline; anything not confirmed is queued.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	var req types.QueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := validation.ValidateOperation(req.Operation); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Operation contains invalid fields", errs)
		return
	}

	m := h.online
	if req.Online != nil && !*req.Online {
		m = h.offline
	}
	out, err := m.SaveOrQueue(r.Context(), req.Operation)
	if err != nil {
		slog.Error("queue failed",
			"component", "api",
			"action", "queue",
			"url", req.URL,
			"client_id", ClientIDFromContext(r.Context()),
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if out.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// Pending handles GET /_sw/pending.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	ops, err := h.deps.Store.GetAllPending(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if ops == nil {
		ops = []types.PendingOperation{}
	}
	writeJSON(w, http.StatusOK, types.PendingListResponse{Pending: ops, Total: len(ops)})
}

// RegisterSync handles POST /_sw/sync.
func (h *Handler) RegisterSync(w http.ResponseWriter, r *http.Request) {
	var req types.SyncRegistration
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := validation.ValidateSyncTag(req.Tag); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Invalid sync registration", errs)
		return
	}
	if err := h.deps.Sync.Register(r.Context(), req.Tag); err != nil {
		slog.Error("sync registration failed", "component", "api", "tag", req.Tag, "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Background sync unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

// Message handles POST /_sw/message. PROCESS_QUEUE starts a replay pass that
// outlives the request and answers 202 at once; progress is broadcast over the
// websocket. Other message types are accepted and ignored.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var msg edgesync.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	if msg.Type != edgesync.MessageProcessQueue {
		writeJSON(w, http.StatusOK, lifecycle.Effect{Event: "message", Ignored: true})
		return
	}

	clientID := ClientIDFromContext(r.Context())
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if _, err := h.deps.Worker.Dispatch(h.deps.BaseContext, lifecycle.MessageEvent{Message: msg}); err != nil {
			slog.Error("message dispatch failed",
				"component", "api",
				"action", "message",
				"type", msg.Type,
				"client_id", clientID,
				"error", err,
			)
		}
	}()
	writeJSON(w, http.StatusAccepted, MessageAccepted{Event: "message", Type: msg.Type})
}

// Wait blocks until background work started by requests has finished.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// GetData handles GET /_sw/data/{id}.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Store.GetData(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutData handles PUT /_sw/data/{id}. The body is the record payload.
func (h *Handler) PutData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Request body too large")
		return
	}
	var c validation.Collector
	c.Add(validation.ValidateRequired("id", id))
	c.Add(validation.ValidateJSON("payload", body, validation.MaxBodyBytes))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid record", c.Errors())
		return
	}

	if err := h.deps.Store.PutData(r.Context(), types.Record{ID: id, Payload: body}); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
