package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/firmware"
	"github.com/thanhtunguet/go-mesh-flow/internal/postgres"
	"github.com/thanhtunguet/go-mesh-flow/internal/provisioning"
	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
	"github.com/thanhtunguet/go-mesh-flow/services/gateway"
)

// REST exposes the gateway's workflows over HTTP.
type REST struct {
	gw      *gateway.Gateway
	prov    *provisioning.Provisioner
	remote  *provisioning.RemoteProvisioner
	updater *firmware.Updater
	store   meshredis.NodeStore
	repo    postgres.AuditRepository // nil = audit endpoints disabled
	logger  *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(
	gw *gateway.Gateway,
	prov *provisioning.Provisioner,
	remote *provisioning.RemoteProvisioner,
	updater *firmware.Updater,
	store meshredis.NodeStore,
	repo postgres.AuditRepository,
	logger *slog.Logger,
) *REST {
	return &REST{gw: gw, prov: prov, remote: remote, updater: updater, store: store, repo: repo, logger: logger}
}

// Routes mounts every endpoint on r.
func (h *REST) Routes(r chi.Router) {
	r.Post("/commands", h.SubmitCommand)
	r.Get("/nodes", h.ListNodes)
	r.Get("/nodes/{address}", h.GetNode)
	r.Post("/provisioning", h.Provision)
	r.Post("/provisioning/batch", h.ProvisionBatch)
	r.Post("/provisioning/remote", h.ProvisionRemote)
	r.Post("/firmware", h.UpdateFirmware)
	r.Get("/executions", h.RecentExecutions)
}

// SubmitCommandRequest is the JSON body for POST /api/v1/commands.
type SubmitCommandRequest struct {
	Target       uint16          `json:"target"`
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     int             `json:"priority"`
	TransitionMs int             `json:"transition_ms,omitempty"`
}

// SubmitCommandResponse is the 200 response body.
type SubmitCommandResponse struct {
	CommandID string              `json:"command_id"`
	Response  *transport.Response `json:"response,omitempty"`
}

// SubmitCommand handles POST /api/v1/commands. The call is synchronous: it
// returns once the command settled on the mesh or failed.
func (h *REST) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}

	cmd := &domain.CommandRequest{
		ID:           uuid.New().String(),
		Target:       req.Target,
		Type:         req.Type,
		Params:       req.Params,
		Priority:     req.Priority,
		TransitionMs: req.TransitionMs,
		CreatedAt:    time.Now().UTC(),
	}
	telemetry.GatewayCommandsAccepted.WithLabelValues("rest", req.Type).Inc()

	resp, err := h.gw.ExecuteCommand(r.Context(), cmd)
	if err != nil {
		h.logger.Error("command failed",
			slog.String("command_id", cmd.ID), slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SubmitCommandResponse{CommandID: cmd.ID, Response: resp})
}

// ListNodes handles GET /api/v1/nodes.
func (h *REST) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		h.logger.Error("list nodes", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

// GetNode handles GET /api/v1/nodes/{address}. The address may be decimal
// or 0x-prefixed hex.
func (h *REST) GetNode(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node address")
		return
	}
	node, err := h.store.GetNode(r.Context(), addr)
	if err != nil {
		var notFound *domain.NodeNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		h.logger.Error("get node", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read node")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ProvisionRequest is the JSON body for POST /api/v1/provisioning.
type ProvisionRequest struct {
	UUID       string `json:"uuid"`
	MACAddress string `json:"mac_address,omitempty"`
	Name       string `json:"name,omitempty"`
	// MaxRetries counts additional attempts after the first; 0 disables retry.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Provision handles POST /api/v1/provisioning.
func (h *REST) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UUID == "" {
		writeError(w, http.StatusBadRequest, "field 'uuid' is required")
		return
	}

	device := transport.Device{UUID: req.UUID, MACAddress: req.MACAddress}
	var (
		node *domain.MeshNode
		err  error
	)
	if req.MaxRetries > 0 {
		node, err = h.prov.ProvisionWithRetry(r.Context(), device, req.MaxRetries, time.Second)
	} else {
		node, err = h.prov.Provision(r.Context(), device)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	node.Name = req.Name

	if err := h.gw.PersistNode(r.Context(), node, node.Address+1); err != nil {
		h.logger.Error("failed to persist node",
			slog.String("uuid", req.UUID), slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusCreated, node)
}

// ProvisionBatchRequest is the JSON body for POST /api/v1/provisioning/batch.
type ProvisionBatchRequest struct {
	Devices      []transport.Device `json:"devices"`
	ChunkSize    int                `json:"chunk_size,omitempty"`
	ChunkDelayMs int                `json:"chunk_delay_ms,omitempty"`
}

// ProvisionBatch handles POST /api/v1/provisioning/batch.
func (h *REST) ProvisionBatch(w http.ResponseWriter, r *http.Request) {
	var req ProvisionBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Devices) == 0 {
		writeError(w, http.StatusBadRequest, "field 'devices' is required")
		return
	}

	outcomes, err := h.prov.ProvisionBatch(r.Context(), req.Devices, provisioning.BatchOptions{
		ChunkSize:  req.ChunkSize,
		ChunkDelay: time.Duration(req.ChunkDelayMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.persistOutcomes(r.Context(), outcomes)
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

// ProvisionRemoteRequest is the JSON body for POST /api/v1/provisioning/remote.
type ProvisionRemoteRequest struct {
	Via          uint16 `json:"via"`
	ScanWindowMs int    `json:"scan_window_ms,omitempty"`
}

// ProvisionRemote handles POST /api/v1/provisioning/remote: scan through
// the relay, then provision everything it found.
func (h *REST) ProvisionRemote(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRemoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	window := 10 * time.Second
	if req.ScanWindowMs > 0 {
		window = time.Duration(req.ScanWindowMs) * time.Millisecond
	}

	outcomes, err := h.remote.ProvisionFound(r.Context(), req.Via, window)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.persistOutcomes(r.Context(), outcomes)
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

// persistOutcomes stores every successfully provisioned node. Persistence
// failures are logged; the client already has the outcome list.
func (h *REST) persistOutcomes(ctx context.Context, outcomes []domain.ProvisionOutcome) {
	for _, o := range outcomes {
		if !o.Success || o.Node == nil {
			continue
		}
		if err := h.gw.PersistNode(ctx, o.Node, o.Node.Address+1); err != nil {
			h.logger.Error("failed to persist node",
				slog.String("uuid", o.DeviceUUID), slog.String("error", err.Error()))
		}
	}
}

// FirmwareRequest is the JSON body for POST /api/v1/firmware.
type FirmwareRequest struct {
	Nodes         []uint16 `json:"nodes"`
	ImageURI      string   `json:"image_uri"`
	TargetVersion string   `json:"target_version"`
}

// UpdateFirmware handles POST /api/v1/firmware. Nodes are updated
// sequentially; the call returns when the whole batch settled.
func (h *REST) UpdateFirmware(w http.ResponseWriter, r *http.Request) {
	var req FirmwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Nodes) == 0 || req.ImageURI == "" {
		writeError(w, http.StatusBadRequest, "fields 'nodes' and 'image_uri' are required")
		return
	}

	outcomes := h.updater.UpdateBatch(r.Context(), req.Nodes, req.ImageURI, req.TargetVersion)
	if h.repo != nil {
		for i := range outcomes {
			if err := h.repo.RecordFirmwareUpdate(r.Context(), &outcomes[i]); err != nil {
				h.logger.Error("failed to record firmware update", slog.String("error", err.Error()))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

// RecentExecutions handles GET /api/v1/executions?limit=N.
func (h *REST) RecentExecutions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusNotImplemented, "audit trail disabled")
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	execs, err := h.repo.RecentExecutions(r.Context(), limit)
	if err != nil {
		h.logger.Error("recent executions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz; checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.store.Cursor(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.ErrKind(err) {
	case domain.KindQueue:
		var full *domain.QueueFullError
		if errors.As(err, &full) {
			return http.StatusTooManyRequests
		}
		return http.StatusConflict
	case domain.KindCommand:
		var timeout *domain.CommandTimeoutError
		if errors.As(err, &timeout) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadRequest
	case domain.KindConnectivity:
		return http.StatusServiceUnavailable
	case domain.KindProvisioning, domain.KindFirmware:
		return http.StatusBadGateway
	case domain.KindNetwork:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	n, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
