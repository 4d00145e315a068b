package intake

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/types"
)

const (
	headerSignature      = "X-Signature"
	headerIdempotencyKey = "X-Idempotency-Key"

	// maxBodySize caps webhook bodies; PSP events are small.
	maxBodySize = 1 << 20
)

// Handler is the webhook HTTP surface: POST /webhooks/{tenant}/{connection}.
type Handler struct {
	service *Service
	log     *zap.Logger
}

// NewHandler builds the webhook handler.
func NewHandler(service *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: service, log: log}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{tenant}/{connection}", h.handleWebhook)
}

type webhookResponse struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenant, err := types.ParseID(r.PathValue("tenant"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown tenant"})
		return
	}
	connectionID := r.PathValue("connection")

	signature := r.Header.Get(headerSignature)
	if signature == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing signature", Kind: "signature"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read body"})
		return
	}
	if len(body) > maxBodySize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
		return
	}

	outcome, err := h.service.Ingest(r.Context(), tenant, connectionID, Headers{
		Signature:      signature,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	}, body)
	if err != nil {
		h.log.Error("webhook ingest failed",
			zap.String("tenant", tenant.String()),
			zap.String("connection", connectionID),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	switch outcome.Status {
	case StatusAccepted:
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "accepted", IdempotencyKey: outcome.IdempotencyKey})
	case StatusDuplicate:
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "duplicate", IdempotencyKey: outcome.IdempotencyKey})
	case StatusRejected:
		switch outcome.RejectKind {
		case RejectSignature:
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "signature verification failed", Kind: "signature"})
		default:
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown connection", Kind: string(outcome.RejectKind)})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
