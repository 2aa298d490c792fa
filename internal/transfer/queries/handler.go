package queries

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stockward/stockward/internal/platform/httpx"
	"github.com/stockward/stockward/internal/transfer"
)

// Handler wires HTTP endpoints for transfer queries.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the queries handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/queries", h.raise)
	r.Get("/queries/{id}", h.get)
	r.Get("/transfers/{id}/queries", h.listByTransfer)
	r.Post("/queries/{id}/status", h.updateStatus)
	r.Post("/queries/{id}/escalate", h.escalate)
	r.Post("/queries/{id}/responses", h.respond)
	r.Post("/queries/{id}/financial-impact", h.calculateImpact)
}

type raiseRequest struct {
	TransferID  int64  `json:"transfer_id" validate:"required,gt=0"`
	LineID      *int64 `json:"line_id,omitempty" validate:"omitempty,gt=0"`
	Type        string `json:"type" validate:"required"`
	Priority    string `json:"priority" validate:"required"`
	Description string `json:"description" validate:"required,max=1000"`
	ActorID     int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) raise(w http.ResponseWriter, r *http.Request) {
	var req raiseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Raise(r.Context(), RaiseInput{
		TransferID:  req.TransferID,
		LineID:      req.LineID,
		Type:        QueryType(req.Type),
		Priority:    Priority(req.Priority),
		Description: req.Description,
		ActorID:     req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "query id required")
		return
	}
	q, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) listByTransfer(w http.ResponseWriter, r *http.Request) {
	transferID := parseInt64(chi.URLParam(r, "id"))
	if transferID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transfer id required")
		return
	}
	result, err := h.service.ListByTransfer(r.Context(), transferID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type statusRequest struct {
	Status  string `json:"status" validate:"required"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "query id required")
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	updated, err := h.service.UpdateStatus(r.Context(), id, Status(req.Status), req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type escalateRequest struct {
	Message string `json:"message" validate:"required,max=500"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) escalate(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "query id required")
		return
	}
	var req escalateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	updated, err := h.service.Escalate(r.Context(), id, req.Message, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type respondRequest struct {
	Message string `json:"message" validate:"required,max=1000"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "query id required")
		return
	}
	var req respondRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.Respond(r.Context(), id, req.Message, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

type actorRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) calculateImpact(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "query id required")
		return
	}
	var req actorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	q, created, err := h.service.CalculateFinancialImpact(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"query": q, "impact": created})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrQueryNotFound), errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, transfer.ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrImpactAlreadyLinked):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidPriority),
		errors.Is(err, ErrLineRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("queries handler", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func parseInt64(value string) int64 {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
