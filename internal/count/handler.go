package count

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/platform/httpx"
)

// Handler wires HTTP endpoints for physical counts.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the count handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/counts", h.start)
	r.Get("/counts/{id}", h.get)
	r.Get("/counts/{id}/scans", h.scans)
	r.Post("/counts/{id}/items", h.record)
	r.Post("/counts/{id}/complete", h.complete)
}

type startRequest struct {
	BranchID int64  `json:"branch_id" validate:"required,gt=0"`
	Note     string `json:"note" validate:"max=500"`
	ActorID  int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Start(r.Context(), StartInput{
		BranchID: req.BranchID,
		Note:     req.Note,
		ActorID:  req.ActorID,
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
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "session id required")
		return
	}
	session, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) scans(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "session id required")
		return
	}
	scans, err := h.service.Scans(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, scans)
}

type recordRequest struct {
	ProductID int64   `json:"product_id" validate:"required,gt=0"`
	BatchNo   *string `json:"batch_no,omitempty" validate:"omitempty,max=50"`
	Qty       float64 `json:"qty" validate:"gte=0"`
	UnitCost  string  `json:"unit_cost" validate:"required"`
	ActorID   int64   `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "session id required")
		return
	}
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	unitCost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal number")
		return
	}
	item, err := h.service.Record(r.Context(), RecordInput{
		SessionID: id,
		ProductID: req.ProductID,
		BatchNo:   req.BatchNo,
		Qty:       req.Qty,
		UnitCost:  unitCost,
		ActorID:   req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

type completeRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "session id required")
		return
	}
	var req completeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	completed, err := h.service.Complete(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, completed)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrSessionCompleted), errors.Is(err, ErrSessionNotCompleted):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("count handler", slog.Any("error", err))
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
