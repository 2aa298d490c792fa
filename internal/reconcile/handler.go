package reconcile

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/count"
	"github.com/stockward/stockward/internal/platform/httpx"
	"github.com/stockward/stockward/internal/transfer"
)

// Handler wires HTTP endpoints for the reconciliation module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the reconcile handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reconciliations", h.open)
	r.Get("/reconciliations/{id}", h.get)
	r.Post("/reconciliations/{id}/items", h.upsertItem)
	r.Post("/reconciliations/{id}/approve", h.approve)
	r.Post("/reconciliations/{id}/reject", h.reject)
	r.Post("/reconciliation-items/{itemID}/analysis", h.analyse)
	r.Get("/reconciliation-items/{itemID}/analysis", h.getAnalysis)
}

type openRequest struct {
	TransferID     *int64 `json:"transfer_id,omitempty" validate:"omitempty,gt=0"`
	CountSessionID *int64 `json:"count_session_id,omitempty" validate:"omitempty,gt=0"`
	ActorID        int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if (req.TransferID == nil) == (req.CountSessionID == nil) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "exactly one of transfer_id or count_session_id is required")
		return
	}
	var created Reconciliation
	var err error
	if req.TransferID != nil {
		created, err = h.service.OpenFromTransfer(r.Context(), *req.TransferID, req.ActorID)
	} else {
		created, err = h.service.OpenFromCount(r.Context(), *req.CountSessionID, req.ActorID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reconciliation id required")
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

type upsertItemRequest struct {
	ProductID   int64   `json:"product_id" validate:"required,gt=0"`
	BatchNo     *string `json:"batch_no,omitempty" validate:"omitempty,max=50"`
	SystemQty   float64 `json:"system_qty" validate:"gte=0"`
	PhysicalQty float64 `json:"physical_qty" validate:"gte=0"`
	UnitCost    string  `json:"unit_cost" validate:"required"`
	ActorID     int64   `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) upsertItem(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reconciliation id required")
		return
	}
	var req upsertItemRequest
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
	item, err := h.service.UpsertItem(r.Context(), UpsertItemInput{
		ReconciliationID: id,
		ProductID:        req.ProductID,
		BatchNo:          req.BatchNo,
		SystemQty:        req.SystemQty,
		PhysicalQty:      req.PhysicalQty,
		UnitCost:         unitCost,
		ActorID:          req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

type verdictRequest struct {
	Notes   string `json:"notes" validate:"max=1000"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reconciliation id required")
		return
	}
	var req verdictRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	approved, err := h.service.Approve(r.Context(), id, req.ActorID, req.Notes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, approved)
}

type rejectRequest struct {
	Reason  string `json:"reason" validate:"required,max=1000"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reconciliation id required")
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rejected, err := h.service.Reject(r.Context(), id, req.ActorID, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rejected)
}

type analyseRequest struct {
	RootCause      string `json:"root_cause" validate:"required"`
	Preventable    bool   `json:"preventable"`
	AssessedImpact string `json:"assessed_impact" validate:"required"`
	Notes          string `json:"notes" validate:"max=1000"`
	ActorID        int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) analyse(w http.ResponseWriter, r *http.Request) {
	itemID := parseInt64(chi.URLParam(r, "itemID"))
	if itemID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item id required")
		return
	}
	var req analyseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	assessed, err := decimal.NewFromString(req.AssessedImpact)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "assessed_impact must be a decimal number")
		return
	}
	analysis, err := h.service.Analyse(r.Context(), AnalyseInput{
		ItemID:         itemID,
		RootCause:      RootCause(req.RootCause),
		Preventable:    req.Preventable,
		AssessedImpact: assessed,
		Notes:          req.Notes,
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, analysis)
}

func (h *Handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	itemID := parseInt64(chi.URLParam(r, "itemID"))
	if itemID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item id required")
		return
	}
	analysis, found, err := h.service.GetItemAnalysis(r.Context(), itemID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !found {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no analysis recorded for item")
		return
	}
	httpx.JSON(w, http.StatusOK, analysis)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrItemNotFound),
		errors.Is(err, transfer.ErrTransferNotFound), errors.Is(err, count.ErrSessionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyApproved), errors.Is(err, ErrFinalized),
		errors.Is(err, ErrSourceNotReady), errors.Is(err, ErrAnalysisExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrNoReceivedLines):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("reconcile handler", slog.Any("error", err))
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
