package transfer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockward/stockward/internal/platform/httpx"
	"github.com/stockward/stockward/internal/stock"
)

// Handler wires HTTP endpoints for the transfer module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transfers", h.create)
	r.Get("/transfers", h.list)
	r.Get("/transfers/{id}", h.get)
	r.Post("/transfers/{id}/status", h.updateStatus)
	r.Post("/transfers/{id}/lines/{lineID}/receive", h.receiveLine)
	r.Get("/transfers/overdue", h.listOverdue)
}

type createLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required,gt=0"`
	BatchNo   *string `json:"batch_no,omitempty" validate:"omitempty,max=50"`
	QtySent   float64 `json:"qty_sent" validate:"required,gt=0"`
	UnitPrice string  `json:"unit_price" validate:"required"`
}

type createTransferRequest struct {
	FromBranchID     *int64              `json:"from_branch_id,omitempty" validate:"omitempty,gt=0"`
	ToBranchID       int64               `json:"to_branch_id" validate:"required,gt=0"`
	SubDestination   *string             `json:"sub_destination,omitempty" validate:"omitempty,max=200"`
	ExpectedDelivery *string             `json:"expected_delivery,omitempty"`
	TransporterName  *string             `json:"transporter_name,omitempty" validate:"omitempty,max=200"`
	VehicleNumber    *string             `json:"vehicle_number,omitempty" validate:"omitempty,max=50"`
	Notes            string              `json:"notes" validate:"max=1000"`
	Lines            []createLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID          int64               `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		FromBranchID:    req.FromBranchID,
		ToBranchID:      req.ToBranchID,
		SubDestination:  req.SubDestination,
		TransporterName: req.TransporterName,
		VehicleNumber:   req.VehicleNumber,
		Notes:           req.Notes,
		ActorID:         req.ActorID,
	}
	if req.ExpectedDelivery != nil {
		expected, err := time.Parse(time.RFC3339, *req.ExpectedDelivery)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expected_delivery must be RFC3339")
			return
		}
		input.ExpectedDelivery = &expected
	}
	for _, line := range req.Lines {
		price, err := decimal.NewFromString(line.UnitPrice)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_price must be a decimal number")
			return
		}
		input.Lines = append(input.Lines, CreateLineInput{
			ProductID: line.ProductID,
			BatchNo:   line.BatchNo,
			QtySent:   line.QtySent,
			UnitPrice: price,
		})
	}
	created, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		FromBranchID: parseInt64(q.Get("from_branch_id")),
		ToBranchID:   parseInt64(q.Get("to_branch_id")),
		Status:       Status(q.Get("status")),
		Limit:        int(parseInt64(q.Get("limit"))),
		Offset:       int(parseInt64(q.Get("offset"))),
	}
	transfers, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, transfers)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transfer id required")
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

type updateStatusRequest struct {
	Status  string `json:"status" validate:"required"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transfer id required")
		return
	}
	var req updateStatusRequest
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

type receiveLineRequest struct {
	Qty     float64 `json:"qty" validate:"gte=0"`
	Notes   string  `json:"notes" validate:"max=500"`
	ActorID int64   `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) receiveLine(w http.ResponseWriter, r *http.Request) {
	transferID := parseInt64(chi.URLParam(r, "id"))
	lineID := parseInt64(chi.URLParam(r, "lineID"))
	if transferID == 0 || lineID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transfer and line id required")
		return
	}
	var req receiveLineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	line, err := h.service.ReceiveLine(r.Context(), ReceiveLineInput{
		TransferID: transferID,
		LineID:     lineID,
		Qty:        req.Qty,
		Notes:      req.Notes,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) listOverdue(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.service.ListOverdue(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, transfers)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTransferNotFound), errors.Is(err, ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTransferCancelled),
		errors.Is(err, ErrLineAlreadyReceived):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrSameBranch),
		errors.Is(err, ErrNoLines), errors.Is(err, stock.ErrNegativeStock):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("transfer handler", slog.Any("error", err))
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
