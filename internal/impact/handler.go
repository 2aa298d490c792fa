package impact

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
	"github.com/stockward/stockward/internal/shared"
)

// Handler wires HTTP endpoints for the financial impact module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the impact handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers impact routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/impacts", h.create)
	r.Get("/impacts/{id}", h.get)
	r.Get("/impacts", h.listByRef)
	r.Post("/impacts/{id}/recoveries", h.recordRecovery)
	r.Post("/impacts/{id}/ledger-posting", h.postToLedger)
	r.Get("/impacts/summary/by-type", h.summaryByType)
	r.Get("/impacts/summary/by-category", h.summaryByCategory)
	r.Get("/impacts/outstanding-recoverable", h.outstandingRecoverable)
}

type createRequest struct {
	Type          string `json:"type" validate:"required"`
	Category      string `json:"category" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	IsRecoverable bool   `json:"is_recoverable"`
	RefKind       string `json:"ref_kind" validate:"required"`
	RefID         int64  `json:"ref_id" validate:"required,gt=0"`
	BranchID      *int64 `json:"branch_id,omitempty" validate:"omitempty,gt=0"`
	Description   string `json:"description" validate:"max=500"`
	OccurredAt    string `json:"occurred_at" validate:"required"`
	ActorID       int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal number")
		return
	}
	occurredAt, err := time.Parse("2006-01-02", req.OccurredAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "occurred_at must be YYYY-MM-DD")
		return
	}
	created, err := h.service.Create(r.Context(), CreateInput{
		Type:          Type(req.Type),
		Category:      Category(req.Category),
		Amount:        amount,
		IsRecoverable: req.IsRecoverable,
		Ref:           shared.Reference{Kind: shared.RefKind(req.RefKind), ID: req.RefID},
		BranchID:      req.BranchID,
		Description:   req.Description,
		OccurredAt:    occurredAt,
		ActorID:       req.ActorID,
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
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "impact id required")
		return
	}
	impact, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, impact)
}

func (h *Handler) listByRef(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := shared.Reference{Kind: shared.RefKind(q.Get("ref_kind")), ID: parseInt64(q.Get("ref_id"))}
	impacts, err := h.service.ListByRef(r.Context(), ref)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, impacts)
}

type recoveryRequest struct {
	Amount  string `json:"amount" validate:"required"`
	Notes   string `json:"notes" validate:"max=500"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) recordRecovery(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "impact id required")
		return
	}
	var req recoveryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal number")
		return
	}
	updated, err := h.service.RecordRecovery(r.Context(), id, amount, req.Notes, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type ledgerPostingRequest struct {
	DebitAccountID  int64 `json:"debit_account_id" validate:"required,gt=0"`
	CreditAccountID int64 `json:"credit_account_id" validate:"required,gt=0"`
	ActorID         int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) postToLedger(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "impact id required")
		return
	}
	var req ledgerPostingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	posted, err := h.service.PostToLedger(r.Context(), id, req.DebitAccountID, req.CreditAccountID, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, posted)
}

func (h *Handler) summaryByType(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSummaryFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	summaries, err := h.service.SummaryByType(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summaries)
}

func (h *Handler) summaryByCategory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSummaryFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	summaries, err := h.service.SummaryByCategory(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summaries)
}

func (h *Handler) outstandingRecoverable(w http.ResponseWriter, r *http.Request) {
	total, err := h.service.OutstandingRecoverable(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"outstanding_recoverable": total})
}

func parseSummaryFilter(r *http.Request) (SummaryFilter, error) {
	q := r.URL.Query()
	var filter SummaryFilter
	var err error
	if v := q.Get("from"); v != "" {
		if filter.From, err = time.Parse("2006-01-02", v); err != nil {
			return SummaryFilter{}, errors.New("from must be YYYY-MM-DD")
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = time.Parse("2006-01-02", v); err != nil {
			return SummaryFilter{}, errors.New("to must be YYYY-MM-DD")
		}
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	filter.BranchID = parseInt64(q.Get("branch_id"))
	return filter, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrImpactNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrRecoveryExceedsImpact), errors.Is(err, ErrAlreadyPosted):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, shared.ErrInvalidReference):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("impact handler", slog.Any("error", err))
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
