package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/stockward/stockward/internal/platform/httpx"
	"github.com/stockward/stockward/internal/shared"
)

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	tbGroup  singleflight.Group
	printer  *message.Printer
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		printer:  message.NewPrinter(language.English),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/accounts", h.createAccount)
	r.Get("/accounts", h.listAccounts)
	r.Get("/accounts/{id}/balance", h.accountBalance)
	r.Get("/accounts/{id}/entries", h.accountEntries)
	r.Post("/postings", h.postDoubleEntry)
	r.Get("/trial-balance", h.trialBalance)
	r.Get("/trial-balance.csv", h.trialBalanceCSV)
}

type createAccountRequest struct {
	Code     string `json:"code" validate:"required,max=32"`
	Name     string `json:"name" validate:"required,max=200"`
	Type     string `json:"type" validate:"required"`
	ParentID *int64 `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	account, err := h.service.CreateAccount(r.Context(), CreateAccountInput{
		Code:     req.Code,
		Name:     req.Name,
		Type:     AccountType(req.Type),
		ParentID: req.ParentID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, account)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	accounts, err := h.service.ListAccounts(r.Context(), activeOnly)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accounts)
}

func (h *Handler) accountBalance(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	if id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "account id required")
		return
	}
	q := r.URL.Query()
	var balance decimal.Decimal
	var err error
	switch {
	case q.Get("with_descendants") == "true":
		balance, err = h.service.TotalBalanceWithDescendants(r.Context(), id)
	case q.Get("at") != "":
		var at time.Time
		at, err = time.Parse("2006-01-02", q.Get("at"))
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "at must be YYYY-MM-DD")
			return
		}
		balance, err = h.service.GetBalanceAtDate(r.Context(), id, endOfDay(at))
	default:
		balance, err = h.service.GetCurrentBalance(r.Context(), id)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"account_id": id, "balance": balance})
}

func (h *Handler) accountEntries(w http.ResponseWriter, r *http.Request) {
	id := parseInt64(chi.URLParam(r, "id"))
	limit := int(parseInt64(r.URL.Query().Get("limit")))
	entries, err := h.service.ListEntries(r.Context(), id, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

type postingRequest struct {
	DebitAccountID  int64  `json:"debit_account_id" validate:"required,gt=0"`
	CreditAccountID int64  `json:"credit_account_id" validate:"required,gt=0"`
	Date            string `json:"date" validate:"required"`
	RefKind         string `json:"ref_kind" validate:"required"`
	RefID           int64  `json:"ref_id" validate:"required,gt=0"`
	Memo            string `json:"memo" validate:"max=500"`
	Amount          string `json:"amount" validate:"required"`
	ActorID         int64  `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) postDoubleEntry(w http.ResponseWriter, r *http.Request) {
	var req postingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal number")
		return
	}
	debitEntry, creditEntry, err := h.service.PostDoubleEntry(r.Context(), PostingInput{
		DebitAccountID:  req.DebitAccountID,
		CreditAccountID: req.CreditAccountID,
		Date:            date,
		Ref:             shared.Reference{Kind: shared.RefKind(req.RefKind), ID: req.RefID},
		Memo:            req.Memo,
		Amount:          amount,
		ActorID:         req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"debit": debitEntry, "credit": creditEntry})
}

func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	tb, err := h.buildTrialBalance(r.Context(), r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tb)
}

func (h *Handler) trialBalanceCSV(w http.ResponseWriter, r *http.Request) {
	tb, err := h.buildTrialBalance(r.Context(), r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=trial_balance.csv")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"Code", "Name", "Type", "Debit", "Credit", "Net"})
	for _, row := range tb.Rows {
		_ = writer.Write([]string{
			row.Code,
			row.Name,
			string(row.Type),
			h.formatAmount(row.Debit),
			h.formatAmount(row.Credit),
			h.formatAmount(row.Net()),
		})
	}
	_ = writer.Write([]string{"TOTAL", "", "", h.formatAmount(tb.TotalDebit), h.formatAmount(tb.TotalCredit), h.formatAmount(tb.TotalNet)})
	writer.Flush()
}

// buildTrialBalance collapses concurrent identical report requests into one
// repository scan via singleflight.
func (h *Handler) buildTrialBalance(ctx context.Context, fromStr, toStr string) (TrialBalance, error) {
	var from, to time.Time
	var err error
	if fromStr != "" {
		if from, err = time.Parse("2006-01-02", fromStr); err != nil {
			return TrialBalance{}, fmt.Errorf("%w: from must be YYYY-MM-DD", errValidation)
		}
	}
	if toStr != "" {
		if to, err = time.Parse("2006-01-02", toStr); err != nil {
			return TrialBalance{}, fmt.Errorf("%w: to must be YYYY-MM-DD", errValidation)
		}
		to = endOfDay(to)
	}
	key := fmt.Sprintf("tb:%s:%s", fromStr, toStr)
	v, err, _ := h.tbGroup.Do(key, func() (any, error) {
		return h.service.GetTrialBalance(ctx, from, to)
	})
	if err != nil {
		return TrialBalance{}, err
	}
	return v.(TrialBalance), nil
}

var errValidation = errors.New("validation")

func (h *Handler) formatAmount(d decimal.Decimal) string {
	f, _ := d.Float64()
	return h.printer.Sprintf("%.2f", f)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrSameAccount), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrDebitCreditExclusive), errors.Is(err, shared.ErrInvalidReference),
		errors.Is(err, errValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("ledger handler", slog.Any("error", err))
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

func endOfDay(t time.Time) time.Time {
	return t.Add(24*time.Hour - time.Nanosecond)
}
