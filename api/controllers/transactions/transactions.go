package transactions

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/rampledger/api/middleware"
	"github.com/angelmondragon/rampledger/api/responses"
	"github.com/angelmondragon/rampledger/api/validators"
	internaladmin "github.com/angelmondragon/rampledger/internal/admin"
	"github.com/angelmondragon/rampledger/internal/ledger"
	internaltx "github.com/angelmondragon/rampledger/internal/transactions"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
	"github.com/angelmondragon/rampledger/pkg/pagination"
)

type refundRequest struct {
	CardNumber string `json:"cardNumber"`
	ExpiryDate string `json:"expiryDate"`
}

// Get returns one transaction with its history.
func Get(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin service unavailable"))
			return
		}
		tx, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, tx)
	}
}

// List pages through transactions, newest first, optionally filtered by status and provider.
func List(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin service unavailable"))
			return
		}

		page, err := validators.ParseQueryInt(r, "page", 1, 1, 1_000_000)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter, err := parseFilter(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.List(r.Context(), filter, pagination.Params{Page: page, Limit: limit})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func Approve(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return action(svc, logg, func(ctx context.Context, id, actor string) (*internaladmin.ActionResult, error) {
		return svc.Approve(ctx, id, actor)
	})
}

func Freeze(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return action(svc, logg, func(ctx context.Context, id, actor string) (*internaladmin.ActionResult, error) {
		return svc.Freeze(ctx, id, actor)
	})
}

func Unfreeze(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return action(svc, logg, func(ctx context.Context, id, actor string) (*internaladmin.ActionResult, error) {
		return svc.Unfreeze(ctx, id, actor)
	})
}

// Refund sends the charge back to the original payment method, or to the alternate card in the
// optional body.
func Refund(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		if err := validators.DecodeOptionalJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dest, err := req.destination()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		action(svc, logg, func(ctx context.Context, id, actor string) (*internaladmin.ActionResult, error) {
			return svc.Refund(ctx, id, actor, dest)
		})(w, r)
	}
}

// ToggleFlag flips the advisory fraud flag.
func ToggleFlag(svc internaladmin.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin service unavailable"))
			return
		}
		tx, err := svc.ToggleFlag(r.Context(), chi.URLParam(r, "id"), middleware.OperatorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, tx)
	}
}

func action(svc internaladmin.Service, logg *logger.Logger, call func(ctx context.Context, id, actor string) (*internaladmin.ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin service unavailable"))
			return
		}
		result, err := call(r.Context(), chi.URLParam(r, "id"), middleware.OperatorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func (req refundRequest) destination() (internaltx.Destination, error) {
	number := strings.TrimSpace(req.CardNumber)
	expiry := strings.TrimSpace(req.ExpiryDate)
	if number == "" && expiry == "" {
		return internaltx.Destination{}, nil
	}
	card := &internaltx.Card{Number: strings.ReplaceAll(number, " ", ""), Expiry: expiry}
	if err := validators.ValidateStruct(card); err != nil {
		return internaltx.Destination{}, err
	}
	return internaltx.Destination{AlternateCard: card}, nil
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	var filter ledger.Filter
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := enums.ParseTransactionStatus(raw)
		if err != nil {
			return filter, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(query.Get("provider")); raw != "" {
		provider, err := enums.ParseProvider(raw)
		if err != nil {
			return filter, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid provider filter")
		}
		filter.Provider = &provider
	}
	return filter, nil
}
