package payments

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/api/middleware"
	"github.com/angelmondragon/rampledger/api/responses"
	"github.com/angelmondragon/rampledger/api/validators"
	internalpayments "github.com/angelmondragon/rampledger/internal/payments"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

type coinPaymentsRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Coin   string          `json:"coin" validate:"required"`
	Email  string          `json:"email" validate:"omitempty,email"`
}

// CreateCoinPayments opens a CoinPayments checkout and records it as a pending transaction.
func CreateCoinPayments(svc internalpayments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}

		var req coinPaymentsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		checkout, err := svc.CreateCoinPayments(r.Context(), middleware.OperatorFromContext(r.Context()), internalpayments.CheckoutInput{
			Amount:     req.Amount,
			Coin:       req.Coin,
			BuyerEmail: req.Email,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, checkout)
	}
}
