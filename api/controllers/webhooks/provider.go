package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/rampledger/api/responses"
	"github.com/angelmondragon/rampledger/internal/reconciliation"
	inbound "github.com/angelmondragon/rampledger/internal/webhooks"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

const maxPayloadBytes = 1 << 20

type signatureVerifier interface {
	Provider() enums.Provider
	Header() string
	Verify(payload []byte, digest string) error
}

type eventNormalizer interface {
	Normalize(provider enums.Provider, raw []byte) (inbound.PaymentEvent, error)
}

type deliveryGuard interface {
	CheckAndMark(ctx context.Context, event inbound.PaymentEvent) (bool, error)
	Release(ctx context.Context, event inbound.PaymentEvent) error
}

type eventApplier interface {
	Apply(ctx context.Context, event inbound.PaymentEvent) (reconciliation.Result, error)
}

// Deps wires one provider webhook endpoint. Guard is optional.
type Deps struct {
	Verifier   signatureVerifier
	Normalizer eventNormalizer
	Guard      deliveryGuard
	Engine     eventApplier
	Logger     *logger.Logger
}

type ack struct {
	TxID    string                  `json:"txId"`
	Outcome reconciliation.Outcome  `json:"outcome"`
	Status  enums.TransactionStatus `json:"status,omitempty"`
}

// ProviderWebhook verifies the raw body before anything else, then hands the normalized event to
// the reconciliation engine. Any durably recorded event is acknowledged with 200.
func ProviderWebhook(deps Deps) http.HandlerFunc {
	logg := deps.Logger
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if deps.Verifier == nil || deps.Normalizer == nil || deps.Engine == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook handler unavailable"))
			return
		}
		provider := deps.Verifier.Provider()
		if logg != nil {
			ctx = logg.WithProvider(ctx, string(provider))
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		if err := deps.Verifier.Verify(payload, r.Header.Get(deps.Verifier.Header())); err != nil {
			if logg != nil {
				logg.Warn(ctx, "webhook signature rejected")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		event, err := deps.Normalizer.Normalize(provider, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithTxID(ctx, event.ExternalID)
		}

		if deps.Guard != nil {
			seen, err := deps.Guard.CheckAndMark(ctx, event)
			if err != nil {
				// ledger writes stay idempotent without the cache
				if logg != nil {
					logg.Warn(ctx, "delivery guard unavailable: "+err.Error())
				}
			} else if seen {
				responses.WriteSuccess(w, ack{TxID: event.ExternalID, Outcome: reconciliation.OutcomeDuplicate})
				return
			}
		}

		res, err := deps.Engine.Apply(ctx, event)
		if err != nil && !res.Recorded {
			if deps.Guard != nil {
				if relErr := deps.Guard.Release(context.WithoutCancel(ctx), event); relErr != nil && logg != nil {
					logg.Warn(ctx, "release delivery key: "+relErr.Error())
				}
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err != nil && logg != nil {
			logg.Warn(ctx, "event recorded with error: "+err.Error())
		}

		out := ack{TxID: event.ExternalID, Outcome: res.Outcome}
		if res.Tx != nil {
			out.Status = res.Tx.Status
		}
		responses.WriteSuccess(w, out)
	}
}
