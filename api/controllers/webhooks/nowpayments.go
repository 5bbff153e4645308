package webhooks

import (
	"context"
	"io"
	"net/http"

	"chanpass/api/responses"
	"chanpass/internal/settlement"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
)

const signatureHeader = "x-nowpayments-sig"

type ipnService interface {
	Handle(ctx context.Context, rawBody []byte, signature string) (*settlement.Result, error)
}

// PaymentIPN handles processor payment status notifications.
//
// An invoice the ledger does not know is acknowledged with a 200 so the
// processor stops redelivering; the error envelope still names the problem
// for anyone reading the delivery log.
func PaymentIPN(svc ipnService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		result, err := svc.Handle(ctx, rawBody, r.Header.Get(signatureHeader))
		if err != nil {
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeNotFound {
				responses.WriteErrorStatus(ctx, logg, w, err, http.StatusOK)
				return
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{
			"outcome": string(result.Outcome),
			"action":  result.Action,
		})
	}
}
