package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chanpass/api/responses"
	"chanpass/api/validators"
	"chanpass/pkg/db/models"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/logger"
)

const (
	accessLogDefaultLimit = 50
	accessLogMaxLimit     = 200
)

type accessLogLister interface {
	ListAccessLog(ctx context.Context, subscriberID uuid.UUID, limit int) ([]models.AccessLogEntry, error)
}

type accessLogEntryResponse struct {
	ID          string    `json:"id"`
	ChannelID   int64     `json:"channel_id"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performed_by"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubscriberAccessLog returns a subscriber's access history, newest first.
func SubscriberAccessLog(repo accessLogLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		subscriberID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "subscriber id must be a uuid"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", accessLogDefaultLimit, 1, accessLogMaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entries, err := repo.ListAccessLog(ctx, subscriberID, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := make([]accessLogEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, accessLogEntryResponse{
				ID:          entry.ID.String(),
				ChannelID:   entry.ChannelID,
				Action:      string(entry.Action),
				PerformedBy: string(entry.PerformedBy),
				Reason:      entry.Reason,
				CreatedAt:   entry.CreatedAt,
			})
		}

		responses.WriteSuccess(w, map[string]any{
			"subscriber_id": subscriberID.String(),
			"entries":       out,
		})
	}
}
