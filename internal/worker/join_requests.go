package worker

import (
	"context"
	"fmt"
	"time"

	"chanpass/pkg/logger"
	"chanpass/pkg/telegram"
)

const (
	defaultPollTimeout = 25 * time.Second
	pollErrorDelay     = 5 * time.Second
)

type updatesFeed interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

type joinModerator interface {
	HandleJoinRequest(ctx context.Context, channelID, chatUserID int64) error
}

// JoinRequestPoller long-polls the chat provider's update feed and moderates
// pending channel join requests through the access engine.
type JoinRequestPoller struct {
	feed        updatesFeed
	engine      joinModerator
	logg        *logger.Logger
	pollTimeout time.Duration
	offset      int64
}

func NewJoinRequestPoller(feed updatesFeed, engine joinModerator, logg *logger.Logger) (*JoinRequestPoller, error) {
	if feed == nil {
		return nil, fmt.Errorf("updates feed required")
	}
	if engine == nil {
		return nil, fmt.Errorf("access engine required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &JoinRequestPoller{
		feed:        feed,
		engine:      engine,
		logg:        logg,
		pollTimeout: defaultPollTimeout,
	}, nil
}

// Run polls until the context is canceled. A moderation failure skips that
// request and keeps the feed moving; the user can simply request again.
func (p *JoinRequestPoller) Run(ctx context.Context) error {
	p.logg.Info(ctx, "join request poller started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := p.feed.GetUpdates(ctx, p.offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logg.Warn(ctx, fmt.Sprintf("update feed poll failed: %v", err))
			if err := p.sleep(ctx, pollErrorDelay); err != nil {
				return err
			}
			continue
		}

		p.processUpdates(ctx, updates)
	}
}

func (p *JoinRequestPoller) processUpdates(ctx context.Context, updates []telegram.Update) {
	for _, update := range updates {
		if update.UpdateID >= p.offset {
			p.offset = update.UpdateID + 1
		}
		if update.ChatJoinRequest == nil {
			continue
		}

		request := update.ChatJoinRequest
		logCtx := p.logg.WithFields(ctx, map[string]any{
			"channel_id":   request.Chat.ID,
			"chat_user_id": request.From.ID,
		})
		if err := p.engine.HandleJoinRequest(ctx, request.Chat.ID, request.From.ID); err != nil {
			p.logg.Error(logCtx, "join request moderation failed", err)
			continue
		}
		p.logg.Info(logCtx, "join request moderated")
	}
}

func (p *JoinRequestPoller) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
