package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chanpass/pkg/config"
	pkgerrors "chanpass/pkg/errors"
	"chanpass/pkg/retry"
)

const (
	defaultBaseURL              = "https://api.telegram.org"
	responseBodyReadLimit int64 = 1 << 20
)

var errBotTokenRequired = errors.New("chat bot token is required")

// Client wraps the chat platform's bot API. Every call runs under the shared
// retry policy so transient failures and rate limits are absorbed uniformly.
type Client struct {
	httpClient *http.Client
	baseURL    string
	botToken   string
	policy     retry.Policy
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the configured API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithRetryPolicy overrides the retry policy applied to every call.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// NewClient builds the chat client from config.
func NewClient(cfg config.ChatConfig, opts ...Option) (*Client, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errBotTokenRequired
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := &Client{
		botToken:   token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Default(),
	}
	if trimmed := strings.TrimSpace(cfg.BaseURL); trimmed != "" {
		client.baseURL = trimmed
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// InviteLink is a single-use join link for a channel.
type InviteLink struct {
	InviteLink  string `json:"invite_link"`
	MemberLimit int    `json:"member_limit"`
}

// ChatMember is the membership record for a user in a channel.
type ChatMember struct {
	Status string `json:"status"`
	User   struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// IsActive reports whether the member currently has channel access.
func (m ChatMember) IsActive() bool {
	switch m.Status {
	case "creator", "administrator", "member", "restricted":
		return true
	default:
		return false
	}
}

// CreateInviteLink issues a fresh single-use invite link for the channel so
// one paid settlement admits exactly one member.
func (c *Client) CreateInviteLink(ctx context.Context, channelID int64) (*InviteLink, error) {
	var link InviteLink
	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      channelID,
		"member_limit": 1,
	}, &link)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// BanChatMember removes the user from the channel until the given time.
func (c *Client) BanChatMember(ctx context.Context, channelID, userID int64, until time.Time) error {
	return c.call(ctx, "banChatMember", map[string]any{
		"chat_id":    channelID,
		"user_id":    userID,
		"until_date": until.Unix(),
	}, nil)
}

// UnbanChatMember lifts a ban so the user may purchase and rejoin later.
func (c *Client) UnbanChatMember(ctx context.Context, channelID, userID int64) error {
	return c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        channelID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
}

// ApproveJoinRequest admits a pending join request to the channel.
func (c *Client) ApproveJoinRequest(ctx context.Context, channelID, userID int64) error {
	return c.call(ctx, "approveChatJoinRequest", map[string]any{
		"chat_id": channelID,
		"user_id": userID,
	}, nil)
}

// DeclineJoinRequest rejects a pending join request.
func (c *Client) DeclineJoinRequest(ctx context.Context, channelID, userID int64) error {
	return c.call(ctx, "declineChatJoinRequest", map[string]any{
		"chat_id": channelID,
		"user_id": userID,
	}, nil)
}

// GetChatMember fetches the user's membership record for the channel.
func (c *Client) GetChatMember(ctx context.Context, channelID, userID int64) (*ChatMember, error) {
	var member ChatMember
	err := c.call(ctx, "getChatMember", map[string]any{
		"chat_id": channelID,
		"user_id": userID,
	}, &member)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// SendMessage delivers a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// Update is one entry of the bot update feed. Only join requests are
// subscribed to; everything else arrives with a nil payload and is skipped.
type Update struct {
	UpdateID        int64            `json:"update_id"`
	ChatJoinRequest *ChatJoinRequest `json:"chat_join_request,omitempty"`
}

// ChatJoinRequest is a user's pending request to join a channel.
type ChatJoinRequest struct {
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

// GetUpdates long-polls the bot update feed starting after offset. The poll
// timeout must stay below the HTTP client timeout or the request is cut off
// before the server answers.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	seconds := int(timeout / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         seconds,
		"allowed_updates": []string{"chat_join_request"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, dest any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.doCall(ctx, method, body, dest)
	})
}

func (c *Client) doCall(ctx context.Context, method string, body []byte, dest any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("chat %s request failed", method))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read chat response")
	}

	var parsed apiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		if resp.StatusCode >= 500 {
			return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("chat api unavailable (%d)", resp.StatusCode))
		}
		return retry.Permanent(pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode chat response"))
	}

	if !parsed.OK {
		apiErr := pkgerrors.New(
			pkgerrors.CodeDependency,
			fmt.Sprintf("chat %s failed (%d)", method, parsed.ErrorCode),
		).WithDetails(parsed.Description)

		switch {
		case parsed.ErrorCode == http.StatusTooManyRequests:
			wait := time.Second
			if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
				wait = time.Duration(parsed.Parameters.RetryAfter) * time.Second
			}
			return &retry.RateLimitError{RetryAfter: wait, Err: apiErr}
		case parsed.ErrorCode >= 400 && parsed.ErrorCode < 500:
			return retry.Permanent(apiErr)
		default:
			return apiErr
		}
	}

	if dest == nil || len(parsed.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(parsed.Result, dest); err != nil {
		return retry.Permanent(pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode chat result"))
	}
	return nil
}
