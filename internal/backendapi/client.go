package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

// Client talks to the streamlive backend: session records, participants,
// the message feed tail, and the wallet ledger. The backend owns all truth;
// the client only reads snapshots and submits requests.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a backend API client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateSessionParams is the payload for creating a live session.
type CreateSessionParams struct {
	Title     string             `json:"title"`
	Mode      domain.SessionMode `json:"mode"`
	ChannelID string             `json:"channel_id"`
	MaxSeats  int                `json:"max_seats"`
}

// SessionDetail is a session record plus its current participants.
type SessionDetail struct {
	Session      domain.Session       `json:"session"`
	Participants []domain.Participant `json:"participants"`
}

// CreateSession creates a new live session record.
func (c *Client) CreateSession(ctx context.Context, params CreateSessionParams) (*domain.Session, error) {
	var s domain.Session
	if err := c.post(ctx, "/api/sessions", params, &s); err != nil {
		return nil, fmt.Errorf("backendapi.CreateSession: %w", err)
	}
	return &s, nil
}

// GetSession fetches a session record with its participants.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionDetail, error) {
	var detail SessionDetail
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id), &detail); err != nil {
		return nil, fmt.Errorf("backendapi.GetSession: %w", err)
	}
	return &detail, nil
}

// JoinSession registers the caller as a viewer of the session.
func (c *Client) JoinSession(ctx context.Context, id string) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/join", nil, nil); err != nil {
		return fmt.Errorf("backendapi.JoinSession: %w", err)
	}
	return nil
}

// LeaveSession removes the caller from the session's viewer list.
func (c *Client) LeaveSession(ctx context.Context, id string) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/leave", nil, nil); err != nil {
		return fmt.Errorf("backendapi.LeaveSession: %w", err)
	}
	return nil
}

// AbortSession marks a half-created session as aborted. Used to roll back
// when the paired call-provider operation failed.
func (c *Client) AbortSession(ctx context.Context, id string) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/abort", nil, nil); err != nil {
		return fmt.Errorf("backendapi.AbortSession: %w", err)
	}
	return nil
}

// EndSession archives a live session.
func (c *Client) EndSession(ctx context.Context, id string) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/end", nil, nil); err != nil {
		return fmt.Errorf("backendapi.EndSession: %w", err)
	}
	return nil
}

// Invite asks the backend to invite a user into the session. The local
// registry is not touched until the invitee's join is observed.
func (c *Client) Invite(ctx context.Context, id, username string) error {
	body := map[string]string{"username": username}
	if err := c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/invite", body, nil); err != nil {
		return fmt.Errorf("backendapi.Invite: %w", err)
	}
	return nil
}

// Promote asks the backend to promote a viewer to a guest seat.
func (c *Client) Promote(ctx context.Context, id, participantID string) error {
	body := map[string]string{"participant_id": participantID}
	if err := c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/promote", body, nil); err != nil {
		return fmt.Errorf("backendapi.Promote: %w", err)
	}
	return nil
}

// Remove asks the backend to remove a participant from the session.
func (c *Client) Remove(ctx context.Context, id, participantID string) error {
	body := map[string]string{"participant_id": participantID}
	if err := c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/remove", body, nil); err != nil {
		return fmt.Errorf("backendapi.Remove: %w", err)
	}
	return nil
}

// SendMessage posts a chat message and returns the authoritative copy.
func (c *Client) SendMessage(ctx context.Context, id, clientMsgID, text string) (*domain.Message, error) {
	body := map[string]string{"id": clientMsgID, "text": text}
	var msg domain.Message
	if err := c.post(ctx, "/api/sessions/"+url.PathEscape(id)+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("backendapi.SendMessage: %w", err)
	}
	return &msg, nil
}

// GetMessages returns the canonical message tail since the given unix-ms
// timestamp (inclusive).
func (c *Client) GetMessages(ctx context.Context, id string, sinceTS int64) ([]domain.Message, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(sinceTS, 10))

	var msgs []domain.Message
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id)+"/messages?"+params.Encode(), &msgs); err != nil {
		return nil, fmt.Errorf("backendapi.GetMessages: %w", err)
	}
	return msgs, nil
}

// GiftResult is the backend's answer to a gift send: the authoritative
// post-send balance and whether this key was already processed.
type GiftResult struct {
	Balance   domain.WalletBalance `json:"balance"`
	Duplicate bool                 `json:"duplicate"`
}

// SendGift submits a gift debit. The idempotency key travels as a header so
// a backend that already processed the first attempt ignores the duplicate
// instead of double-charging.
func (c *Client) SendGift(ctx context.Context, sessionID, giftID, idempotencyKey string) (*GiftResult, error) {
	body := map[string]string{"gift_id": giftID}

	var result GiftResult
	err := c.doRequestWithHeaders(ctx, http.MethodPost,
		"/api/sessions/"+url.PathEscape(sessionID)+"/gifts", body, &result,
		map[string]string{"Idempotency-Key": idempotencyKey})
	if err != nil {
		return nil, fmt.Errorf("backendapi.SendGift: %w", err)
	}
	return &result, nil
}

// GetBalance returns the current wallet balance snapshot.
func (c *Client) GetBalance(ctx context.Context) (*domain.WalletBalance, error) {
	var b domain.WalletBalance
	if err := c.get(ctx, "/api/wallet/balance", &b); err != nil {
		return nil, fmt.Errorf("backendapi.GetBalance: %w", err)
	}
	return &b, nil
}

// ListGiftCatalog returns the immutable gift catalog.
func (c *Client) ListGiftCatalog(ctx context.Context) ([]domain.Gift, error) {
	var gifts []domain.Gift
	if err := c.get(ctx, "/api/wallet/gifts", &gifts); err != nil {
		return nil, fmt.Errorf("backendapi.ListGiftCatalog: %w", err)
	}
	return gifts, nil
}

// ListCoinPackages returns the purchasable coin packages.
func (c *Client) ListCoinPackages(ctx context.Context) ([]domain.CoinPackage, error) {
	var pkgs []domain.CoinPackage
	if err := c.get(ctx, "/api/wallet/packages", &pkgs); err != nil {
		return nil, fmt.Errorf("backendapi.ListCoinPackages: %w", err)
	}
	return pkgs, nil
}

// Purchase buys a coin package and returns the authoritative balance.
func (c *Client) Purchase(ctx context.Context, packageID, idempotencyKey string) (*domain.WalletBalance, error) {
	body := map[string]string{"package_id": packageID}

	var b domain.WalletBalance
	err := c.doRequestWithHeaders(ctx, http.MethodPost, "/api/wallet/purchase", body, &b,
		map[string]string{"Idempotency-Key": idempotencyKey})
	if err != nil {
		return nil, fmt.Errorf("backendapi.Purchase: %w", err)
	}
	return &b, nil
}

// SearchUsers looks up users by name prefix for the invite flow.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]domain.Participant, error) {
	params := url.Values{}
	params.Set("q", query)

	var users []domain.Participant
	if err := c.get(ctx, "/api/users?"+params.Encode(), &users); err != nil {
		return nil, fmt.Errorf("backendapi.SearchUsers: %w", err)
	}
	return users, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	return c.doRequestWithHeaders(ctx, method, path, body, out, nil)
}

func (c *Client) doRequestWithHeaders(ctx context.Context, method, path string, body any, out any, headers map[string]string) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		logger.Debug("Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
