// Package matrix はMatrixホームサーバーのクライアントとコマンドボットを提供する。
// Client-Server APIのうち、/syncのロングポーリング、ルームへの参加、
// メッセージの送信のみを扱う。
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// maxResponseSize はレスポンスボディの最大サイズ（10MB）。
	maxResponseSize = 10 * 1024 * 1024
	// defaultRetryAfter はretry_after_msが無い場合の待機時間。
	defaultRetryAfter = time.Second
)

// Client はアクセストークンで認証するMatrixクライアント。
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger

	// sleep はテスト用に待機処理を差し替えるための関数。
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption はClientの設定を変更する関数。
type ClientOption func(*Client)

// WithRateLimit は送信リクエストのレートを設定する。
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient はClientを生成する。
func NewClient(baseURL, accessToken string, httpClient *http.Client, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(10, 20),
		logger:      logger,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// doRequest はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// 2xx以外の場合は*MatrixErrorを返す。
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("matrix: リクエストボディのエンコードに失敗しました: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("matrix: リクエストの作成に失敗しました: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("matrix: %s %s の呼び出しに失敗しました: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("matrix: レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var matrixErr MatrixError
		if err := json.Unmarshal(respBody, &matrixErr); err != nil {
			return fmt.Errorf("matrix: %s %s が予期しないステータス %d を返しました", method, path, resp.StatusCode)
		}
		matrixErr.StatusCode = resp.StatusCode
		return &matrixErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("matrix: レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// WhoAmI はアクセストークンの持ち主のユーザーIDを返す。
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Sync は/syncを1回呼び出す。sinceが空の場合は初回同期になる。
// timeoutはサーバー側のロングポーリングの待機時間。
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	var resp SyncResponse
	if err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinRoom はルームに参加する。
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	return c.doRequest(ctx, http.MethodPost, path, nil, struct{}{}, nil)
}

// SendMessage はルームにメッセージを送信し、イベントIDを返す。
// M_LIMIT_EXCEEDEDの場合はretry_after_msだけ待って同じトランザクションIDで
// 送信し直す。成功するかctxがキャンセルされるまで繰り返す。
func (c *Client) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), eventTypeMessage, uuid.NewString())

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("matrix: レート制限の待機に失敗しました: %w", err)
		}

		var resp struct {
			EventID string `json:"event_id"`
		}
		err := c.doRequest(ctx, http.MethodPut, path, nil, content, &resp)
		if err == nil {
			return resp.EventID, nil
		}

		limited, ok := isRateLimited(err)
		if !ok {
			return "", err
		}
		wait := time.Duration(limited.RetryAfterMs) * time.Millisecond
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		c.logger.Warn("送信がレート制限されたため待機して再送します",
			slog.String("room_id", roomID),
			slog.Int("attempt", attempt),
			slog.Int64("retry_after_ms", wait.Milliseconds()),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return "", fmt.Errorf("matrix: レート制限の待機中にキャンセルされました: %w", err)
		}
	}
}

// SendNotice はm.noticeとしてHTML付きのメッセージを送信する。
// htmlが空の場合はプレーンテキストのみを送る。
func (c *Client) SendNotice(ctx context.Context, roomID, body, html string) error {
	_, err := c.SendMessage(ctx, roomID, noticeContent(body, html, ""))
	return err
}

func noticeContent(body, html, replyTo string) MessageContent {
	content := MessageContent{MsgType: MsgTypeNotice, Body: body}
	if html != "" {
		content.Format = formatHTML
		content.FormattedBody = html
	}
	if replyTo != "" {
		content.RelatesTo = &RelatesTo{InReplyTo: &InReplyTo{EventID: replyTo}}
	}
	return content
}
