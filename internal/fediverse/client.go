// Package fediverse はMastodon互換APIのクライアントを提供する。
// pleroma、mastodon、friendica、firefishの4種類のサーバーに対して、
// タイムライン・通知の取得、OAuthアプリ登録と認可、ユーザーストリームの購読を行う。
package fediverse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fasthttp/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tootfeed/internal/model"
)

const (
	// maxResponseSize はAPIレスポンスボディの最大サイズ（5MB）。
	maxResponseSize = 5 * 1024 * 1024
	// userAgent はリクエストに付与するUser-Agent。
	userAgent = "TootFeedBot/1.0 (+matrix bridge)"
)

// Client は1つのインスタンスに対するAPIクライアント。
// accessTokenが空の場合は認証が不要なAPIのみ使用できる。
type Client struct {
	ref         model.InstanceRef
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
	dialer      *websocket.Dialer
}

// Instance はクライアントの接続先を返す。
func (c *Client) Instance() model.InstanceRef {
	return c.ref
}

// BaseURL はクライアントのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, form url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return req, nil
}

// do はリクエストを送信し、2xxの場合はレスポンスボディをoutにデコードする。
// 2xx以外の場合は*ResponseErrorを返す。
func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("レート制限の待機に失敗しました: %w", err)
		}
	}

	req, err := c.newRequest(ctx, method, path, query, form)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s の呼び出しに失敗しました: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("リモートサーバーがエラーステータスを返しました",
			slog.String("instance", c.ref.Key()),
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return newResponseError(method, path, resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// HomeTimeline はsinceIDより新しいホームタイムラインの投稿を1ページ取得する。
// sinceIDが空の場合は最新の1ページを返す。limitが0以下の場合はサーバーのデフォルト。
// 返却順はサーバーの返却順（通常は新しい順）のまま。
func (c *Client) HomeTimeline(ctx context.Context, sinceID string, limit int) ([]model.Status, error) {
	q := url.Values{}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var statuses []model.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/timelines/home", q, nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// Notifications はsinceIDより新しい通知を1ページ取得する。
func (c *Client) Notifications(ctx context.Context, sinceID string) ([]model.Notification, error) {
	q := url.Values{}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	var notifications []model.Notification
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", q, nil, &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// VerifyCredentials はアクセストークンの持ち主のアカウントを返す。
func (c *Client) VerifyCredentials(ctx context.Context) (*model.Account, error) {
	var account model.Account
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/verify_credentials", nil, nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}
