package fediverse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	// OOBRedirectURI は認可コードを画面に表示させるためのリダイレクトURI。
	OOBRedirectURI = "urn:ietf:wg:oauth:2.0:oob"
	// DefaultScope はブリッジが要求するスコープ（読み取りのみ）。
	DefaultScope = "read"
)

// AppRegistration はOAuthアプリ登録の結果。
type AppRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// RegisterApp はインスタンスにOAuthアプリを登録する。
func (c *Client) RegisterApp(ctx context.Context, appName string, scopes []string, website string) (*AppRegistration, error) {
	form := url.Values{}
	form.Set("client_name", appName)
	form.Set("redirect_uris", OOBRedirectURI)
	form.Set("scopes", strings.Join(scopes, " "))
	if website != "" {
		form.Set("website", website)
	}

	var app AppRegistration
	if err := c.do(ctx, http.MethodPost, "/api/v1/apps", nil, form, &app); err != nil {
		return nil, err
	}
	if app.ClientID == "" || app.ClientSecret == "" {
		return nil, fmt.Errorf("アプリ登録のレスポンスにクライアント情報が含まれていません")
	}
	return &app, nil
}

// AuthorizationURL はユーザーがブラウザで開く認可URLを返す。
// リダイレクトはOOBで、認可後のページに表示されるコードを !auth で入力してもらう。
func (c *Client) AuthorizationURL(clientID string, scopes []string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", OOBRedirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	return c.baseURL + "/oauth/authorize?" + q.Encode()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// ExchangeCode は認可コードをアクセストークンに交換する。
// 失敗時のエラーからはExtractResponseErrorでサーバーのエラー文字列を取り出せる。
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code string, scopes []string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("redirect_uri", OOBRedirectURI)
	form.Set("code", code)
	form.Set("scope", strings.Join(scopes, " "))

	var token tokenResponse
	if err := c.do(ctx, http.MethodPost, "/oauth/token", nil, form, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("トークンのレスポンスにアクセストークンが含まれていません")
	}
	return token.AccessToken, nil
}

// RevokeToken はアクセストークンを失効させる。
func (c *Client) RevokeToken(ctx context.Context, clientID, clientSecret, token string) error {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("token", token)
	return c.do(ctx, http.MethodPost, "/oauth/revoke", nil, form, nil)
}
