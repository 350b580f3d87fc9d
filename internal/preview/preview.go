// Package preview はアカウントの公開RSSフィードのプレビューを提供する。
// 購読せずに !peek でアカウントの最新の投稿を確認するために使用する。
package preview

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/render"
)

const (
	// DefaultLimit はプレビューに表示するエントリ数。
	DefaultLimit = 3
	// maxBodySize はフィードの最大サイズ（2MB）。
	maxBodySize = 2 * 1024 * 1024
	userAgent   = "TootFeedBot/1.0 (+matrix bridge)"
)

// URLValidator は接続先URLの安全性を検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Fetcher は公開フィードを取得してメッセージに変換する。
type Fetcher struct {
	httpClient *http.Client
	guard      URLValidator
	renderer   *render.Renderer
	logger     *slog.Logger
	limit      int
	baseURL    func(host string) string
}

// Option はFetcherの設定を変更する関数。
type Option func(*Fetcher)

// WithLimit は表示するエントリ数を設定する。
func WithLimit(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.limit = n
		}
	}
}

// WithBaseURL はホスト名からベースURLへの変換を差し替える。
func WithBaseURL(fn func(host string) string) Option {
	return func(f *Fetcher) {
		f.baseURL = fn
	}
}

// NewFetcher はFetcherを生成する。httpClientにはSSRF防止機能付きのクライアントを渡すこと。
func NewFetcher(httpClient *http.Client, guard URLValidator, renderer *render.Renderer, logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: httpClient,
		guard:      guard,
		renderer:   renderer,
		logger:     logger,
		limit:      DefaultLimit,
		baseURL:    func(host string) string { return "https://" + host },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FeedURL はアカウントの指定（@user@host、user@host、またはプロフィールURL）から
// 公開RSSフィードのURLを組み立てる。
func (f *Fetcher) FeedURL(target string) (string, error) {
	target = strings.TrimSpace(target)

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("プロフィールURLが不正です: %q", target)
		}
		user := strings.Trim(u.Path, "/")
		if !strings.HasPrefix(user, "@") || strings.Contains(user, "/") {
			return "", fmt.Errorf("プロフィールURLが不正です: %q", target)
		}
		user = strings.TrimSuffix(user, ".rss")
		return f.feedURL(strings.TrimPrefix(user, "@"), u.Host)
	}

	user, host, ok := strings.Cut(strings.TrimPrefix(target, "@"), "@")
	if !ok || user == "" || host == "" {
		return "", fmt.Errorf("アカウントの指定が不正です: %q", target)
	}
	return f.feedURL(user, host)
}

func (f *Fetcher) feedURL(user, host string) (string, error) {
	hostname, err := model.NormalizeHostname(host)
	if err != nil {
		return "", err
	}
	return f.baseURL(hostname) + "/@" + url.PathEscape(user) + ".rss", nil
}

// Peek は公開フィードを取得し、最新のエントリをメッセージに変換する。
func (f *Fetcher) Peek(ctx context.Context, target string) (render.Message, error) {
	feedURL, err := f.FeedURL(target)
	if err != nil {
		return render.Message{}, model.NewInvalidURLError(target, err)
	}
	if err := f.guard.ValidateURL(feedURL); err != nil {
		return render.Message{}, model.NewSSRFBlockedError(err)
	}

	start := time.Now()
	feed, err := f.fetch(ctx, feedURL)
	if err != nil {
		f.logger.Warn("公開フィードの取得に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return render.Message{}, model.NewPreviewFailedError(target, err)
	}

	f.logger.Info("公開フィードを取得しました",
		slog.String("feed_url", feedURL),
		slog.Int("item_count", len(feed.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return f.renderer.Message(FeedHTML(feed, f.limit)), nil
}

func (f *Fetcher) fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}
	return feed, nil
}

// FeedHTML はフィードの新しい順にlimit件のエントリをHTMLに変換する。
func FeedHTML(feed *gofeed.Feed, limit int) string {
	items := make([]*gofeed.Item, len(feed.Items))
	copy(items, feed.Items)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].PublishedParsed, items[j].PublishedParsed
		if a == nil || b == nil {
			return false
		}
		return a.After(*b)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	var sb strings.Builder
	title := feed.Title
	if title == "" {
		title = feed.Link
	}
	sb.WriteString("<p>📰 <b>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</b></p>")

	if len(items) == 0 {
		sb.WriteString("<p>(no public posts)</p>")
		return sb.String()
	}

	for _, item := range items {
		sb.WriteString("<p>")
		when := item.Published
		if item.PublishedParsed != nil {
			when = item.PublishedParsed.UTC().Format("2006-01-02 15:04")
		}
		if item.Link != "" {
			sb.WriteString(`<a href="` + html.EscapeString(item.Link) + `">` + html.EscapeString(when) + "</a>")
		} else {
			sb.WriteString(html.EscapeString(when))
		}
		content := item.Description
		if content == "" {
			content = item.Content
		}
		if content != "" {
			sb.WriteString("<br>")
			sb.WriteString(render.UnlinkMentions(content))
		}
		sb.WriteString("</p>")
	}
	return sb.String()
}
