package fediverse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/tootfeed/internal/model"
)

type nodeInfoLinks struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type nodeInfo struct {
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}

// softwareKinds はnodeinfoのsoftware.nameとネットワーク種別の対応。
// Mastodon互換APIを持つフォークは元のソフトウェアとして扱う。
var softwareKinds = map[string]model.SNS{
	"mastodon":  model.SNSMastodon,
	"hometown":  model.SNSMastodon,
	"glitchsoc": model.SNSMastodon,
	"pleroma":   model.SNSPleroma,
	"akkoma":    model.SNSPleroma,
	"friendica": model.SNSFriendica,
	"firefish":  model.SNSFirefish,
	"iceshrimp": model.SNSFirefish,
	"calckey":   model.SNSFirefish,
}

// DetectSNS はnodeinfoからインスタンスのネットワーク種別を判定する。
func (c *Client) DetectSNS(ctx context.Context) (model.SNS, error) {
	var links nodeInfoLinks
	if err := c.do(ctx, http.MethodGet, "/.well-known/nodeinfo", nil, nil, &links); err != nil {
		return "", fmt.Errorf("nodeinfoの取得に失敗しました: %w", err)
	}

	var href string
	for _, l := range links.Links {
		if strings.HasPrefix(l.Rel, "http://nodeinfo.diaspora.software/ns/schema/") {
			href = l.Href
		}
	}
	if href == "" {
		return "", fmt.Errorf("nodeinfoのリンクが見つかりません")
	}

	// 絶対URLで返されるため、同一ホストのパス部分のみを使用する
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("nodeinfoのURLが不正です: %w", err)
	}

	var info nodeInfo
	if err := c.do(ctx, http.MethodGet, u.EscapedPath(), u.Query(), nil, &info); err != nil {
		return "", fmt.Errorf("nodeinfoの取得に失敗しました: %w", err)
	}

	name := strings.ToLower(info.Software.Name)
	if kind, ok := softwareKinds[name]; ok {
		return kind, nil
	}
	return model.ParseSNS(name)
}
