// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// SNS はリモートサーバーのネットワーク種別を表す。
type SNS string

const (
	// SNSPleroma はPleroma/Akkomaサーバーを表す。
	SNSPleroma SNS = "pleroma"
	// SNSMastodon はMastodonサーバーを表す。
	SNSMastodon SNS = "mastodon"
	// SNSFriendica はFriendicaサーバーを表す。
	SNSFriendica SNS = "friendica"
	// SNSFirefish はFirefishサーバーを表す。
	SNSFirefish SNS = "firefish"
)

// ParseSNS は文字列をSNSに変換する。未知の種別の場合はエラーを返す。
func ParseSNS(s string) (SNS, error) {
	switch v := SNS(strings.ToLower(strings.TrimSpace(s))); v {
	case SNSPleroma, SNSMastodon, SNSFriendica, SNSFirefish:
		return v, nil
	default:
		return "", fmt.Errorf("unknown network kind: %q", s)
	}
}

// InstanceRef はリモートサーバー1台を識別する値型。
// 同じ値を持つInstanceRefは同一のサーキットブレーカーに対応する。
type InstanceRef struct {
	SNS      SNS    `cbor:"sns"`
	Hostname string `cbor:"hostname"`
}

// Key はインスタンスごとの判定に使用する正規化済みのキーを返す。
// 形式は "<network-kind>/<hostname>"。
func (r InstanceRef) Key() string {
	return string(r.SNS) + "/" + r.Hostname
}

// String はKeyと同じ文字列を返す。
func (r InstanceRef) String() string {
	return r.Key()
}

// BaseURL はインスタンスのHTTPSベースURLを返す。
func (r InstanceRef) BaseURL() string {
	return "https://" + r.Hostname
}

// RoomID はMatrixルームの識別子。購読とカーソルの主キーとして使用する。
type RoomID string

// String はルームIDの文字列表現を返す。
func (id RoomID) String() string {
	return string(id)
}

// NormalizeHostname はユーザー入力（URLまたはホスト名）からホスト名を取り出し、
// IDNAのASCII形式かつ小文字に正規化する。
func NormalizeHostname(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty instance address")
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid instance address: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("instance address has no host: %s", raw)
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid hostname %q: %w", host, err)
	}
	if port := parsed.Port(); port != "" && port != "443" {
		ascii += ":" + port
	}
	return strings.ToLower(ascii), nil
}
