package model

import "time"

// Subscription はルームがリモートアカウントのタイムラインを読む権限を表す。
// 1つのRoomIDにつき購読は最大1件。アクセストークンの更新は削除と再作成で行う。
type Subscription struct {
	RoomID      RoomID      `cbor:"roomId"`
	Instance    InstanceRef `cbor:"instanceRef"`
	AccessToken string      `cbor:"accessToken"`
}

// OngoingRegistration は「ログインURLの発行」から「認可コードの入力」までの
// 一時的な登録状態を表す。認可完了時に1回だけ読み出されて削除される。
type OngoingRegistration struct {
	RoomID    RoomID      `cbor:"roomId"`
	Instance  InstanceRef `cbor:"instanceRef"`
	CreatedAt time.Time   `cbor:"createdAt"`
}

// Expired は登録がttlを超えて放置されているかを返す。
// CreatedAtがゼロ値の場合（旧形式のレコード）は期限切れとして扱わない。
func (r *OngoingRegistration) Expired(now time.Time, ttl time.Duration) bool {
	if r.CreatedAt.IsZero() || ttl <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) > ttl
}

// InstanceAppCredential はリモートサーバーにOAuthアプリとして登録した結果。
// ホスト名ごとにキャッシュし、同じサーバーを購読するルーム間で共有する。
type InstanceAppCredential struct {
	Instance     InstanceRef `cbor:"ref"`
	ClientID     string      `cbor:"clientId"`
	ClientSecret string      `cbor:"clientSecret"`
}
