// Package repository はブリッジの状態の永続化を提供する。
// 購読、カーソル、登録途中の状態、OAuthアプリ情報を名前空間付きのKVに保存する。
package repository

import (
	"context"

	"github.com/hitoshi/tootfeed/internal/model"
)

// KV はバイト列を保存するキーバリューストアのインターフェース。
// 存在しないキーのGetはfound=falseを返し、エラーにはしない。
type KV interface {
	// Get はキーの値を取得する。
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set はキーに値を保存する。既存の値は上書きされる。
	Set(ctx context.Context, key string, value []byte) error
	// Delete はキーを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
	// Scan はprefixで始まる全てのキーと値をfnに渡す。順序は不定。
	// fnがエラーを返した場合は中断してそのエラーを返す。
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	// Ping はバックエンドへの疎通を確認する。
	Ping(ctx context.Context) error
}

// SubscriptionStore は購読とカーソルの永続化インターフェース。
// 読み出しの失敗はログに記録して「存在しない」として返し、呼び出し側には伝えない。
type SubscriptionStore interface {
	// GetSubscription はルームの購読を返す。存在しない場合はnilを返す。
	GetSubscription(ctx context.Context, roomID model.RoomID) *model.Subscription
	// AddSubscription は購読を保存する。同じルームの既存の購読は上書きされる。
	AddSubscription(ctx context.Context, sub *model.Subscription) error
	// AllSubscriptions は全ての購読を返す。順序は不定。
	AllSubscriptions(ctx context.Context) []*model.Subscription
	// DeleteSubscription は購読と、そのルームのカーソル・登録途中の状態を削除する。
	DeleteSubscription(ctx context.Context, roomID model.RoomID) error

	// MaxStatusID は配信済みの投稿IDの最大値を返す。未設定の場合は空文字列。
	MaxStatusID(ctx context.Context, roomID model.RoomID) string
	// SetMaxStatusID は配信済みの投稿IDの最大値を保存する。失敗はログのみ。
	SetMaxStatusID(ctx context.Context, roomID model.RoomID, id string)
	// MaxNotificationID は配信済みの通知IDの最大値を返す。未設定の場合は空文字列。
	MaxNotificationID(ctx context.Context, roomID model.RoomID) string
	// SetMaxNotificationID は配信済みの通知IDの最大値を保存する。失敗はログのみ。
	SetMaxNotificationID(ctx context.Context, roomID model.RoomID, id string)
}

// RegistrationStore は登録途中の状態とOAuthアプリ情報の永続化インターフェース。
type RegistrationStore interface {
	// OngoingRegistration はルームの登録途中の状態を返す。存在しない場合はnilを返す。
	OngoingRegistration(ctx context.Context, roomID model.RoomID) *model.OngoingRegistration
	// SetOngoingRegistration は登録途中の状態を保存する。
	SetOngoingRegistration(ctx context.Context, reg *model.OngoingRegistration) error
	// DeleteOngoingRegistration は登録途中の状態を削除する。
	DeleteOngoingRegistration(ctx context.Context, roomID model.RoomID) error
	// AllOngoingRegistrations は全ての登録途中の状態を返す。
	AllOngoingRegistrations(ctx context.Context) []*model.OngoingRegistration

	// AppCredential はホスト名に対応するOAuthアプリ情報を返す。存在しない場合はnilを返す。
	AppCredential(ctx context.Context, hostname string) *model.InstanceAppCredential
	// SetAppCredential はOAuthアプリ情報を保存する。
	SetAppCredential(ctx context.Context, cred *model.InstanceAppCredential) error
}

// SyncTokenStore はMatrixの/syncの継続トークンの永続化インターフェース。
type SyncTokenStore interface {
	// SyncToken は保存済みのnext_batchを返す。未保存の場合は空文字列。
	SyncToken(ctx context.Context) string
	// SetSyncToken はnext_batchを保存する。失敗はログのみ。
	SetSyncToken(ctx context.Context, token string)
}
