package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maypok86/otter"

	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/security"
)

// キーの名前空間
const (
	prefixSubscription        = "subscription:"
	prefixMaxStatusID         = "maxStatusId:"
	prefixMaxNotificationID   = "maxNotificationId:"
	prefixOngoingRegistration = "ongoingRegistration:"
	prefixFediverseConfig     = "fediverseConfig:"
	keyMatrixSyncToken        = "matrixSyncToken"
)

const appCredentialCacheSize = 1024

// Store はKVの上に購読・カーソル・登録状態を保存する。
// 値はCBORでエンコードしてから暗号化し、ルームに紐付くキーはルームIDのハッシュを使う。
// 読み出しの失敗（I/O、復号、デコード）はログに記録して「存在しない」として扱う。
type Store struct {
	kv     KV
	cipher *security.Cipher
	logger *slog.Logger
	creds  otter.Cache[string, model.InstanceAppCredential]
}

var (
	_ SubscriptionStore = (*Store)(nil)
	_ RegistrationStore = (*Store)(nil)
	_ SyncTokenStore    = (*Store)(nil)
)

// NewStore はStoreを生成する。
func NewStore(kv KV, cipher *security.Cipher, logger *slog.Logger) (*Store, error) {
	creds, err := otter.MustBuilder[string, model.InstanceAppCredential](appCredentialCacheSize).
		Cost(func(_ string, _ model.InstanceAppCredential) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("アプリ情報キャッシュの作成に失敗しました: %w", err)
	}
	return &Store{kv: kv, cipher: cipher, logger: logger, creds: creds}, nil
}

// Ping はバックエンドへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Close はキャッシュを解放する。
func (s *Store) Close() {
	s.creds.Close()
}

func (s *Store) roomKey(prefix string, roomID model.RoomID) string {
	return prefix + s.cipher.HashKey(roomID.String())
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	plain, err := marshal(v)
	if err != nil {
		return fmt.Errorf("値のエンコードに失敗しました: %w", err)
	}
	sealed, err := s.cipher.Seal(plain, key)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, sealed)
}

// load はキーの値をvにデコードする。見つからない場合と失敗した場合はfalseを返す。
func (s *Store) load(ctx context.Context, key string, v any) bool {
	sealed, found, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Error("ストアの読み出しに失敗しました",
			slog.String("key_prefix", keyPrefix(key)),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !found {
		return false
	}
	return s.decode(key, sealed, v)
}

func (s *Store) decode(key string, sealed []byte, v any) bool {
	plain, err := s.cipher.Open(sealed, key)
	if err != nil {
		s.logger.Error("ストアの値の復号に失敗しました",
			slog.String("key_prefix", keyPrefix(key)),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := unmarshal(plain, v); err != nil {
		s.logger.Error("ストアの値のデコードに失敗しました",
			slog.String("key_prefix", keyPrefix(key)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// keyPrefix はログ出力用にキーの名前空間部分のみを返す。
func keyPrefix(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i+1]
		}
	}
	return key
}

// --- 購読 ---

// GetSubscription はルームの購読を返す。存在しない場合はnilを返す。
func (s *Store) GetSubscription(ctx context.Context, roomID model.RoomID) *model.Subscription {
	var sub model.Subscription
	if !s.load(ctx, s.roomKey(prefixSubscription, roomID), &sub) {
		return nil
	}
	return &sub
}

// AddSubscription は購読を保存する。
func (s *Store) AddSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := s.put(ctx, s.roomKey(prefixSubscription, sub.RoomID), sub); err != nil {
		s.logger.Error("購読の保存に失敗しました",
			slog.String("room_id", sub.RoomID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("購読の保存に失敗しました: %w", err)
	}
	return nil
}

// AllSubscriptions は全ての購読を返す。読み出せなかったレコードは除外する。
func (s *Store) AllSubscriptions(ctx context.Context) []*model.Subscription {
	var subs []*model.Subscription
	err := s.kv.Scan(ctx, prefixSubscription, func(key string, value []byte) error {
		var sub model.Subscription
		if s.decode(key, value, &sub) {
			subs = append(subs, &sub)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("購読一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return subs
}

// DeleteSubscription は購読を削除し、カーソルと登録途中の状態も合わせて削除する。
// 全てのキーの削除を試み、失敗があれば最初のエラーを返す。
func (s *Store) DeleteSubscription(ctx context.Context, roomID model.RoomID) error {
	var firstErr error
	for _, prefix := range []string{
		prefixSubscription,
		prefixMaxStatusID,
		prefixMaxNotificationID,
		prefixOngoingRegistration,
	} {
		if err := s.kv.Delete(ctx, s.roomKey(prefix, roomID)); err != nil {
			s.logger.Error("購読関連データの削除に失敗しました",
				slog.String("room_id", roomID.String()),
				slog.String("key_prefix", prefix),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", firstErr)
	}
	return nil
}

// --- カーソル ---

func (s *Store) cursor(ctx context.Context, prefix string, roomID model.RoomID) string {
	var id string
	if !s.load(ctx, s.roomKey(prefix, roomID), &id) {
		return ""
	}
	return id
}

func (s *Store) setCursor(ctx context.Context, prefix string, roomID model.RoomID, id string) {
	if err := s.put(ctx, s.roomKey(prefix, roomID), id); err != nil {
		s.logger.Error("カーソルの保存に失敗しました",
			slog.String("room_id", roomID.String()),
			slog.String("key_prefix", prefix),
			slog.String("cursor", id),
			slog.String("error", err.Error()),
		)
	}
}

// MaxStatusID は配信済みの投稿IDの最大値を返す。
func (s *Store) MaxStatusID(ctx context.Context, roomID model.RoomID) string {
	return s.cursor(ctx, prefixMaxStatusID, roomID)
}

// SetMaxStatusID は配信済みの投稿IDの最大値を保存する。
func (s *Store) SetMaxStatusID(ctx context.Context, roomID model.RoomID, id string) {
	s.setCursor(ctx, prefixMaxStatusID, roomID, id)
}

// MaxNotificationID は配信済みの通知IDの最大値を返す。
func (s *Store) MaxNotificationID(ctx context.Context, roomID model.RoomID) string {
	return s.cursor(ctx, prefixMaxNotificationID, roomID)
}

// SetMaxNotificationID は配信済みの通知IDの最大値を保存する。
func (s *Store) SetMaxNotificationID(ctx context.Context, roomID model.RoomID, id string) {
	s.setCursor(ctx, prefixMaxNotificationID, roomID, id)
}

// --- 登録途中の状態 ---

// OngoingRegistration はルームの登録途中の状態を返す。
func (s *Store) OngoingRegistration(ctx context.Context, roomID model.RoomID) *model.OngoingRegistration {
	var reg model.OngoingRegistration
	if !s.load(ctx, s.roomKey(prefixOngoingRegistration, roomID), &reg) {
		return nil
	}
	return &reg
}

// SetOngoingRegistration は登録途中の状態を保存する。
func (s *Store) SetOngoingRegistration(ctx context.Context, reg *model.OngoingRegistration) error {
	if err := s.put(ctx, s.roomKey(prefixOngoingRegistration, reg.RoomID), reg); err != nil {
		s.logger.Error("登録途中の状態の保存に失敗しました",
			slog.String("room_id", reg.RoomID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("登録途中の状態の保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteOngoingRegistration は登録途中の状態を削除する。
func (s *Store) DeleteOngoingRegistration(ctx context.Context, roomID model.RoomID) error {
	if err := s.kv.Delete(ctx, s.roomKey(prefixOngoingRegistration, roomID)); err != nil {
		s.logger.Error("登録途中の状態の削除に失敗しました",
			slog.String("room_id", roomID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("登録途中の状態の削除に失敗しました: %w", err)
	}
	return nil
}

// AllOngoingRegistrations は全ての登録途中の状態を返す。
func (s *Store) AllOngoingRegistrations(ctx context.Context) []*model.OngoingRegistration {
	var regs []*model.OngoingRegistration
	err := s.kv.Scan(ctx, prefixOngoingRegistration, func(key string, value []byte) error {
		var reg model.OngoingRegistration
		if s.decode(key, value, &reg) {
			regs = append(regs, &reg)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("登録途中の状態の一覧取得に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return regs
}

// --- OAuthアプリ情報 ---

// AppCredential はホスト名に対応するOAuthアプリ情報を返す。
// 一度読み出した値はキャッシュし、以降はKVを参照しない（アプリ情報は失効しない）。
func (s *Store) AppCredential(ctx context.Context, hostname string) *model.InstanceAppCredential {
	if cred, ok := s.creds.Get(hostname); ok {
		return &cred
	}

	var cred model.InstanceAppCredential
	if !s.load(ctx, prefixFediverseConfig+hostname, &cred) {
		return nil
	}
	s.creds.Set(hostname, cred)
	return &cred
}

// SetAppCredential はOAuthアプリ情報を保存する。
func (s *Store) SetAppCredential(ctx context.Context, cred *model.InstanceAppCredential) error {
	hostname := cred.Instance.Hostname
	if err := s.put(ctx, prefixFediverseConfig+hostname, cred); err != nil {
		s.logger.Error("アプリ情報の保存に失敗しました",
			slog.String("instance", hostname),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("アプリ情報の保存に失敗しました: %w", err)
	}
	s.creds.Set(hostname, *cred)
	return nil
}

// --- Matrix同期トークン ---

// SyncToken は保存済みのnext_batchを返す。
func (s *Store) SyncToken(ctx context.Context) string {
	var token string
	if !s.load(ctx, keyMatrixSyncToken, &token) {
		return ""
	}
	return token
}

// SetSyncToken はnext_batchを保存する。
func (s *Store) SetSyncToken(ctx context.Context, token string) {
	if err := s.put(ctx, keyMatrixSyncToken, token); err != nil {
		s.logger.Error("同期トークンの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
