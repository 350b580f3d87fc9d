package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestStore(t *testing.T, kv KV, buf *bytes.Buffer) *Store {
	t.Helper()
	cipher, err := security.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	store, err := NewStore(kv, cipher, newTestLogger(buf))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mockKV はKVの各メソッドを関数フィールドで差し替えられるモック。
// 未設定のメソッドは内部のMemoryKVに委譲する。
type mockKV struct {
	inner    *MemoryKV
	getFn    func(ctx context.Context, key string) ([]byte, bool, error)
	setFn    func(ctx context.Context, key string, value []byte) error
	deleteFn func(ctx context.Context, key string) error
	getCalls int
}

func newMockKV() *mockKV {
	return &mockKV{inner: NewMemoryKV()}
}

func (m *mockKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.getCalls++
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return m.inner.Get(ctx, key)
}

func (m *mockKV) Set(ctx context.Context, key string, value []byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value)
	}
	return m.inner.Set(ctx, key, value)
}

func (m *mockKV) Delete(ctx context.Context, key string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, key)
	}
	return m.inner.Delete(ctx, key)
}

func (m *mockKV) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	return m.inner.Scan(ctx, prefix, fn)
}

func (m *mockKV) Ping(ctx context.Context) error { return nil }

var (
	roomA = model.RoomID("!a:example.org")
	roomB = model.RoomID("!b:example.org")
	inst  = model.InstanceRef{SNS: model.SNSMastodon, Hostname: "mastodon.social"}
)

func TestStore_SubscriptionLifecycle(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newTestStore(t, NewMemoryKV(), &buf)

	if got := store.GetSubscription(ctx, roomA); got != nil {
		t.Fatalf("未登録のルームはnilを返すべき: %+v", got)
	}

	sub := &model.Subscription{RoomID: roomA, Instance: inst, AccessToken: "token-1"}
	if err := store.AddSubscription(ctx, sub); err != nil {
		t.Fatalf("AddSubscription() error = %v", err)
	}

	got := store.GetSubscription(ctx, roomA)
	if got == nil {
		t.Fatal("GetSubscription() = nil, want subscription")
	}
	if *got != *sub {
		t.Errorf("GetSubscription() = %+v, want %+v", got, sub)
	}

	// 同じルームへの再登録は上書き
	sub2 := &model.Subscription{RoomID: roomA, Instance: inst, AccessToken: "token-2"}
	if err := store.AddSubscription(ctx, sub2); err != nil {
		t.Fatalf("AddSubscription() error = %v", err)
	}
	if got := store.GetSubscription(ctx, roomA); got.AccessToken != "token-2" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "token-2")
	}
}

func TestStore_AllSubscriptions(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newTestStore(t, NewMemoryKV(), &buf)

	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomA, Instance: inst, AccessToken: "a"})
	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomB, Instance: inst, AccessToken: "b"})
	store.SetMaxStatusID(ctx, roomA, "100")

	subs := store.AllSubscriptions(ctx)
	if len(subs) != 2 {
		t.Fatalf("len(AllSubscriptions()) = %d, want 2", len(subs))
	}
	seen := map[model.RoomID]bool{}
	for _, s := range subs {
		seen[s.RoomID] = true
	}
	if !seen[roomA] || !seen[roomB] {
		t.Errorf("AllSubscriptions() に全てのルームが含まれていない: %v", seen)
	}
}

func TestStore_DeleteSubscriptionCascades(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := NewMemoryKV()
	store := newTestStore(t, kv, &buf)

	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomA, Instance: inst, AccessToken: "a"})
	store.SetMaxStatusID(ctx, roomA, "100")
	store.SetMaxNotificationID(ctx, roomA, "50")
	_ = store.SetOngoingRegistration(ctx, &model.OngoingRegistration{RoomID: roomA, Instance: inst})

	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomB, Instance: inst, AccessToken: "b"})
	store.SetMaxStatusID(ctx, roomB, "7")

	if err := store.DeleteSubscription(ctx, roomA); err != nil {
		t.Fatalf("DeleteSubscription() error = %v", err)
	}

	if store.GetSubscription(ctx, roomA) != nil {
		t.Error("購読が削除されていない")
	}
	if got := store.MaxStatusID(ctx, roomA); got != "" {
		t.Errorf("MaxStatusID = %q, want empty", got)
	}
	if got := store.MaxNotificationID(ctx, roomA); got != "" {
		t.Errorf("MaxNotificationID = %q, want empty", got)
	}
	if store.OngoingRegistration(ctx, roomA) != nil {
		t.Error("登録途中の状態が削除されていない")
	}

	// 他のルームには影響しない
	if store.GetSubscription(ctx, roomB) == nil {
		t.Error("別ルームの購読が削除された")
	}
	if got := store.MaxStatusID(ctx, roomB); got != "7" {
		t.Errorf("別ルームのMaxStatusID = %q, want %q", got, "7")
	}
	if kv.Len() != 2 {
		t.Errorf("残りのキー数 = %d, want 2", kv.Len())
	}
}

func TestStore_Cursors(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newTestStore(t, NewMemoryKV(), &buf)

	if got := store.MaxStatusID(ctx, roomA); got != "" {
		t.Errorf("未設定のMaxStatusID = %q, want empty", got)
	}

	store.SetMaxStatusID(ctx, roomA, "109876543210")
	store.SetMaxNotificationID(ctx, roomA, "42")

	if got := store.MaxStatusID(ctx, roomA); got != "109876543210" {
		t.Errorf("MaxStatusID = %q, want %q", got, "109876543210")
	}
	if got := store.MaxNotificationID(ctx, roomA); got != "42" {
		t.Errorf("MaxNotificationID = %q, want %q", got, "42")
	}
}

func TestStore_RoomKeysAreHashed(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := NewMemoryKV()
	store := newTestStore(t, kv, &buf)

	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomA, Instance: inst, AccessToken: "secret-token"})
	store.SetMaxStatusID(ctx, roomA, "1")

	_ = kv.Scan(ctx, "", func(key string, value []byte) error {
		if strings.Contains(key, string(roomA)) {
			t.Errorf("キーにルームIDが平文で含まれている: %q", key)
		}
		if bytes.Contains(value, []byte("secret-token")) {
			t.Errorf("値にアクセストークンが平文で含まれている: key=%q", key)
		}
		return nil
	})
}

func TestStore_ReadFailureIsAbsentAndLogged(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := newMockKV()
	store := newTestStore(t, kv, &buf)

	kv.getFn = func(ctx context.Context, key string) ([]byte, bool, error) {
		return nil, false, errors.New("disk on fire")
	}

	if got := store.GetSubscription(ctx, roomA); got != nil {
		t.Errorf("読み出し失敗時はnilを返すべき: %+v", got)
	}
	if got := store.MaxStatusID(ctx, roomA); got != "" {
		t.Errorf("読み出し失敗時は空文字列を返すべき: %q", got)
	}

	var entry map[string]any
	line, _, _ := strings.Cut(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("ログがJSONではない: %v", err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("ログレベル = %v, want ERROR", entry["level"])
	}
	if entry["error"] != "disk on fire" {
		t.Errorf("error = %v, want %q", entry["error"], "disk on fire")
	}
}

func TestStore_CorruptValueIsAbsent(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := NewMemoryKV()
	store := newTestStore(t, kv, &buf)

	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomA, Instance: inst, AccessToken: "a"})
	_ = store.AddSubscription(ctx, &model.Subscription{RoomID: roomB, Instance: inst, AccessToken: "b"})

	// roomAの値を壊す
	_ = kv.Set(ctx, store.roomKey(prefixSubscription, roomA), []byte("garbage"))

	if got := store.GetSubscription(ctx, roomA); got != nil {
		t.Errorf("壊れた値はnilとして扱うべき: %+v", got)
	}
	subs := store.AllSubscriptions(ctx)
	if len(subs) != 1 || subs[0].RoomID != roomB {
		t.Errorf("AllSubscriptions() は壊れたレコードを除外するべき: %+v", subs)
	}
	if !strings.Contains(buf.String(), "復号に失敗しました") {
		t.Errorf("復号失敗がログに記録されていない: %s", buf.String())
	}
}

func TestStore_CursorWriteFailureIsLoggedOnly(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := newMockKV()
	store := newTestStore(t, kv, &buf)

	kv.setFn = func(ctx context.Context, key string, value []byte) error {
		return errors.New("read-only")
	}

	// パニックせず、エラーも返さない
	store.SetMaxStatusID(ctx, roomA, "5")

	if !strings.Contains(buf.String(), "カーソルの保存に失敗しました") {
		t.Errorf("カーソル保存失敗がログに記録されていない: %s", buf.String())
	}
	if err := store.AddSubscription(ctx, &model.Subscription{RoomID: roomA}); err == nil {
		t.Error("購読の保存失敗はエラーを返すべき")
	}
}

func TestStore_DeleteSubscriptionAttemptsAllKeys(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := newMockKV()
	store := newTestStore(t, kv, &buf)

	var deleted []string
	kv.deleteFn = func(ctx context.Context, key string) error {
		deleted = append(deleted, keyPrefix(key))
		if strings.HasPrefix(key, prefixMaxStatusID) {
			return errors.New("boom")
		}
		return nil
	}

	if err := store.DeleteSubscription(ctx, roomA); err == nil {
		t.Error("一部の削除失敗はエラーを返すべき")
	}
	if len(deleted) != 4 {
		t.Errorf("削除を試みたキー数 = %d, want 4 (%v)", len(deleted), deleted)
	}
}

func TestStore_OngoingRegistrations(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newTestStore(t, NewMemoryKV(), &buf)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := &model.OngoingRegistration{RoomID: roomA, Instance: inst, CreatedAt: created}
	if err := store.SetOngoingRegistration(ctx, reg); err != nil {
		t.Fatalf("SetOngoingRegistration() error = %v", err)
	}
	_ = store.SetOngoingRegistration(ctx, &model.OngoingRegistration{RoomID: roomB, Instance: inst})

	got := store.OngoingRegistration(ctx, roomA)
	if got == nil {
		t.Fatal("OngoingRegistration() = nil")
	}
	if got.Instance != inst || !got.CreatedAt.Equal(created) {
		t.Errorf("OngoingRegistration() = %+v, want %+v", got, reg)
	}

	if n := len(store.AllOngoingRegistrations(ctx)); n != 2 {
		t.Errorf("len(AllOngoingRegistrations()) = %d, want 2", n)
	}

	if err := store.DeleteOngoingRegistration(ctx, roomA); err != nil {
		t.Fatalf("DeleteOngoingRegistration() error = %v", err)
	}
	if store.OngoingRegistration(ctx, roomA) != nil {
		t.Error("削除後はnilを返すべき")
	}
}

func TestStore_AppCredentialIsCached(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := newMockKV()
	store := newTestStore(t, kv, &buf)

	if store.AppCredential(ctx, "mastodon.social") != nil {
		t.Fatal("未登録のアプリ情報はnilを返すべき")
	}

	cred := &model.InstanceAppCredential{Instance: inst, ClientID: "cid", ClientSecret: "csecret"}
	if err := store.SetAppCredential(ctx, cred); err != nil {
		t.Fatalf("SetAppCredential() error = %v", err)
	}

	before := kv.getCalls
	got := store.AppCredential(ctx, "mastodon.social")
	if got == nil || *got != *cred {
		t.Fatalf("AppCredential() = %+v, want %+v", got, cred)
	}
	if kv.getCalls != before {
		t.Errorf("キャッシュ済みのアプリ情報でKVを参照した: calls=%d", kv.getCalls-before)
	}
}

func TestStore_AppCredentialLoadedFromKV(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	kv := NewMemoryKV()

	first := newTestStore(t, kv, &buf)
	cred := &model.InstanceAppCredential{Instance: inst, ClientID: "cid", ClientSecret: "csecret"}
	_ = first.SetAppCredential(ctx, cred)

	// 同じKVとシークレットを使う新しいStore（再起動相当）
	second := newTestStore(t, kv, &buf)
	got := second.AppCredential(ctx, "mastodon.social")
	if got == nil || got.ClientID != "cid" {
		t.Errorf("AppCredential() = %+v, want clientId=cid", got)
	}
}

func TestStore_SyncToken(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newTestStore(t, NewMemoryKV(), &buf)

	if got := store.SyncToken(ctx); got != "" {
		t.Errorf("SyncToken() = %q, want empty", got)
	}
	store.SetSyncToken(ctx, "s72594_4483_1934")
	if got := store.SyncToken(ctx); got != "s72594_4483_1934" {
		t.Errorf("SyncToken() = %q, want %q", got, "s72594_4483_1934")
	}
}

func TestStore_ConcurrentCursorWrites(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	store := newTestStore(t, NewMemoryKV(), &buf)

	rooms := []model.RoomID{"!1:x", "!2:x", "!3:x", "!4:x"}
	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room model.RoomID) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				store.SetMaxStatusID(ctx, room, string(room))
			}
		}(room)
	}
	wg.Wait()

	for _, room := range rooms {
		if got := store.MaxStatusID(ctx, room); got != string(room) {
			t.Errorf("MaxStatusID(%s) = %q, want %q", room, got, room)
		}
	}
}
