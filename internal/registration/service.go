// Package registration はルームとリモートアカウントを結びつける登録手続きを提供する。
// !reg でOAuthアプリの登録と認可URLの発行を行い、!auth で認可コードを
// アクセストークンに交換して購読を作成する。
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/hitoshi/tootfeed/internal/fediverse"
	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/repository"
)

// DefaultTTL は登録途中の状態の有効期間（24時間）。
const DefaultTTL = 24 * time.Hour

// InstanceClient は登録手続きで使用するリモートサーバーの操作。
type InstanceClient interface {
	DetectSNS(ctx context.Context) (model.SNS, error)
	RegisterApp(ctx context.Context, appName string, scopes []string, website string) (*fediverse.AppRegistration, error)
	AuthorizationURL(clientID string, scopes []string) string
	ExchangeCode(ctx context.Context, clientID, clientSecret, code string, scopes []string) (string, error)
}

// ClientFactory はインスタンスごとの認証なしクライアントを返す。
type ClientFactory interface {
	ForInstance(ref model.InstanceRef) InstanceClient
}

// URLValidator は接続先URLの安全性を検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Config は登録手続きの設定。
type Config struct {
	// AppName はリモートサーバーに登録するOAuthアプリ名。
	AppName string
	// Website はOAuthアプリのWebサイト。空の場合は送信しない。
	Website string
	// TTL は登録途中の状態の有効期間。
	TTL time.Duration
}

// Service は登録手続きのサービス層。
type Service struct {
	subs    repository.SubscriptionStore
	regs    repository.RegistrationStore
	clients ClientFactory
	guard   URLValidator
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	// hostLocks はホスト名ごとのアプリ登録を直列化する。
	hostLocks *xsync.Map[string, *sync.Mutex]
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	subs repository.SubscriptionStore,
	regs repository.RegistrationStore,
	clients ClientFactory,
	guard URLValidator,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.AppName == "" {
		cfg.AppName = "TootFeedBot"
	}
	return &Service{
		subs:      subs,
		regs:      regs,
		clients:   clients,
		guard:     guard,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		hostLocks: xsync.NewMap[string, *sync.Mutex](),
	}
}

var scopes = []string{fediverse.DefaultScope}

// Register は登録手続きを開始し、ユーザーが開く認可URLを返す。
// インスタンスのOAuthアプリ情報が無い場合はネットワーク種別を判定して新たに登録する。
// 購読中のルームでは開始できない。購読を置き換えるには先に!unregで削除する。
func (s *Service) Register(ctx context.Context, roomID model.RoomID, rawURL string) (string, error) {
	if sub := s.subs.GetSubscription(ctx, roomID); sub != nil {
		return "", model.NewAlreadySubscribedError(sub.Instance)
	}

	host, err := model.NormalizeHostname(rawURL)
	if err != nil {
		return "", model.NewInvalidURLError(rawURL, err)
	}
	if err := s.guard.ValidateURL("https://" + host); err != nil {
		s.logger.Warn("SSRF防止のためインスタンスへの接続を拒否しました",
			slog.String("room_id", roomID.String()),
			slog.String("hostname", host),
			slog.String("error", err.Error()),
		)
		return "", model.NewSSRFBlockedError(err)
	}

	cred, err := s.appCredential(ctx, host)
	if err != nil {
		return "", err
	}

	authURL := s.clients.ForInstance(cred.Instance).AuthorizationURL(cred.ClientID, scopes)

	reg := &model.OngoingRegistration{
		RoomID:    roomID,
		Instance:  cred.Instance,
		CreatedAt: s.now(),
	}
	if err := s.regs.SetOngoingRegistration(ctx, reg); err != nil {
		return "", fmt.Errorf("登録途中の状態の保存に失敗しました: %w", err)
	}

	s.logger.Info("登録手続きを開始しました",
		slog.String("room_id", roomID.String()),
		slog.String("instance", cred.Instance.Key()),
	)
	return authURL, nil
}

// appCredential はホスト名のOAuthアプリ情報を取得し、無ければ登録する。
func (s *Service) appCredential(ctx context.Context, host string) (*model.InstanceAppCredential, error) {
	mu, _ := s.hostLocks.LoadOrCompute(host, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	mu.Lock()
	defer mu.Unlock()

	if cred := s.regs.AppCredential(ctx, host); cred != nil {
		return cred, nil
	}

	sns, err := s.clients.ForInstance(model.InstanceRef{Hostname: host}).DetectSNS(ctx)
	if err != nil {
		s.logger.Warn("ネットワーク種別の判定に失敗しました",
			slog.String("hostname", host),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnknownInstanceError(host, err)
	}
	ref := model.InstanceRef{SNS: sns, Hostname: host}

	app, err := s.clients.ForInstance(ref).RegisterApp(ctx, s.cfg.AppName, scopes, s.cfg.Website)
	if err != nil {
		s.logger.Error("OAuthアプリの登録に失敗しました",
			slog.String("instance", ref.Key()),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAppRegistrationError(host, err)
	}

	cred := &model.InstanceAppCredential{
		Instance:     ref,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
	}
	if err := s.regs.SetAppCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("アプリ情報の保存に失敗しました: %w", err)
	}

	s.logger.Info("OAuthアプリを登録しました", slog.String("instance", ref.Key()))
	return cred, nil
}

// Authorize は認可コードをアクセストークンに交換して購読を作成する。
// 交換に失敗した場合はリモートサーバーのエラー文字列を返し、登録途中の状態は残す。
func (s *Service) Authorize(ctx context.Context, roomID model.RoomID, code string) (*model.Subscription, error) {
	logger := s.logger.With(slog.String("room_id", roomID.String()))

	reg := s.regs.OngoingRegistration(ctx, roomID)
	if reg == nil {
		return nil, model.NewNoOngoingRegistrationError()
	}
	// !reg の後に別経路で購読された場合も上書きしない
	if sub := s.subs.GetSubscription(ctx, roomID); sub != nil {
		return nil, model.NewAlreadySubscribedError(sub.Instance)
	}
	if reg.Expired(s.now(), s.cfg.TTL) {
		if err := s.regs.DeleteOngoingRegistration(ctx, roomID); err != nil {
			logger.Warn("期限切れの登録途中の状態の削除に失敗しました", slog.String("error", err.Error()))
		}
		return nil, model.NewRegistrationExpiredError()
	}

	cred := s.regs.AppCredential(ctx, reg.Instance.Hostname)
	if cred == nil {
		return nil, model.NewAppRegistrationError(reg.Instance.Hostname, errors.New("app credential not found"))
	}

	token, err := s.clients.ForInstance(reg.Instance).ExchangeCode(ctx, cred.ClientID, cred.ClientSecret, code, scopes)
	if err != nil {
		reason, ok := fediverse.ExtractResponseError(err)
		if !ok {
			reason = "authorization failed"
		}
		logger.Warn("認可コードの交換に失敗しました",
			slog.String("instance", reg.Instance.Key()),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAuthorizationFailedError(reason, err)
	}

	sub := &model.Subscription{
		RoomID:      roomID,
		Instance:    reg.Instance,
		AccessToken: token,
	}
	if err := s.subs.AddSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("購読の保存に失敗しました: %w", err)
	}
	if err := s.regs.DeleteOngoingRegistration(ctx, roomID); err != nil {
		logger.Warn("登録途中の状態の削除に失敗しました", slog.String("error", err.Error()))
	}

	logger.Info("購読を作成しました", slog.String("instance", reg.Instance.Key()))
	return sub, nil
}

// FediverseClients はfediverse.FactoryをClientFactoryとして使用するアダプター。
type FediverseClients struct {
	Factory *fediverse.Factory
}

var _ ClientFactory = FediverseClients{}

// ForInstance は認証なしのクライアントを返す。
func (f FediverseClients) ForInstance(ref model.InstanceRef) InstanceClient {
	return f.Factory.ForInstance(ref)
}
