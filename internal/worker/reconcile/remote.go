package reconcile

import (
	"context"
	"fmt"

	"github.com/hitoshi/tootfeed/internal/fediverse"
	"github.com/hitoshi/tootfeed/internal/model"
)

// CredentialLookup はホスト名に対応するOAuthアプリ情報を返す。
type CredentialLookup interface {
	AppCredential(ctx context.Context, hostname string) *model.InstanceAppCredential
}

// FediverseRemotes はfediverse.Factoryを使用するRemoteFactoryの実装。
type FediverseRemotes struct {
	factory *fediverse.Factory
	creds   CredentialLookup
}

var _ RemoteFactory = (*FediverseRemotes)(nil)

// NewFediverseRemotes はFediverseRemotesを生成する。
func NewFediverseRemotes(factory *fediverse.Factory, creds CredentialLookup) *FediverseRemotes {
	return &FediverseRemotes{factory: factory, creds: creds}
}

// ForSubscription は購読のアクセストークンで認証するRemoteを返す。
func (f *FediverseRemotes) ForSubscription(sub *model.Subscription) Remote {
	return &fediverseRemote{
		Client: f.factory.ForSubscription(sub),
		sub:    sub,
		creds:  f.creds,
	}
}

type fediverseRemote struct {
	*fediverse.Client
	sub   *model.Subscription
	creds CredentialLookup
}

func (r *fediverseRemote) OpenStream(ctx context.Context) (Stream, error) {
	s, err := r.OpenUserStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *fediverseRemote) Revoke(ctx context.Context) error {
	cred := r.creds.AppCredential(ctx, r.sub.Instance.Hostname)
	if cred == nil {
		return fmt.Errorf("%s のアプリ情報が見つかりません", r.sub.Instance.Hostname)
	}
	return r.RevokeToken(ctx, cred.ClientID, cred.ClientSecret, r.sub.AccessToken)
}
