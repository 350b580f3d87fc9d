package model

import (
	"errors"
	"fmt"
	"strings"
)

// UserError はチャットでユーザーに1行で返すエラーを表す。
// 入力ミスや状態不整合など、ユーザーの操作で解決できる失敗に使用する。
type UserError struct {
	Code    string // エラーコード
	Message string // ユーザー向けメッセージ
	Action  string // ユーザー向け対処方法（空の場合は表示しない）
	Err     error  // 原因となったエラー
}

// Error はerrorインターフェースを実装する。
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *UserError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL            = "INVALID_URL"
	ErrCodeUnknownInstance       = "UNKNOWN_INSTANCE"
	ErrCodeSSRFBlocked           = "SSRF_BLOCKED"
	ErrCodeAppRegistration       = "APP_REGISTRATION_FAILED"
	ErrCodeNoOngoingRegistration = "NO_ONGOING_REGISTRATION"
	ErrCodeRegistrationExpired   = "REGISTRATION_EXPIRED"
	ErrCodeAuthorizationFailed   = "AUTHORIZATION_FAILED"
	ErrCodeSubscriptionNotFound  = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeAlreadySubscribed     = "ALREADY_SUBSCRIBED"
	ErrCodeInstanceBlocked       = "INSTANCE_BLOCKED"
	ErrCodeMissingArgument       = "MISSING_ARGUMENT"
	ErrCodePreviewFailed         = "PREVIEW_FAILED"
)

// NewInvalidURLError は無効なインスタンスURLエラーを生成する。
func NewInvalidURLError(raw string, err error) *UserError {
	return &UserError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("%q is not a valid instance address", raw),
		Action:  "Use the address of your server, e.g. !reg https://mastodon.social",
		Err:     err,
	}
}

// NewUnknownInstanceError はネットワーク種別を判定できなかった場合のエラーを生成する。
func NewUnknownInstanceError(host string, err error) *UserError {
	return &UserError{
		Code:    ErrCodeUnknownInstance,
		Message: fmt.Sprintf("could not detect a supported server at %s", host),
		Action:  "Supported servers are pleroma, mastodon, friendica and firefish.",
		Err:     err,
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError(err error) *UserError {
	return &UserError{
		Code:    ErrCodeSSRFBlocked,
		Message: "access to that address is not allowed",
		Err:     err,
	}
}

// NewAppRegistrationError はOAuthアプリ登録失敗エラーを生成する。
func NewAppRegistrationError(host string, err error) *UserError {
	return &UserError{
		Code:    ErrCodeAppRegistration,
		Message: fmt.Sprintf("failed to register the bot with %s", host),
		Action:  "Try again later.",
		Err:     err,
	}
}

// NewNoOngoingRegistrationError は登録手続きが開始されていない場合のエラーを生成する。
func NewNoOngoingRegistrationError() *UserError {
	return &UserError{
		Code:    ErrCodeNoOngoingRegistration,
		Message: "no registration in progress for this room",
		Action:  "Start with !reg <instance url>.",
	}
}

// NewRegistrationExpiredError は登録手続きの期限切れエラーを生成する。
func NewRegistrationExpiredError() *UserError {
	return &UserError{
		Code:    ErrCodeRegistrationExpired,
		Message: "registration expired",
		Action:  "Start again with !reg <instance url>.",
	}
}

// NewAuthorizationFailedError は認可コード交換の失敗エラーを生成する。
// reasonにはリモートサーバーが返したエラー文字列を渡す。
func NewAuthorizationFailedError(reason string, err error) *UserError {
	return &UserError{
		Code:    ErrCodeAuthorizationFailed,
		Message: reason,
		Err:     err,
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError() *UserError {
	return &UserError{
		Code:    ErrCodeSubscriptionNotFound,
		Message: "this room is not subscribed to anything",
		Action:  "Start with !reg <instance url>.",
	}
}

// NewAlreadySubscribedError はルームが既に購読中の場合のエラーを生成する。
func NewAlreadySubscribedError(ref InstanceRef) *UserError {
	return &UserError{
		Code:    ErrCodeAlreadySubscribed,
		Message: fmt.Sprintf("this room is already subscribed to %s", ref.Hostname),
		Action:  "Run !unreg first.",
	}
}

// NewInstanceBlockedError はサーキットブレーカーが開いている場合のエラーを生成する。
func NewInstanceBlockedError(ref InstanceRef) *UserError {
	return &UserError{
		Code:    ErrCodeInstanceBlocked,
		Message: fmt.Sprintf("%s is failing, requests are paused for a while", ref.Hostname),
	}
}

// NewMissingArgumentError はコマンド引数不足エラーを生成する。
func NewMissingArgumentError(usage string) *UserError {
	return &UserError{
		Code:    ErrCodeMissingArgument,
		Message: "missing argument",
		Action:  "Usage: " + usage,
	}
}

// NewPreviewFailedError は公開フィードのプレビュー失敗エラーを生成する。
func NewPreviewFailedError(target string, err error) *UserError {
	return &UserError{
		Code:    ErrCodePreviewFailed,
		Message: fmt.Sprintf("could not read the public feed of %s", target),
		Err:     err,
	}
}

// UserMessage はエラーからユーザーに返す1行のメッセージを組み立てる。
// UserErrorを含む場合はその中で最も深いもののメッセージと対処方法を使用し、
// 含まない場合はラップの最も深いエラーの文字列を返す。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var deepest *UserError
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		var ue *UserError
		if errors.As(cur, &ue) {
			deepest = ue
			cur = ue
		} else {
			break
		}
	}

	if deepest != nil {
		msg := deepest.Message
		if deepest.Action != "" {
			msg += ". " + deepest.Action
		}
		return oneLine(msg)
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return oneLine(root.Error())
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
