package matrix

import (
	"errors"
	"fmt"
)

// MatrixError はホームサーバーが返した構造化エラー。
// errors.Asで取り出して判定する。
type MatrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
	// RetryAfterMs はM_LIMIT_EXCEEDEDで指定される待機時間（ミリ秒）。
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	StatusCode   int   `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Matrixのエラーコード
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// IsMatrixError はerrが指定したコードの*MatrixErrorかを返す。
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// isRateLimited はレート制限によるエラーかを返す。
// errcodeを返さないプロキシのために429も対象にする。
func isRateLimited(err error) (*MatrixError, bool) {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return nil, false
	}
	if matrixErr.Code == ErrCodeLimitExceeded || matrixErr.StatusCode == 429 {
		return matrixErr, true
	}
	return nil, false
}
