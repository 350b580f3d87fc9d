package fediverse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ResponseError はリモートサーバーが2xx以外のステータスを返したことを表す。
// DataにはレスポンスボディをJSONとしてデコードした結果が入る（デコードできない場合はnil）。
type ResponseError struct {
	Method     string
	Path       string
	StatusCode int
	Data       any
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	if msg, ok := ExtractFromError(e.Data, "error"); ok {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Temporary はリトライで回復する可能性がある失敗（429/5xx）であればtrueを返す。
func (e *ResponseError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func newResponseError(method, path string, status int, body []byte) *ResponseError {
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			data = nil
		}
	}
	return &ResponseError{Method: method, Path: path, StatusCode: status, Data: data}
}

// ExtractFromError はJSONをデコードした値からpathを辿り、末端の値を文字列で返す。
// 途中の値がオブジェクトでない、またはキーが存在しない場合はfalseを返す。
// 末端がオブジェクトや配列の場合はJSON文字列として返す。
func ExtractFromError(value any, path ...string) (string, bool) {
	if len(path) == 0 {
		return stringify(value), true
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	next, ok := obj[path[0]]
	if !ok {
		return "", false
	}
	return ExtractFromError(next, path[1:]...)
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// ExtractResponseError はエラーに含まれるリモートサーバーのエラー文字列
// （レスポンスボディの "error" フィールド）を返す。
func ExtractResponseError(err error) (string, bool) {
	var re *ResponseError
	if !errors.As(err, &re) {
		return "", false
	}
	return ExtractFromError(re.Data, "error")
}
