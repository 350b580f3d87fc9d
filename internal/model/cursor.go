package model

import "strings"

// CompareIDs はアイテムIDを比較し、a<bなら負、a==bなら0、a>bなら正を返す。
// IDは数値として解析せず文字列のまま比較する。ただし両方が数字のみで
// 桁数が異なる場合は桁数の多い方を大きいとする（"100" > "99"）。
// 桁数が揃っているIDや英数字のIDでは通常の文字列比較と同じ結果になる。
func CompareIDs(a, b string) int {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// MaxID は2つのIDのうち大きい方を返す。空文字列は未設定として扱う。
func MaxID(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if CompareIDs(b, a) > 0 {
		return b
	}
	return a
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
