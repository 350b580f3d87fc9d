package repository

import (
	"bytes"
	"context"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryKV はプロセス内メモリのみのKV実装。memory:// とテストで使用する。
type MemoryKV struct {
	data *xsync.Map[string, []byte]
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV はMemoryKVを生成する。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: xsync.NewMap[string, []byte]()}
}

// Get はキーの値のコピーを返す。
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set はキーに値のコピーを保存する。
func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.data.Store(key, bytes.Clone(value))
	return nil
}

// Delete はキーを削除する。
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

// Scan はprefixで始まる全てのキーと値をfnに渡す。
func (m *MemoryKV) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var err error
	m.data.Range(func(key string, value []byte) bool {
		if ctx.Err() != nil {
			err = ctx.Err()
			return false
		}
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		if err = fn(key, bytes.Clone(value)); err != nil {
			return false
		}
		return true
	})
	return err
}

// Ping は常に成功する。
func (m *MemoryKV) Ping(context.Context) error {
	return nil
}

// Len は保存されているキーの数を返す。
func (m *MemoryKV) Len() int {
	return m.data.Size()
}
