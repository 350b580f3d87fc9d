package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/tootfeed/internal/database"
)

// SQLKV はkvテーブルを使用したKVの実装。PostgreSQLとSQLiteに対応する。
type SQLKV struct {
	db      *sql.DB
	dialect database.Dialect
}

var _ KV = (*SQLKV)(nil)

// NewSQLKV はSQLKVを生成する。
func NewSQLKV(db *sql.DB, dialect database.Dialect) *SQLKV {
	return &SQLKV{db: db, dialect: dialect}
}

// bind はクエリ中の?をダイアレクトのプレースホルダに置き換える。
func (s *SQLKV) bind(query string) string {
	if s.dialect != database.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Get はキーの値を取得する。
func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("KVの取得に失敗しました: %w", err)
	}
	return value, true, nil
}

// Set はキーに値を保存する。
func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = ` + s.nowExpr()
	if _, err := s.db.ExecContext(ctx, s.bind(query), key, value); err != nil {
		return fmt.Errorf("KVの保存に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLKV) nowExpr() string {
	if s.dialect == database.DialectPostgres {
		return "now()"
	}
	return "unixepoch()"
}

// Delete はキーを削除する。
func (s *SQLKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM kv WHERE key = ?`), key); err != nil {
		return fmt.Errorf("KVの削除に失敗しました: %w", err)
	}
	return nil
}

// Scan はprefixで始まる全てのキーと値をfnに渡す。
// LIKEのワイルドカードとロケール依存の照合順序を避けるため、先頭部分の一致で検索する。
func (s *SQLKV) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ?`),
		len(prefix), prefix,
	)
	if err != nil {
		return fmt.Errorf("KVの走査に失敗しました: %w", err)
	}
	defer rows.Close()

	type entry struct {
		key   string
		value []byte
	}
	// SQLiteは単一接続のため、fnの中からKVを呼べるよう先に読み切る
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			return fmt.Errorf("KVの行の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("KVの走査中にエラーが発生しました: %w", err)
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// Ping はデータベースへの疎通を確認する。
func (s *SQLKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
