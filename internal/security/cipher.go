package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SealedVersion は暗号化済みデータの先頭に付与するバージョンバイト。
// AADに含めるため、改ざんされると復号に失敗する。
const SealedVersion byte = 0x01

// SealedOverhead は暗号化による増加バイト数（バージョン1 + nonce24 + タグ16）。
const SealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

const keySize = 32

var (
	hkdfSalt           = []byte("tootfeed.store.v1")
	hkdfInfoEncryption = []byte("tootfeed.store.enc.v1")
	hkdfInfoKeyHash    = []byte("tootfeed.store.keyhash.v1")
)

// Cipher はストアに保存する値の暗号化と、キーの一方向ハッシュ化を行う。
// シークレット文字列からHKDF-SHA256で用途別の鍵を導出する。
type Cipher struct {
	encKey  []byte
	hashKey []byte
}

// NewCipher はシークレットから新しいCipherを生成する。
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("ストアのシークレットが空です")
	}

	encKey, err := deriveKey([]byte(secret), hkdfInfoEncryption)
	if err != nil {
		return nil, fmt.Errorf("暗号化鍵の導出に失敗しました: %w", err)
	}
	hashKey, err := deriveKey([]byte(secret), hkdfInfoKeyHash)
	if err != nil {
		return nil, fmt.Errorf("ハッシュ鍵の導出に失敗しました: %w", err)
	}
	return &Cipher{encKey: encKey, hashKey: hashKey}, nil
}

func deriveKey(secret, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, hkdfSalt, info)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// HashKey は値をキー付きBLAKE3で一方向ハッシュ化し、16進文字列で返す。
// 同じシークレットと値からは常に同じ結果になる。
func (c *Cipher) HashKey(value string) string {
	h, err := blake3.NewKeyed(c.hashKey)
	if err != nil {
		// 鍵長は常に32バイトのため発生しない
		panic("security: blake3 keyed hasher: " + err.Error())
	}
	_, _ = h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal はXChaCha20-Poly1305で平文を暗号化する。
// 形式: [バージョン 1バイト][nonce 24バイト][暗号文+タグ]
// バージョンバイトとboundToをAADに含め、別のキーへの値の付け替えを検出する。
func (c *Cipher) Seal(plaintext []byte, boundTo string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("XChaCha20-Poly1305の初期化に失敗しました: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = SealedVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, buildAAD(SealedVersion, boundTo)), nil
}

// Open はSealで暗号化したデータを復号する。
// 鍵の不一致、改ざん、boundToの不一致の場合はエラーを返す。
func (c *Cipher) Open(sealed []byte, boundTo string) ([]byte, error) {
	if len(sealed) < SealedOverhead {
		return nil, fmt.Errorf("暗号化データが短すぎます: %dバイト（最小%dバイト）", len(sealed), SealedOverhead)
	}
	if sealed[0] != SealedVersion {
		return nil, fmt.Errorf("未対応の暗号化バージョンです: %d", sealed[0])
	}

	aead, err := chacha20poly1305.NewX(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("XChaCha20-Poly1305の初期化に失敗しました: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(sealed[0], boundTo))
	if err != nil {
		return nil, fmt.Errorf("復号に失敗しました: %w", err)
	}
	return plaintext, nil
}

func buildAAD(version byte, boundTo string) []byte {
	aad := make([]byte, 1+len(boundTo))
	aad[0] = version
	copy(aad[1:], boundTo)
	return aad
}
