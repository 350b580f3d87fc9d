package security

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"
)

// --- Cipher ---

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher("s3cret")
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	sealed, err := c.Seal([]byte("hello"), "subscription:abc")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(sealed) != len("hello")+SealedOverhead {
		t.Errorf("暗号文の長さ = %d, want %d", len(sealed), len("hello")+SealedOverhead)
	}
	if sealed[0] != SealedVersion {
		t.Errorf("バージョンバイト = %d, want %d", sealed[0], SealedVersion)
	}

	plain, err := c.Open(sealed, "subscription:abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(plain) != "hello" {
		t.Errorf("Open() = %q, want %q", plain, "hello")
	}
}

func TestCipher_OpenRejectsOtherKey(t *testing.T) {
	c, _ := NewCipher("s3cret")
	sealed, _ := c.Seal([]byte("hello"), "subscription:abc")

	if _, err := c.Open(sealed, "subscription:def"); err == nil {
		t.Error("別のキーに紐付いた値の復号は失敗するべき")
	}
}

func TestCipher_OpenRejectsOtherSecret(t *testing.T) {
	a, _ := NewCipher("one")
	b, _ := NewCipher("two")
	sealed, _ := a.Seal([]byte("hello"), "k")

	if _, err := b.Open(sealed, "k"); err == nil {
		t.Error("別のシークレットでの復号は失敗するべき")
	}
}

func TestCipher_OpenRejectsTampering(t *testing.T) {
	c, _ := NewCipher("s3cret")
	sealed, _ := c.Seal([]byte("hello"), "k")

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := c.Open(tampered, "k"); err == nil {
		t.Error("改ざんされたデータの復号は失敗するべき")
	}

	badVersion := bytes.Clone(sealed)
	badVersion[0] = 0x02
	if _, err := c.Open(badVersion, "k"); err == nil {
		t.Error("未対応バージョンの復号は失敗するべき")
	}

	if _, err := c.Open([]byte{0x01, 0x02}, "k"); err == nil {
		t.Error("短すぎるデータの復号は失敗するべき")
	}
}

func TestCipher_SealUsesRandomNonce(t *testing.T) {
	c, _ := NewCipher("s3cret")
	a, _ := c.Seal([]byte("hello"), "k")
	b, _ := c.Seal([]byte("hello"), "k")
	if bytes.Equal(a, b) {
		t.Error("同じ平文でも暗号文は毎回異なるべき")
	}
}

func TestCipher_HashKey(t *testing.T) {
	a, _ := NewCipher("s3cret")
	b, _ := NewCipher("s3cret")
	other, _ := NewCipher("other")

	h := a.HashKey("!room:example.org")
	if len(h) != 64 {
		t.Errorf("ハッシュ長 = %d, want 64", len(h))
	}
	if strings.Contains(h, "room") {
		t.Error("ハッシュに元の値が含まれてはならない")
	}
	if h != b.HashKey("!room:example.org") {
		t.Error("同じシークレットと値からは同じハッシュになるべき")
	}
	if h == other.HashKey("!room:example.org") {
		t.Error("シークレットが異なればハッシュも異なるべき")
	}
	if h == a.HashKey("!other:example.org") {
		t.Error("値が異なればハッシュも異なるべき")
	}
}

func TestNewCipher_EmptySecret(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Error("空のシークレットはエラーになるべき")
	}
}

// --- Guard ---

func TestGuard_ValidateURL(t *testing.T) {
	guard := NewGuard(false)

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://mastodon.social", false},
		{"wss://mastodon.social/api/v1/streaming", false},
		{"http://blog.example.org/feed", false},
		{"", true},
		{"ftp://example.com", true},
		{"https:///path", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1", true},
		{"http://10.1.2.3", true},
		{"http://192.168.0.1", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/", true},
		{"http://[::ffff:127.0.0.1]/", true},
		{"http://0.0.0.0/", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestGuard_AllowPrivate(t *testing.T) {
	guard := NewGuard(true)
	if err := guard.ValidateURL("http://127.0.0.1:8080"); err != nil {
		t.Errorf("AllowPrivate時はループバックを許可するべき: %v", err)
	}
	if err := guard.ValidateURL("ftp://127.0.0.1"); err == nil {
		t.Error("AllowPrivate時もスキームは検証するべき")
	}
}

func TestGuard_NewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewGuard(false).NewSafeClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("ループバックへのリクエストはブロックされるべき")
	}
}

func TestGuard_NewSafeClientAllowPrivate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewGuard(true).NewSafeClient(5 * time.Second)
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("AllowPrivate時はリクエストが成功するべき: %v", err)
	}
	resp.Body.Close()
}

func TestIsBlockedAddr(t *testing.T) {
	if !IsBlockedAddr(netip.MustParseAddr("172.16.5.4")) {
		t.Error("172.16.5.4 はブロックされるべき")
	}
	if IsBlockedAddr(netip.MustParseAddr("93.184.216.34")) {
		t.Error("93.184.216.34 はブロックされてはならない")
	}
}

// --- Sanitizer ---

func TestSanitizer_AllowsMatrixTags(t *testing.T) {
	s := NewSanitizer()

	in := `<p>hi <b>bold</b> <em>em</em><br><a href="https://example.com/x">link</a></p><details><summary>cw</summary>body</details>`
	got := s.Sanitize(in)
	for _, want := range []string{"<b>bold</b>", "<em>em</em>", `href="https://example.com/x"`, "<details><summary>cw</summary>body</details>"} {
		if !strings.Contains(got, want) {
			t.Errorf("Sanitize() = %q, want to contain %q", got, want)
		}
	}
}

func TestSanitizer_RemovesDangerousContent(t *testing.T) {
	s := NewSanitizer()

	tests := []struct {
		name   string
		in     string
		banned string
	}{
		{"script", `<p>x</p><script>alert(1)</script>`, "<script"},
		{"iframe", `<iframe src="https://evil.test"></iframe>`, "<iframe"},
		{"onclick", `<p onclick="alert(1)">x</p>`, "onclick"},
		{"javascript href", `<a href="javascript:alert(1)">x</a>`, "javascript:"},
		{"img", `<img src="https://example.com/a.png">`, "<img"},
		{"style", `<style>p{}</style><p>x</p>`, "<style"},
		{"relative href", `<a href="/local">x</a>`, "/local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Sanitize(tt.in)
			if strings.Contains(got, tt.banned) {
				t.Errorf("Sanitize(%q) = %q, must not contain %q", tt.in, got, tt.banned)
			}
		})
	}
}

func TestSanitizer_EmptyInput(t *testing.T) {
	if got := NewSanitizer().Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, want empty", got)
	}
}

func TestSanitizer_Idempotent(t *testing.T) {
	s := NewSanitizer()
	in := `<p>a <span class="h-card"><a href="https://x.test/@a">@a</a></span><script>x</script></p>`
	once := s.Sanitize(in)
	if twice := s.Sanitize(once); twice != once {
		t.Errorf("2回目のサニタイズで結果が変わった: %q → %q", once, twice)
	}
}

func TestStripTags(t *testing.T) {
	got := StripTags(`<p>Hello <b>world</b></p>`)
	if got != "Hello world" {
		t.Errorf("StripTags() = %q, want %q", got, "Hello world")
	}
}

func TestGuard_NewSafeDialerBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := NewGuard(false).NewSafeDialer(time.Second).Dial("tcp", addr)
	if err == nil {
		conn.Close()
		t.Fatal("ループバックへの接続はブロックされるべき")
	}

	conn, err = NewGuard(true).NewSafeDialer(time.Second).Dial("tcp", addr)
	if err != nil {
		t.Fatalf("AllowPrivate時は接続できるべき: %v", err)
	}
	conn.Close()
}
