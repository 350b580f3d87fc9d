package render

import (
	"strings"
	"testing"

	"github.com/hitoshi/tootfeed/internal/model"
	"github.com/hitoshi/tootfeed/internal/security"
)

func ptr[T any](v T) *T { return &v }

var testAccount = model.Account{
	ID:          "AAA",
	Username:    "john",
	Acct:        "john@mastodon.test",
	DisplayName: "John Mastodon",
	Note:        `<p>John Mastodon, a mammal<br/><a href="https://mastodon.test/@john"><span>https://</span><span>mastodon.test/@john</span><span></span></a><br/><a href="https://johnmastodon.test/">https://johnmastodon.test/</a></p>`,
	URL:         "https://mastodon.test/@john",
}

var testStatus = model.Status{
	ID:        "AR2LJmfnLuL7ckyUGe",
	URI:       "https://mastodon.test/users/john/statuses/1",
	URL:       ptr("https://mastodon.test/@john/1"),
	CreatedAt: "2022-11-30T09:26:01.000Z",
	Account:   testAccount,
	Content:   "<p>Hello world</p>",
}

// summaryOf は<summary>要素の内容を返す。
func summaryOf(t *testing.T, s string) string {
	t.Helper()
	start := strings.Index(s, "<summary>")
	end := strings.Index(s, "</summary>")
	if start < 0 || end < start {
		t.Fatalf("<summary> が見つからない: %s", s)
	}
	return s[start+len("<summary>") : end]
}

func TestUnlinkMentions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "メンションとハッシュタグのリンクを除去し通常のリンクは残す",
			input: `<p>Hello hello <span class="h-card"><a href="https://mastodon.test/@user1" class="u-url mention">@<span>user1</span></a></span> what about <a href="https://mastodon.test/tags/hashtag" rel="tag">#<span>hashtag</span></a> from here: <a href="https://othersite.test/inside/page"><span>https://</span><span>othersite.te</span><span>st/inside/page</span></a></p>`,
			want:  `<p>Hello hello <span class="h-card"><em>@<span>user1</span></em></span> what about <em>#<span>hashtag</span></em> from here: <a href="https://othersite.test/inside/page"><span>https://</span><span>othersite.te</span><span>st/inside/page</span></a></p>`,
		},
		{
			name:  "Pleroma形式のハッシュタグ",
			input: `<p>Check <a href="https://mastodon.test/tags/hashtag" class="hashtag">#<span>hashtag</span></a></p>`,
			want:  `<p>Check <em>#<span>hashtag</span></em></p>`,
		},
		{
			name:  "空文字列",
			input: "",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnlinkMentions(tt.input); got != tt.want {
				t.Errorf("UnlinkMentions()\n got = %s\nwant = %s", got, tt.want)
			}
		})
	}
}

func TestRenderPoll(t *testing.T) {
	poll := &model.Poll{
		ID:         "AR2LJmfnLuL7ckyUGe",
		ExpiresAt:  ptr("2022-12-27T21:44:19.000Z"),
		VotesCount: 409,
		Options: []model.PollOption{
			{Title: "Foo", VotesCount: ptr(148)},
			{Title: "Bar Bar", VotesCount: nil},
			{Title: "Bazzz", VotesCount: ptr(82)},
		},
	}
	want := "🗳️:" +
		"<br>🔘 Foo (📊 148)" +
		"<br>🔘 Bar Bar" +
		"<br>🔘 Bazzz (📊 82)"
	if got := RenderPoll(poll); got != want {
		t.Errorf("RenderPoll() = %q, want %q", got, want)
	}
}

func TestAccountInfo(t *testing.T) {
	t.Run("自己紹介にリンクを含む通常のアカウント", func(t *testing.T) {
		want := "<p>👤 <b>John Mastodon</b> <code>@john@mastodon.test</code> mastodon.test/@john<br>John Mastodon, a mammal\nmastodon.test/@john\njohnmastodon.test/</p>"
		if got := AccountInfo(&testAccount); got != want {
			t.Errorf("AccountInfo()\n got = %q\nwant = %q", got, want)
		}
	})

	t.Run("表示名と自己紹介が空のアカウント", func(t *testing.T) {
		a := testAccount
		a.DisplayName = ""
		a.Note = ""
		want := "<p>👤 <b>john</b> <code>@john@mastodon.test</code> mastodon.test/@john</p>"
		if got := AccountInfo(&a); got != want {
			t.Errorf("AccountInfo()\n got = %q\nwant = %q", got, want)
		}
	})
}

func TestNotificationHTML(t *testing.T) {
	t.Run("reblog", func(t *testing.T) {
		n := &model.Notification{ID: "1", Type: model.NotificationReblog, Account: &testAccount, Status: &testStatus}
		got, ok := NotificationHTML(n)
		if !ok {
			t.Fatal("reblog は配信対象であるべき")
		}
		want := "🔔♻️ <b>John Mastodon</b> reblogged your toot from 2022-11-30T09:26:01.000Z"
		if s := summaryOf(t, got); s != want {
			t.Errorf("summary = %q, want %q", s, want)
		}
		if !strings.Contains(got, "Hello world") {
			t.Errorf("対象の投稿が含まれていない: %s", got)
		}
	})

	t.Run("move", func(t *testing.T) {
		target := testAccount
		target.Acct = "john@mastodonna.test"
		n := &model.Notification{ID: "2", Type: model.NotificationMove, Account: &testAccount, Target: &target}
		got, ok := NotificationHTML(n)
		if !ok {
			t.Fatal("move は配信対象であるべき")
		}
		want := "🔔💨 <b>John Mastodon</b> moved to <code>@john@mastodonna.test</code>"
		if s := summaryOf(t, got); s != want {
			t.Errorf("summary = %q, want %q", s, want)
		}
	})

	t.Run("全ての既知の種別", func(t *testing.T) {
		for _, typ := range []model.NotificationType{
			model.NotificationMention, model.NotificationFavourite, model.NotificationFollow,
			model.NotificationFollowRequest, model.NotificationPoll, model.NotificationStatus,
			model.NotificationUpdate, model.NotificationReaction,
		} {
			n := &model.Notification{ID: "3", Type: typ, Account: &testAccount, Status: &testStatus}
			got, ok := NotificationHTML(n)
			if !ok || !strings.HasPrefix(summaryOf(t, got), "🔔") {
				t.Errorf("種別 %s の変換結果 = %q, %v", typ, got, ok)
			}
		}
	})

	t.Run("未知の種別は配信しない", func(t *testing.T) {
		n := &model.Notification{ID: "4", Type: "admin.sign_up", Account: &testAccount}
		if _, ok := NotificationHTML(n); ok {
			t.Error("未知の種別は false を返すべき")
		}
	})

	t.Run("アカウントが無い通知", func(t *testing.T) {
		n := &model.Notification{ID: "5", Type: model.NotificationFollow}
		got, ok := NotificationHTML(n)
		if !ok || !strings.Contains(got, "<b>someone</b>") {
			t.Errorf("NotificationHTML() = %q, %v", got, ok)
		}
	})
}

func TestStatusHTML(t *testing.T) {
	t.Run("ヘッダーと本文", func(t *testing.T) {
		got := StatusHTML(&testStatus)
		want := `<p><b>John Mastodon</b> <a href="https://mastodon.test/@john/1">john@mastodon.test</a></p><p>Hello world</p>`
		if got != want {
			t.Errorf("StatusHTML()\n got = %s\nwant = %s", got, want)
		}
	})

	t.Run("ブースト", func(t *testing.T) {
		booster := model.Account{ID: "B", Username: "jane", Acct: "jane@pleroma.test"}
		s := &model.Status{ID: "2", Account: booster, Reblog: &testStatus}
		got := StatusHTML(s)
		if !strings.HasPrefix(got, "<p>♻️ <b>jane</b> reblogged</p>") {
			t.Errorf("ブーストのヘッダーが無い: %s", got)
		}
		if !strings.Contains(got, "Hello world") {
			t.Errorf("ブースト元の本文が無い: %s", got)
		}
	})

	t.Run("閲覧注意と添付と投票", func(t *testing.T) {
		s := testStatus
		s.SpoilerText = "spoilers <ahead>"
		s.MediaAttachments = []model.Attachment{
			{Type: "image", URL: "https://files.mastodon.test/1.png", Description: ptr("a cat")},
			{Type: "video", RemoteURL: ptr("https://remote.test/v.mp4")},
			{Type: "unknown"},
		}
		s.Poll = &model.Poll{Options: []model.PollOption{{Title: "Yes"}}}

		got := StatusHTML(&s)
		for _, want := range []string{
			"<details><summary>⚠️ spoilers &lt;ahead&gt;</summary>",
			`<p>📎 <a href="https://files.mastodon.test/1.png">a cat</a></p>`,
			`<p>📎 <a href="https://remote.test/v.mp4">video</a></p>`,
			"<p>🗳️:<br>🔘 Yes</p>",
			"</details>",
		} {
			if !strings.Contains(got, want) {
				t.Errorf("StatusHTML() に %q が含まれていない: %s", want, got)
			}
		}
		if strings.Count(got, "📎") != 2 {
			t.Errorf("URLの無い添付は表示しないべき: %s", got)
		}
	})
}

func TestRenderer_SanitizesOutput(t *testing.T) {
	r := New(security.NewSanitizer())

	s := testStatus
	s.Content = `<p>hi<script>alert(1)</script><img src="https://x.test/a.png" onerror="x()"></p>`
	msg := r.Status(&s)

	if strings.Contains(msg.HTML, "<script") || strings.Contains(msg.HTML, "<img") || strings.Contains(msg.HTML, "onerror") {
		t.Errorf("危険な要素が除去されていない: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "<b>John Mastodon</b>") {
		t.Errorf("ヘッダーが失われている: %s", msg.HTML)
	}
	if !strings.HasPrefix(msg.Body, "John Mastodon john@mastodon.test\nhi") {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestRenderer_Notification(t *testing.T) {
	r := New(security.NewSanitizer())

	msg, ok := r.Notification(&model.Notification{ID: "1", Type: model.NotificationFollow, Account: &testAccount})
	if !ok {
		t.Fatal("follow は配信対象であるべき")
	}
	if !strings.Contains(msg.HTML, "<details><summary>") {
		t.Errorf("HTML = %s", msg.HTML)
	}
	if !strings.HasPrefix(msg.Body, "🔔👋 John Mastodon followed you") {
		t.Errorf("Body = %q", msg.Body)
	}

	if _, ok := r.Notification(&model.Notification{Type: "unknown"}); ok {
		t.Error("未知の種別は配信しないべき")
	}
}

func TestRenderer_Markdown(t *testing.T) {
	r := New(security.NewSanitizer())
	msg, err := r.Markdown("**bold** and `code`\n\n- item")
	if err != nil {
		t.Fatalf("Markdown() error = %v", err)
	}
	for _, want := range []string{"<strong>bold</strong>", "<code>code</code>", "<li>item</li>"} {
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("HTML に %q が含まれていない: %s", want, msg.HTML)
		}
	}
	if msg.Body != "**bold** and `code`\n\n- item" {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"段落と改行", "<p>a<br>b</p><p>c</p>", "a\nb\nc"},
		{"実体参照", "<p>&lt;tag&gt; &amp; more</p>", "<tag> & more"},
		{"空", "", ""},
		{"scriptは除外", "<p>x</p><script>y()</script>", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToText(tt.input); got != tt.want {
				t.Errorf("HTMLToText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
