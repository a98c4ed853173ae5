package formatter

import (
	"log/slog"
	"testing"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func boolPtr(b bool) *bool { return &b }

func TestFormatRegularWithURLRewrite(t *testing.T) {
	source := config.SourceConfig{
		Formatting: config.FormattingConfig{
			URLRewrites: map[string]string{
				"twitter.com": "social.example.org",
				"x.com":       "social.example.org",
			},
		},
	}
	f := New(source, testLogger())

	got := f.Format(models.Post{
		Platform: models.PlatformTwitter,
		Text:     "Dobrý den světe",
		URL:      "https://twitter.com/foo/status/42",
	})
	want := "Dobrý den světe\nhttps://social.example.org/foo/status/42"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatRegularURLSuppressed(t *testing.T) {
	source := config.SourceConfig{
		Formatting: config.FormattingConfig{MoveURLToEnd: boolPtr(false)},
	}
	f := New(source, testLogger())

	got := f.Format(models.Post{Text: "no trailing link", URL: "https://example.com/1"})
	if got != "no trailing link" {
		t.Errorf("Format = %q", got)
	}
}

func TestFormatRepost(t *testing.T) {
	source := config.SourceConfig{
		Formatting: config.FormattingConfig{
			SourceName:   "Zprávy",
			PrefixRepost: "🔁",
		},
	}
	f := New(source, testLogger())

	got := f.Format(models.Post{
		Text:       "original content",
		URL:        "https://twitter.com/bar/status/7",
		Author:     models.Author{Username: "bar"},
		IsRepost:   true,
		RepostedBy: "foo",
	})
	want := "Zprávy 🔁 @bar:\noriginal content\nhttps://twitter.com/bar/status/7"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatQuote(t *testing.T) {
	f := New(config.SourceConfig{}, testLogger())

	got := f.Format(models.Post{
		Text:       "look at this",
		URL:        "https://twitter.com/foo/status/9",
		IsQuote:    true,
		QuotedPost: &models.QuotedPost{URL: "https://twitter.com/bar/status/8"},
	})
	want := "look at this\nhttps://twitter.com/bar/status/8\nhttps://twitter.com/foo/status/9"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatThreadPost(t *testing.T) {
	source := config.SourceConfig{
		Formatting: config.FormattingConfig{ThreadIndicator: "↪️"},
	}
	f := New(source, testLogger())

	got := f.Format(models.Post{
		Text:         "part two of the story",
		URL:          "https://twitter.com/foo/status/10",
		IsThreadPost: true,
	})
	want := "↪️ part two of the story\nhttps://twitter.com/foo/status/10"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatTitleModes(t *testing.T) {
	post := models.Post{
		Title: "Breaking news",
		Text:  "Full story body.",
		URL:   "https://example.com/article",
	}

	tests := []struct {
		mode config.ContentMode
		sep  string
		want string
	}{
		{config.ContentText, "", "Full story body.\nhttps://example.com/article"},
		{config.ContentTitle, "", "Breaking news\nhttps://example.com/article"},
		{config.ContentCombined, " — ", "Breaking news — Full story body.\nhttps://example.com/article"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			source := config.SourceConfig{
				Formatting: config.FormattingConfig{ContentMode: tt.mode, TitleSeparator: tt.sep},
			}
			got := New(source, testLogger()).Format(post)
			if got != tt.want {
				t.Errorf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatReadMoreIndicator(t *testing.T) {
	source := config.SourceConfig{
		Formatting: config.FormattingConfig{ReadMoreIndicator: "(více v odkazu)"},
	}
	f := New(source, testLogger())

	post := models.Post{Text: "truncated body…", URL: "https://twitter.com/foo/status/1"}
	post.SetRaw("force_read_more", true)

	got := f.Format(post)
	want := "truncated body… (více v odkazu)\nhttps://twitter.com/foo/status/1"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestStripPlatformURLs(t *testing.T) {
	tests := []struct{ in, want string }{
		{
			"check this https://twitter.com/foo/status/1/photo/1 out",
			"check this out",
		},
		{
			"clip https://twitter.com/foo/status/1/video/2",
			"clip",
		},
		{
			"quote https://nitter.example/bar/status/5#m here",
			"quote https://nitter.example/bar/status/5 here",
		},
		{"nothing to strip", "nothing to strip"},
	}
	for _, tt := range tests {
		if got := StripPlatformURLs(tt.in); got != tt.want {
			t.Errorf("StripPlatformURLs(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeEllipsis(t *testing.T) {
	tests := []struct{ in, want string }{
		{"wait...", "wait…"},
		{"wait……", "wait…"},
		{"wait...…", "wait…"},
		{"no change…", "no change…"},
	}
	for _, tt := range tests {
		if got := NormalizeEllipsis(tt.in); got != tt.want {
			t.Errorf("NormalizeEllipsis(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplyReplacements(t *testing.T) {
	rules := []config.Replacement{
		{Pattern: "Twitter", Replacement: "X", Literal: true},
		{Pattern: `(?m)^RT:`, Replacement: "Přeposláno:"},
		{Pattern: "badword", Replacement: "***", Flags: "i"},
	}
	got := ApplyReplacements("RT: Twitter says BADWORD", rules, testLogger())
	want := "Přeposláno: X says ***"
	if got != want {
		t.Errorf("ApplyReplacements = %q, want %q", got, want)
	}
}
