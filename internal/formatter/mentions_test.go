package formatter

import (
	"testing"

	"github.com/tlambot/feedgate/internal/config"
)

func TestTransformMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		cfg  config.MentionsConfig
		want string
	}{
		{
			name: "none leaves mentions alone",
			text: "hello @foo",
			cfg:  config.MentionsConfig{Mode: config.MentionsNone},
			want: "hello @foo",
		},
		{
			name: "prefix replaces with profile URL",
			text: "hello @foo world",
			cfg:  config.MentionsConfig{Mode: config.MentionsPrefix, URLPrefix: "https://twitter.com/"},
			want: "hello https://twitter.com/foo world",
		},
		{
			name: "suffix appends profile URL",
			text: "hello @foo",
			cfg:  config.MentionsConfig{Mode: config.MentionsSuffix, URLPrefix: "https://twitter.com"},
			want: "hello @foo (https://twitter.com/foo)",
		},
		{
			name: "domain suffix builds fediverse handle",
			text: "cc @foo and @bar",
			cfg:  config.MentionsConfig{Mode: config.MentionsDomainSuffix, Domain: "twitter.com"},
			want: "cc @foo@twitter.com and @bar@twitter.com",
		},
		{
			name: "email address untouched",
			text: "write to info@example.com please",
			cfg:  config.MentionsConfig{Mode: config.MentionsDomainSuffix, Domain: "twitter.com"},
			want: "write to info@example.com please",
		},
		{
			name: "dot before at is not a mention",
			text: "file.@odd",
			cfg:  config.MentionsConfig{Mode: config.MentionsDomainSuffix, Domain: "d"},
			want: "file.@odd",
		},
		{
			name: "mention at start of text",
			text: "@foo leads",
			cfg:  config.MentionsConfig{Mode: config.MentionsDomainSuffix, Domain: "twitter.com"},
			want: "@foo@twitter.com leads",
		},
		{
			name: "mention after punctuation",
			text: "(@foo) and ,@bar",
			cfg:  config.MentionsConfig{Mode: config.MentionsDomainSuffix, Domain: "t.co"},
			want: "(@foo@t.co) and ,@bar@t.co",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TransformMentions(tt.text, tt.cfg); got != tt.want {
				t.Errorf("TransformMentions(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
