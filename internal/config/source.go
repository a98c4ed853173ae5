package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority controls how often a source is polled.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Interval maps a priority to its polling interval.
func (p Priority) Interval() time.Duration {
	switch p {
	case PriorityHigh:
		return 5 * time.Minute
	case PriorityLow:
		return 55 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// Valid reports whether the priority is one of the known values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow, "":
		return true
	}
	return false
}

// MentionsMode selects how @mentions in post text are transformed.
type MentionsMode string

const (
	MentionsNone         MentionsMode = "none"
	MentionsPrefix       MentionsMode = "prefix"
	MentionsSuffix       MentionsMode = "suffix"
	MentionsDomainSuffix MentionsMode = "domain_suffix"
)

// TrimStrategy selects how over-length text is shortened.
type TrimStrategy string

const (
	TrimSmart TrimStrategy = "smart"
	TrimWord  TrimStrategy = "word"
	TrimHard  TrimStrategy = "hard"
)

// ContentMode selects what title-bearing sources publish.
type ContentMode string

const (
	ContentText     ContentMode = "text"
	ContentTitle    ContentMode = "title"
	ContentCombined ContentMode = "combined"
)

// SourceConfig is one configured upstream feed, the merge of global,
// platform and per-source YAML in that order.
type SourceConfig struct {
	ID            string   `yaml:"id"`
	Platform      string   `yaml:"platform"`
	Enabled       *bool    `yaml:"enabled"`
	Priority      Priority `yaml:"priority"`
	TargetAccount string   `yaml:"target_account"`
	RSSSourceType string   `yaml:"rss_source_type"`

	SourceParams SourceParams     `yaml:"source_params"`
	Formatting   FormattingConfig `yaml:"formatting"`
	Filtering    FilteringConfig  `yaml:"filtering"`
	Processing   ProcessingConfig `yaml:"processing"`
	Mentions     MentionsConfig   `yaml:"mentions"`
	ProfileSync  *ProfileSync     `yaml:"profile_sync"`
	Scheduling   SchedulingConfig `yaml:"scheduling"`
}

// IsEnabled treats a missing enabled key as true.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SourceParams holds per-platform fetch parameters.
type SourceParams struct {
	// twitter
	Username     string `yaml:"username"`
	SourceHandle string `yaml:"source_handle"`
	BotID        string `yaml:"bot_id"`

	// rss / youtube
	FeedURL        string `yaml:"feed_url"`
	ChannelID      string `yaml:"channel_id"`
	ExcludeShorts  bool   `yaml:"exclude_shorts"`

	// bluesky
	Handle          string `yaml:"handle"`
	FeedATURL       string `yaml:"feed_at_url"`
	FeedCreator     string `yaml:"feed_creator"`
	FeedRkey        string `yaml:"feed_rkey"`
	IncludeThreads  bool   `yaml:"include_threads"`
}

// FormattingConfig shapes the outbound status text: prefixes, thread and
// read-more indicators, trimming and URL placement.
type FormattingConfig struct {
	SourceName        string       `yaml:"source_name"`
	PrefixRepost      string       `yaml:"prefix_repost"`
	ThreadIndicator   string       `yaml:"thread_indicator"`
	ReadMoreIndicator string       `yaml:"read_more_indicator"`
	MoveURLToEnd      *bool        `yaml:"move_url_to_end"`
	ContentMode       ContentMode  `yaml:"content_mode"`
	TitleSeparator    string       `yaml:"title_separator"`
	MaxLength         int          `yaml:"max_length"`
	TrimStrategy      TrimStrategy `yaml:"trim_strategy"`
	TrimTolerancePct  int          `yaml:"trim_tolerance_pct"`

	// URLRewrites maps a source domain to the host it is rewritten to,
	// e.g. twitter.com -> a chosen frontend.
	URLRewrites map[string]string `yaml:"url_rewrites"`

	Replacements []Replacement `yaml:"replacements"`
}

// Replacement is one ordered post-format text substitution.
type Replacement struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Flags       string `yaml:"flags"`
	Literal     bool   `yaml:"literal"`
}

// FilteringConfig decides which posts are skipped before formatting.
type FilteringConfig struct {
	SkipReplies  bool         `yaml:"skip_replies"`
	SkipRetweets bool         `yaml:"skip_retweets"`
	SkipQuotes   bool         `yaml:"skip_quotes"`
	Banned       []FilterRule `yaml:"banned"`
	Required     []FilterRule `yaml:"required"`
}

// ProcessingConfig holds pipeline tuning per source.
type ProcessingConfig struct {
	// ScraperEnabled turns the twitter hybrid tier engine on; when false
	// webhook payloads take tier 1.5.
	ScraperEnabled     *bool    `yaml:"scraper_enabled"`
	URLCleanAllowHosts []string `yaml:"url_clean_allow_hosts"`
	MaxContentBytes    int      `yaml:"max_content_bytes"`
}

// ScraperOn treats a missing key as enabled.
func (p ProcessingConfig) ScraperOn() bool {
	return p.ScraperEnabled == nil || *p.ScraperEnabled
}

// MentionsConfig configures @mention rewriting.
type MentionsConfig struct {
	Mode      MentionsMode `yaml:"mode"`
	URLPrefix string       `yaml:"url_prefix"`
	Domain    string       `yaml:"domain"`
}

// ProfileSync is carried in config for external collaborators; the gateway
// itself only logs the profile_sync activity action.
type ProfileSync struct {
	Enabled bool   `yaml:"enabled"`
	Avatar  string `yaml:"avatar"`
	Bio     string `yaml:"bio"`
}

// SchedulingConfig holds source-level scheduling exceptions.
type SchedulingConfig struct {
	// SkipHours lists hours of day (0-23) during which the source is not
	// polled (upstream maintenance windows).
	SkipHours []int `yaml:"skip_hours"`
}

// InSkipHours reports whether t falls inside a configured skip hour.
func (s SchedulingConfig) InSkipHours(t time.Time) bool {
	for _, h := range s.SkipHours {
		if t.Hour() == h {
			return true
		}
	}
	return false
}

// FilterRule is one node of a content-filter rule tree. YAML accepts either
// a bare string (case-insensitive substring) or a mapping with a type of
// literal, regex, and, or, not.
type FilterRule struct {
	Type    string       `yaml:"type"`
	Pattern string       `yaml:"pattern"`
	Flags   string       `yaml:"flags"`
	Content []FilterRule `yaml:"content"`
}

// UnmarshalYAML accepts the scalar shorthand for literal rules.
func (r *FilterRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Type = "literal"
		r.Pattern = value.Value
		return nil
	}

	type plain FilterRule
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = FilterRule(p)

	if r.Type == "" {
		r.Type = "literal"
	}
	switch r.Type {
	case "literal", "regex":
		if r.Pattern == "" {
			return fmt.Errorf("filter rule %q requires a pattern", r.Type)
		}
	case "and", "or", "not":
		if len(r.Content) == 0 {
			return fmt.Errorf("filter rule %q requires content", r.Type)
		}
	default:
		return fmt.Errorf("unknown filter rule type %q", r.Type)
	}
	return nil
}
