package models

import "time"

// Platform identifies the upstream network a post originated from.
type Platform string

const (
	PlatformTwitter Platform = "twitter"
	PlatformBluesky Platform = "bluesky"
	PlatformRSS     Platform = "rss"
	PlatformYouTube Platform = "youtube"
)

// MediaType classifies a media attachment.
type MediaType string

const (
	MediaImage          MediaType = "image"
	MediaVideo          MediaType = "video"
	MediaAudio          MediaType = "audio"
	MediaGIF            MediaType = "gif"
	MediaLinkCard       MediaType = "link_card"
	MediaVideoThumbnail MediaType = "video_thumbnail"
)

// MaxAttachableMedia is the hard cap on attachments per outbound status.
const MaxAttachableMedia = 4

// Media is a single attachment carried by a Post.
type Media struct {
	Type         MediaType `json:"type"`
	URL          string    `json:"url"`
	AltText      string    `json:"alt_text,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
}

// Attachable reports whether the media entry should be uploaded as an
// attachment. Link cards and video thumbnails are redundant next to a
// playable video or GIF entry and are dropped; on their own they are the
// only visual the post has and stay attached.
func (m Media) Attachable(hasPlayable bool) bool {
	if hasPlayable && (m.Type == MediaLinkCard || m.Type == MediaVideoThumbnail) {
		return false
	}
	return true
}

// Author describes the account that produced a post.
type Author struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`
}

// QuotedPost points at the post a quote references.
type QuotedPost struct {
	URL    string `json:"url"`
	Author string `json:"author,omitempty"`
}

// Post is the normalised record produced by an adapter or the tier engine
// and consumed by the pipeline. The ID is unique within (platform, source).
type Post struct {
	Platform    Platform  `json:"platform"`
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at"`
	Author      Author    `json:"author"`
	Media       []Media   `json:"media,omitempty"`

	IsRepost     bool `json:"is_repost,omitempty"`
	IsQuote      bool `json:"is_quote,omitempty"`
	IsReply      bool `json:"is_reply,omitempty"`
	IsThreadPost bool `json:"is_thread_post,omitempty"`
	HasVideo     bool `json:"has_video,omitempty"`

	RepostedBy    string      `json:"reposted_by,omitempty"`
	QuotedPost    *QuotedPost `json:"quoted_post,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	ReplyToHandle string      `json:"reply_to_handle,omitempty"`

	// Raw carries tier-specific metadata used downstream
	// (force_read_more, tier, truncated).
	Raw map[string]interface{} `json:"raw,omitempty"`
}

// RawBool reads a boolean flag out of the Raw map.
func (p *Post) RawBool(key string) bool {
	if p.Raw == nil {
		return false
	}
	v, ok := p.Raw[key].(bool)
	return ok && v
}

// SetRaw stores a tier-specific value, allocating the map on first use.
func (p *Post) SetRaw(key string, value interface{}) {
	if p.Raw == nil {
		p.Raw = make(map[string]interface{})
	}
	p.Raw[key] = value
}

// AttachableMedia returns the media entries eligible for upload, capped at
// MaxAttachableMedia.
func (p *Post) AttachableMedia() []Media {
	hasPlayable := false
	for _, m := range p.Media {
		if m.Type == MediaVideo || m.Type == MediaGIF {
			hasPlayable = true
			break
		}
	}

	out := make([]Media, 0, len(p.Media))
	for _, m := range p.Media {
		if !m.Attachable(hasPlayable) {
			continue
		}
		out = append(out, m)
		if len(out) == MaxAttachableMedia {
			break
		}
	}
	return out
}
