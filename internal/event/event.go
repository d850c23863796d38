// Package event defines the Canonical Inbound Event: the platform-agnostic
// normalized form every envelope parser produces and the dispatcher consumes.
package event

import (
	"fmt"
	"time"
)

// Platform identifies the messaging channel an event arrived on.
type Platform string

const (
	PlatformWhatsApp  Platform = "WA"
	PlatformInstagram Platform = "IG"
)

// Valid reports whether p is a known platform tag.
func (p Platform) Valid() bool {
	return p == PlatformWhatsApp || p == PlatformInstagram
}

// BodyKind discriminates the tagged body union.
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyMedia
	BodyPostback
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "TEXT"
	case BodyMedia:
		return "MEDIA"
	case BodyPostback:
		return "POSTBACK"
	default:
		return "UNKNOWN"
	}
}

// MediaKind is the coarse media classification carried by a media body.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
)

// Body is the tagged payload union of an inbound event. Exactly one of the
// Text / Media / Postback fields is meaningful, selected by Kind.
type Body struct {
	Kind BodyKind

	// Text body
	Text string

	// Media body
	MediaKind MediaKind
	MediaID   string // platform media handle (WA) or direct URL (IG)
	MediaMIME string

	// Postback body
	Postback string
}

// TextBody builds a text body.
func TextBody(s string) Body { return Body{Kind: BodyText, Text: s} }

// MediaBody builds a media body.
func MediaBody(kind MediaKind, id, mime string) Body {
	return Body{Kind: BodyMedia, MediaKind: kind, MediaID: id, MediaMIME: mime}
}

// PostbackBody builds a postback body.
func PostbackBody(payload string) Body { return Body{Kind: BodyPostback, Postback: payload} }

// Inbound is the canonical inbound event.
type Inbound struct {
	Platform    Platform
	ChannelID   string // platform-assigned phone_number_id / page id
	EventID     string // platform message id, idempotency key
	SenderID    string // "<platform>:<platform_sender_id>"
	TimestampMS int64
	Body        Body
}

// Timestamp returns the event time.
func (e *Inbound) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMS)
}

// SenderKey builds the canonical sender identity for a platform sender id.
func SenderKey(p Platform, platformSenderID string) string {
	return fmt.Sprintf("%s:%s", string(p), platformSenderID)
}

// Staleness window for inbound timestamps.
const (
	MaxFuture = 5 * time.Minute
	MaxAge    = 7 * 24 * time.Hour
)

// Stale reports whether the event timestamp falls outside the accepted
// window relative to now.
func (e *Inbound) Stale(now time.Time) bool {
	ts := e.Timestamp()
	return ts.After(now.Add(MaxFuture)) || ts.Before(now.Add(-MaxAge))
}
