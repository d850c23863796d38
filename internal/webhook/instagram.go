package webhook

import (
	"encoding/json"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
)

// ============================================================================
// INSTAGRAM ENVELOPE PARSER
// ============================================================================

type igEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"` // page id
		Messaging []struct {
			Sender struct {
				ID string `json:"id"` // psid
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"` // ms
			Message   *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseInstagram normalizes an Instagram DM webhook body into canonical
// events. Same skip contract as the WhatsApp parser. An attachment wins
// over text when both are present, matching how the platform delivers
// image DMs with captions.
func ParseInstagram(body []byte) []event.Inbound {
	var env igEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Object != "instagram" {
		return nil
	}

	var out []event.Inbound
	for _, entry := range env.Entry {
		if entry.ID == "" {
			continue
		}
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.MID == "" || m.Sender.ID == "" {
				continue
			}

			ev := event.Inbound{
				Platform:    event.PlatformInstagram,
				ChannelID:   entry.ID,
				EventID:     m.Message.MID,
				SenderID:    event.SenderKey(event.PlatformInstagram, m.Sender.ID),
				TimestampMS: m.Timestamp,
			}

			switch {
			case len(m.Message.Attachments) > 0:
				att := m.Message.Attachments[0]
				if att.Type != "image" || att.Payload.URL == "" {
					continue
				}
				// IG media is fetched by URL; MIME is confirmed at download.
				ev.Body = event.MediaBody(event.MediaImage, att.Payload.URL, "image/jpeg")
			case m.Message.Text != "":
				ev.Body = event.TextBody(m.Message.Text)
			default:
				continue
			}
			out = append(out, ev)
		}
	}
	return out
}
