package webhook

import (
	"encoding/json"
	"strconv"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
)

// ============================================================================
// WHATSAPP ENVELOPE PARSER
// ============================================================================

// waEnvelope mirrors the fields the gateway consumes from the
// whatsapp_business_account webhook payload. Extra platform fields are
// ignored by json decoding.
type waEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []waMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"` // seconds as string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Document *waMedia `json:"document"`
}

type waMedia struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
}

// ParseWhatsApp normalizes a WhatsApp webhook body into canonical events.
// Unrecognized or partial structure is skipped, never an error: only
// well-formed messages reach the dispatcher. Multiple messages in one
// envelope fan out to independent events.
func ParseWhatsApp(body []byte) []event.Inbound {
	var env waEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if env.Object != "whatsapp_business_account" {
		return nil
	}

	var out []event.Inbound
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			channelID := change.Value.Metadata.PhoneNumberID
			if channelID == "" {
				continue
			}
			for _, msg := range change.Value.Messages {
				if ev, ok := waToCanonical(channelID, msg); ok {
					out = append(out, ev)
				}
			}
		}
	}
	return out
}

func waToCanonical(channelID string, msg waMessage) (event.Inbound, bool) {
	if msg.ID == "" || msg.From == "" {
		return event.Inbound{}, false
	}
	secs, err := strconv.ParseInt(msg.Timestamp, 10, 64)
	if err != nil {
		return event.Inbound{}, false
	}

	ev := event.Inbound{
		Platform:    event.PlatformWhatsApp,
		ChannelID:   channelID,
		EventID:     msg.ID,
		SenderID:    event.SenderKey(event.PlatformWhatsApp, msg.From),
		TimestampMS: secs * 1000,
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return event.Inbound{}, false
		}
		ev.Body = event.TextBody(msg.Text.Body)
	case "image":
		if msg.Image == nil {
			return event.Inbound{}, false
		}
		ev.Body = event.MediaBody(event.MediaImage, msg.Image.ID, msg.Image.MIMEType)
	case "document":
		if msg.Document == nil {
			return event.Inbound{}, false
		}
		ev.Body = event.MediaBody(event.MediaDocument, msg.Document.ID, msg.Document.MIMEType)
	default:
		return event.Inbound{}, false
	}
	return ev, true
}
