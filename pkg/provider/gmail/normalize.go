package gmail

import (
	"encoding/base64"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/linkshitup/link-broker/pkg/provider"
)

// gmailMessage is the wire shape of users.messages.get.
type gmailMessage struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"threadId"`
	Snippet      string        `json:"snippet"`
	LabelIDs     []string      `json:"labelIds"`
	InternalDate string        `json:"internalDate"` // epoch millis as string
	Payload      *gmailPayload `json:"payload"`
}

type gmailPayload struct {
	MimeType string         `json:"mimeType"`
	Headers  []gmailHeader  `json:"headers"`
	Body     *gmailBody     `json:"body"`
	Parts    []gmailPayload `json:"parts"`
	Filename string         `json:"filename"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	AttachmentID string `json:"attachmentId"`
	Size         int64  `json:"size"`
	Data         string `json:"data"` // base64url
}

// normalizeMessage maps a Gmail message onto the common shape. Absent
// provider fields stay zero; the optional ones drop out of the JSON, while
// to and labels are emitted as empty lists.
func normalizeMessage(msg *gmailMessage, params provider.Params) provider.NormalizedMessage {
	out := provider.NormalizedMessage{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		Provider: "gmail",
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIDs,
		IsRead:   !hasLabel(msg.LabelIDs, "UNREAD"),
		To:       []provider.Address{},
	}
	if out.Labels == nil {
		out.Labels = []string{}
	}

	if msg.InternalDate != "" {
		if millis, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
			out.Timestamp = time.UnixMilli(millis).UTC().Format(time.RFC3339)
		}
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				out.Subject = h.Value
			case "from":
				if addrs := parseAddresses(h.Value); len(addrs) > 0 {
					out.From = addrs[0]
				}
			case "to":
				out.To = parseAddresses(h.Value)
			case "cc":
				out.CC = parseAddresses(h.Value)
			}
		}

		if body := extractBody(msg.Payload); body != nil {
			out.Body = body
		}
		out.Attachments = extractAttachments(msg.Payload)
	}

	if wantRaw, _ := params["raw"].(bool); wantRaw {
		out.Raw = msg
	}
	return out
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func parseAddresses(header string) []provider.Address {
	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		// Providers emit headers real parsers choke on; fall back to the
		// raw string rather than dropping the participant.
		return []provider.Address{{Email: strings.TrimSpace(header)}}
	}
	out := make([]provider.Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, provider.Address{Email: a.Address, Name: a.Name})
	}
	return out
}

// extractBody walks the MIME tree collecting the first text/plain and
// text/html leaves.
func extractBody(payload *gmailPayload) *provider.MessageBody {
	var body provider.MessageBody
	collectBodies(payload, &body)
	if body.Text == "" && body.HTML == "" {
		return nil
	}
	return &body
}

func collectBodies(p *gmailPayload, body *provider.MessageBody) {
	if p == nil {
		return
	}
	if p.Body != nil && p.Body.Data != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Body.Data, "=")); err == nil {
			switch {
			case strings.HasPrefix(p.MimeType, "text/plain") && body.Text == "":
				body.Text = string(decoded)
			case strings.HasPrefix(p.MimeType, "text/html") && body.HTML == "":
				body.HTML = string(decoded)
			}
		}
	}
	for i := range p.Parts {
		collectBodies(&p.Parts[i], body)
	}
}

func extractAttachments(payload *gmailPayload) []provider.Attachment {
	var out []provider.Attachment
	var walk func(p *gmailPayload)
	walk = func(p *gmailPayload) {
		if p == nil {
			return
		}
		if p.Filename != "" && p.Body != nil && p.Body.AttachmentID != "" {
			out = append(out, provider.Attachment{
				ID:       p.Body.AttachmentID,
				Filename: p.Filename,
				MimeType: p.MimeType,
				Size:     p.Body.Size,
			})
		}
		for i := range p.Parts {
			walk(&p.Parts[i])
		}
	}
	walk(payload)
	return out
}
