package gmail

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailcache/internal/model"
)

// threadFromAPI converts an API thread. Thread-level labels are the union
// of message labels and the newest message supplies sender and snippet.
func threadFromAPI(t *gmailapi.Thread, full bool) model.Thread {
	thread := model.Thread{ID: t.Id, Snippet: t.Snippet}

	seenLabel := map[string]bool{}
	seenAddr := map[string]bool{}
	var latest *model.Message

	for _, raw := range t.Messages {
		m := messageFromAPI(raw, full)
		thread.Messages = append(thread.Messages, m)

		for _, l := range m.Labels {
			if !seenLabel[l] {
				seenLabel[l] = true
				thread.Labels = append(thread.Labels, l)
			}
		}
		for _, a := range append(append([]string{m.From}, m.To...), m.Cc...) {
			a = model.NormalizeAddress(a)
			if a != "" && !seenAddr[a] {
				seenAddr[a] = true
				thread.Participants = append(thread.Participants, a)
			}
		}
		if thread.Subject == "" {
			thread.Subject = m.Subject
		}
	}

	for i := range thread.Messages {
		if latest == nil || !thread.Messages[i].Date.Before(latest.Date) {
			latest = &thread.Messages[i]
		}
	}
	if latest != nil {
		thread.LastDate = latest.Date
		thread.FromAddress = latest.From
		if latest.Snippet != "" {
			thread.Snippet = latest.Snippet
		}
	}
	thread.Unread = seenLabel[model.LabelUnread]
	return thread
}

// messageFromAPI converts an API message. Bodies and attachment metadata
// are read only when full is set.
func messageFromAPI(m *gmailapi.Message, full bool) model.Message {
	msg := model.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		Labels:   m.LabelIds,
		Date:     time.UnixMilli(m.InternalDate).UTC(),
	}
	for _, l := range m.LabelIds {
		if l == model.LabelUnread {
			msg.Unread = true
		}
	}
	if m.Payload == nil {
		return msg
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				msg.From = addr.Address
				msg.FromName = addr.Name
			} else {
				msg.From = strings.TrimSpace(h.Value)
			}
		case "to":
			msg.To = parseAddresses(h.Value)
		case "cc":
			msg.Cc = parseAddresses(h.Value)
		case "subject":
			msg.Subject = h.Value
		}
	}

	if full {
		var b bodies
		b.walk(m.Payload)
		msg.BodyText = b.text
		msg.BodyHTML = b.html
		msg.Attachments = b.attachments
		if msg.BodyText == "" && msg.BodyHTML != "" {
			msg.BodyText = stripHTML(msg.BodyHTML)
		}
	}
	return msg
}

// parseAddresses returns the bare addresses of a header list, tolerating
// malformed entries.
func parseAddresses(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if a, err := mail.ParseAddress(part); err == nil {
			out = append(out, a.Address)
		} else if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type bodies struct {
	text        string
	html        string
	attachments []model.Attachment
}

// walk visits the MIME tree depth first. The first text/plain and
// text/html parts that are not attachments win.
func (b *bodies) walk(p *gmailapi.MessagePart) {
	if p == nil {
		return
	}

	if p.Filename != "" {
		att := model.Attachment{Filename: p.Filename, MIMEType: p.MimeType}
		if p.Body != nil {
			att.ID = p.Body.AttachmentId
			att.Size = p.Body.Size
		}
		b.attachments = append(b.attachments, att)
		return
	}

	mimeType := strings.ToLower(p.MimeType)
	switch {
	case strings.HasPrefix(mimeType, "text/plain") && b.text == "":
		b.text = decodePartData(p.Body)
	case strings.HasPrefix(mimeType, "text/html") && b.html == "":
		b.html = decodePartData(p.Body)
	}

	for _, child := range p.Parts {
		b.walk(child)
	}
}

func decodePartData(body *gmailapi.MessagePartBody) string {
	if body == nil || body.Data == "" {
		return ""
	}
	data := strings.TrimRight(body.Data, "=")
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(raw)
}

func encodeRaw(raw []byte) string {
	return base64.URLEncoding.EncodeToString(raw)
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes HTML tags from a string and decodes common
// entities, giving a plain-text rendering for indexing.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
