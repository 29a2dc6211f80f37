package gmail

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailcache/internal/model"
)

// buildRawMessage renders payload as an RFC 5322 message. A payload with
// both bodies becomes multipart/alternative.
func buildRawMessage(from string, payload model.SendPayload) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(payload.Subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parsing sender %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	for _, field := range []struct {
		name  string
		addrs []string
	}{
		{"To", payload.To},
		{"Cc", payload.Cc},
		{"Bcc", payload.Bcc},
	} {
		if len(field.addrs) == 0 {
			continue
		}
		list, err := parseRecipients(field.addrs)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", field.name, err)
		}
		h.SetAddressList(field.name, list)
	}

	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}
	if payload.InReplyTo != "" {
		h.Set("In-Reply-To", angle(payload.InReplyTo))
	}
	if len(payload.References) > 0 {
		refs := make([]string, 0, len(payload.References))
		for _, r := range payload.References {
			refs = append(refs, angle(r))
		}
		h.Set("References", strings.Join(refs, " "))
	}

	var buf bytes.Buffer
	switch {
	case payload.BodyText != "" && payload.BodyHTML != "":
		if err := writeAlternative(&buf, h, payload); err != nil {
			return nil, err
		}
	case payload.BodyHTML != "":
		if err := writeSingle(&buf, h, "text/html", payload.BodyHTML); err != nil {
			return nil, err
		}
	default:
		if err := writeSingle(&buf, h, "text/plain", payload.BodyText); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeSingle(w io.Writer, h mail.Header, contentType, body string) error {
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return bw.Close()
}

func writeAlternative(w io.Writer, h mail.Header, payload model.SendPayload) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating inline writer: %w", err)
	}

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain", payload.BodyText},
		{"text/html", payload.BodyHTML},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("creating %s part: %w", part.contentType, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return fmt.Errorf("writing %s part: %w", part.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

func parseRecipients(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func angle(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
