package mailgw

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// replyOptions carries everything composeReply needs for one outbound
// message. Body is markdown, the agent's native register.
type replyOptions struct {
	From       string
	To         string
	Subject    string
	Body       string
	InReplyTo  string   // parent Message-ID
	References []string // full threading chain, parent included
}

// composeReply builds a complete RFC 5322 message: threading headers
// plus a multipart/alternative body with the markdown stripped to
// text/plain and rendered to text/html.
func composeReply(opts replyOptions) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := mail.ParseAddress(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to %q: %w", opts.To, err)
	}
	h.SetAddressList("To", []*mail.Address{to})

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	if err := writePart(tw, "text/plain; charset=utf-8", markdownToPlain(opts.Body)); err != nil {
		return nil, err
	}

	html, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	if err := writePart(tw, "text/html; charset=utf-8", html); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.Set("Content-Type", contentType)

	pw, err := tw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

// replySubject prefixes "Re: " unless the thread already carries one.
func replySubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

// markdownToHTML renders the body for mail clients: a minimal document
// with inline styling and no external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

// Markdown formatting to strip for the text/plain alternative.
var (
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// markdownToPlain strips markdown syntax while keeping the content.
// Links become "text (url)"; list markers read fine as-is and stay.
func markdownToPlain(md string) string {
	s := mdCodeBlock.ReplaceAllString(md, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
