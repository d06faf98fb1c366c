package mailgw

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/fetch"
	"github.com/nugget/reeve/internal/memory"
)

// The gateway is the client adapter for the "mail" source.
var _ agent.Client = (*Gateway)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(cfg config.MailConfig) *Gateway {
	return New(cfg, nil, testLogger())
}

func TestMailRoomID(t *testing.T) {
	if got := mailRoomID("Jo@Example.COM"); got != "mail:jo@example.com" {
		t.Errorf("mailRoomID = %q", got)
	}
}

func TestInboundText(t *testing.T) {
	m := &inboundMail{Subject: "Lights", Text: "please turn them off"}
	if got := inboundText(m); got != "Subject: Lights\n\nplease turn them off" {
		t.Errorf("inboundText = %q", got)
	}

	m = &inboundMail{Text: "no subject here"}
	if got := inboundText(m); got != "no subject here" {
		t.Errorf("inboundText = %q", got)
	}
}

func TestThreadTracking(t *testing.T) {
	g := newTestGateway(config.MailConfig{})

	m := &inboundMail{
		UID:        7,
		From:       "Jo <jo@example.com>",
		FromAddr:   "jo@example.com",
		Subject:    "thermostat",
		MessageID:  "abc@example.com",
		References: []string{"root@example.com"},
	}
	room := mailRoomID(m.FromAddr)
	g.rememberThread(room, m)

	th := g.lookupThread(room)
	if th == nil {
		t.Fatal("thread not recorded")
	}
	if th.to != "Jo <jo@example.com>" {
		t.Errorf("to = %q", th.to)
	}
	if th.messageID != "abc@example.com" {
		t.Errorf("messageID = %q", th.messageID)
	}
	// A reply references the parent's chain plus the parent itself.
	if len(th.references) != 2 || th.references[1] != "abc@example.com" {
		t.Errorf("references = %v", th.references)
	}

	// A newer message replaces the thread.
	g.rememberThread(room, &inboundMail{
		UID: 8, From: "Jo <jo@example.com>", FromAddr: "jo@example.com",
		Subject: "thermostat", MessageID: "def@example.com",
		References: []string{"root@example.com", "abc@example.com"},
	})
	th = g.lookupThread(room)
	if th.messageID != "def@example.com" {
		t.Errorf("thread not replaced: %q", th.messageID)
	}
	if len(th.references) != 3 || th.references[2] != "def@example.com" {
		t.Errorf("references = %v", th.references)
	}

	if g.lookupThread("mail:stranger@example.com") != nil {
		t.Error("unknown room should have no thread")
	}
}

func TestDeliverMessage_NoSMTP(t *testing.T) {
	g := newTestGateway(config.MailConfig{})
	m := memory.NewMessage("agent-1", "agent-1", "mail:jo@example.com",
		memory.MessageContent{Text: "hi"})

	_, err := g.DeliverMessage(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "smtp not configured") {
		t.Errorf("err = %v", err)
	}
}

func TestDeliverMessage_NoThread(t *testing.T) {
	cfg := config.MailConfig{SMTP: config.SMTPConfig{Host: "smtp.example.com"}}
	g := newTestGateway(cfg)
	m := memory.NewMessage("agent-1", "agent-1", "mail:jo@example.com",
		memory.MessageContent{Text: "hi"})

	_, err := g.DeliverMessage(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "no mail thread") {
		t.Errorf("err = %v", err)
	}
}

func TestDeliverMessage_NotAMessage(t *testing.T) {
	g := newTestGateway(config.MailConfig{})
	m := memory.NewThought("agent-1", "agent-1", "mail:jo@example.com",
		memory.ThoughtContent{MsgID: "m1", Text: "thinking"})

	if _, err := g.DeliverMessage(context.Background(), m); err == nil {
		t.Error("expected error for non-message memory")
	}
}

func TestStart_RequiresHost(t *testing.T) {
	g := newTestGateway(config.MailConfig{Enabled: true})
	if err := g.Start(context.Background()); err == nil {
		t.Error("expected error when imap host is unset")
	}
}

// singlePartPlain is a minimal single-part message.
const singlePartPlain = "From: sender@example.com\r\n" +
	"To: reeve@example.com\r\n" +
	"Subject: Simple\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello, Reeve!\r\n"

// alternativeParts is the common multipart/alternative layout.
const alternativeParts = "From: sender@example.com\r\n" +
	"To: reeve@example.com\r\n" +
	"Subject: Alternative\r\n" +
	"References: <root@example.com> <mid@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"alt\"\r\n" +
	"\r\n" +
	"--alt\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain body\r\n" +
	"--alt\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML body</p>\r\n" +
	"--alt--\r\n"

// htmlOnly has no text/plain alternative at all.
const htmlOnly = "From: sender@example.com\r\n" +
	"To: reeve@example.com\r\n" +
	"Subject: Newsletter\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Rendered <strong>content</strong> only.</p>" +
	"<script>tracking();</script></body></html>\r\n"

func TestParseBodyParts_SinglePart(t *testing.T) {
	text, html, refs, err := parseBodyParts(strings.NewReader(singlePartPlain), testLogger())
	if err != nil {
		t.Fatalf("parseBodyParts: %v", err)
	}
	if text != "Hello, Reeve!" {
		t.Errorf("text = %q", text)
	}
	if html != "" {
		t.Errorf("html = %q, want empty", html)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %v", refs)
	}
}

func TestParseBodyParts_Alternative(t *testing.T) {
	text, html, refs, err := parseBodyParts(strings.NewReader(alternativeParts), testLogger())
	if err != nil {
		t.Fatalf("parseBodyParts: %v", err)
	}
	if text != "Plain body" {
		t.Errorf("text = %q", text)
	}
	if html != "<p>HTML body</p>" {
		t.Errorf("html = %q", html)
	}
	if len(refs) != 2 || refs[0] != "root@example.com" || refs[1] != "mid@example.com" {
		t.Errorf("refs = %v", refs)
	}
}

func TestParseBodyParts_UnknownCharset(t *testing.T) {
	// go-message returns a usable reader alongside the charset error;
	// the body must survive, garbled or not.
	raw := "From: sender@example.com\r\n" +
		"Content-Type: text/plain; charset=x-fake-charset\r\n" +
		"\r\n" +
		"Charset mystery body\r\n"

	text, _, _, err := parseBodyParts(strings.NewReader(raw), testLogger())
	if err != nil {
		t.Fatalf("unknown charset should not be fatal: %v", err)
	}
	if text == "" {
		t.Error("body lost for unknown charset")
	}
}

func TestParseBodyParts_Truncation(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		strings.Repeat("X", maxBodyBytes+100) + "\r\n"

	text, _, _, err := parseBodyParts(strings.NewReader(raw), testLogger())
	if err != nil {
		t.Fatalf("parseBodyParts: %v", err)
	}
	if !strings.Contains(text, "[truncated]") {
		t.Error("oversized body should carry the truncation marker")
	}
}

func TestHTMLOnlyFallback(t *testing.T) {
	// No plain part: the gateway strips the HTML body instead. Same
	// two steps parseFetched runs.
	text, html, _, err := parseBodyParts(strings.NewReader(htmlOnly), testLogger())
	if err != nil {
		t.Fatalf("parseBodyParts: %v", err)
	}
	if text != "" {
		t.Fatalf("unexpected plain part: %q", text)
	}
	if html == "" {
		t.Fatal("html part missing")
	}

	_, stripped := fetch.ExtractReadable(html)
	if !strings.Contains(stripped, "Rendered content only.") {
		t.Errorf("stripped = %q", stripped)
	}
	if strings.Contains(stripped, "tracking()") {
		t.Errorf("script text survived: %q", stripped)
	}
}
