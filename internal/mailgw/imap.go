package mailgw

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/fetch"
)

// maxRawBytes caps how much of one raw RFC 822 message is buffered.
// The remainder of the IMAP literal is drained to keep the stream in
// sync; huge attachments must not stall a poll cycle.
const maxRawBytes = 5 * 1024 * 1024

// maxBodyBytes caps the extracted text body per part.
const maxBodyBytes = 32 * 1024

// inboundMail is one fetched message reduced to what the gateway
// needs: identity for the room, threading headers for the reply, and a
// readable body for the agent.
type inboundMail struct {
	UID        imap.UID
	From       string // formatted "Name <addr>"
	FromName   string
	FromAddr   string // bare address
	Subject    string
	Date       time.Time
	MessageID  string
	References []string
	Text       string
}

// session wraps one IMAP connection. Access is mutex-serialized and
// the connection is established lazily, with a NOOP liveness check and
// reconnect on each use.
type session struct {
	cfg    config.IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

func newSession(cfg config.IMAPConfig, logger *slog.Logger) *session {
	return &session{cfg: cfg, logger: logger}
}

// connectLocked dials and authenticates. Caller must hold s.mu.
func (s *session) connectLocked() error {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}

	port := s.cfg.Port
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	var (
		client *imapclient.Client
		err    error
	)
	// Port 143 is the plaintext convention; everything else dials TLS.
	if port == 143 {
		client, err = imapclient.DialInsecure(addr, nil)
	} else {
		opts := &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: s.cfg.Host},
		}
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", addr, err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("imap login as %s: %w", s.cfg.Username, err)
	}

	s.client = client
	s.logger.Info("imap connected", "host", s.cfg.Host, "user", s.cfg.Username)
	return nil
}

// ensureConnected reuses a live connection or reconnects. Caller must
// hold s.mu.
func (s *session) ensureConnected() error {
	if s.client != nil {
		if err := s.client.Noop().Wait(); err == nil {
			return nil
		}
		s.logger.Debug("imap connection stale, reconnecting", "host", s.cfg.Host)
	}
	return s.connectLocked()
}

// selectFolder selects the configured folder. Caller must hold s.mu.
func (s *session) selectFolder() error {
	folder := s.cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := s.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	return nil
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// fetchUnseen returns up to limit unseen messages, oldest first, with
// envelope and body parsed. The seen flag is left untouched; the
// caller marks messages explicitly once it takes responsibility for
// them.
func (s *session) fetchUnseen(ctx context.Context, limit int) ([]*inboundMail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		return nil, err
	}
	if err := s.selectFolder(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > limit {
		uids = uids[:limit]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true}, // seen is set explicitly by the caller
		},
	}

	cmd := s.client.Fetch(uidSet, fetchOpts)
	var out []*inboundMail
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		m, err := s.parseFetched(msg)
		if err != nil {
			s.logger.Debug("skipping message", "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}

	return out, nil
}

// markSeen adds the seen flag to one message.
func (s *session) markSeen(ctx context.Context, uid imap.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(); err != nil {
		return err
	}
	if err := s.selectFolder(); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	cmd := s.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("mark uid %d seen: %w", uid, err)
	}
	return nil
}

// parseFetched extracts one inboundMail from a fetch response.
func (s *session) parseFetched(msg *imapclient.FetchMessageData) (*inboundMail, error) {
	m := &inboundMail{}
	var raw []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			m.UID = data.UID
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope == nil {
				continue
			}
			m.Date = data.Envelope.Date
			m.Subject = data.Envelope.Subject
			m.MessageID = data.Envelope.MessageID
			if len(data.Envelope.From) > 0 {
				from := data.Envelope.From[0]
				m.FromAddr = from.Addr()
				m.FromName = from.Name
				if from.Name != "" {
					m.From = fmt.Sprintf("%s <%s>", from.Name, m.FromAddr)
				} else {
					m.From = m.FromAddr
				}
			}
		case imapclient.FetchItemDataBodySection:
			// Consume the literal now: go-imap/v2 streams it from the
			// connection, and msg.Next() advances past unread
			// literals.
			if data.Literal == nil {
				continue
			}
			var readErr error
			raw, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawBytes))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				s.logger.Debug("body literal read failed", "uid", m.UID, "error", readErr)
				raw = nil
			}
		}
	}

	if m.UID == 0 {
		return nil, fmt.Errorf("fetched message missing uid")
	}
	if m.FromAddr == "" {
		return nil, fmt.Errorf("uid %d: message missing from address", m.UID)
	}

	if raw != nil {
		text, html, refs, err := parseBodyParts(bytes.NewReader(raw), s.logger)
		if err != nil {
			s.logger.Debug("body parse failed", "uid", m.UID, "error", err)
		}
		m.References = refs
		m.Text = text
		if m.Text == "" && html != "" {
			_, m.Text = fetch.ExtractReadable(html)
		}
	}

	return m, nil
}

// parseBodyParts walks the MIME structure collecting the first
// text/plain and text/html bodies plus the References header, which
// the IMAP envelope does not carry.
//
// go-message can return both a usable reader AND an error when a part
// uses an unknown charset or transfer encoding. Those are non-fatal:
// slightly garbled text still beats no text.
func parseBodyParts(r io.Reader, logger *slog.Logger) (textBody, htmlBody string, refs []string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", "", nil, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return "", "", nil, fmt.Errorf("mail reader unavailable: %v", err)
	}

	if ids, idErr := mr.Header.MsgIDList("References"); idErr == nil {
		refs = ids
	}

	for {
		part, partErr := mr.NextPart()
		if partErr == io.EOF {
			break
		}
		if partErr != nil && !message.IsUnknownCharset(partErr) {
			return textBody, htmlBody, refs, fmt.Errorf("next part: %w", partErr)
		}
		if part == nil {
			continue
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			// Attachments are not readable body.
			continue
		}
		contentType, _, _ := header.ContentType()

		switch {
		case contentType == "text/plain" && textBody == "":
			textBody = readPart(part.Body, logger)
		case contentType == "text/html" && htmlBody == "":
			htmlBody = readPart(part.Body, logger)
		}
	}

	return textBody, htmlBody, refs, nil
}

func readPart(r io.Reader, logger *slog.Logger) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		logger.Debug("part read failed", "error", err)
		return ""
	}
	text := string(body)
	if len(body) > maxBodyBytes {
		text = text[:maxBodyBytes] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}
