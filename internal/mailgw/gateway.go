// Package mailgw bridges an email account to the agent loop. It polls
// an IMAP folder for unseen mail, refuses senders that are not on the
// trust list, runs one turn per accepted message, and sends the agent's
// reply back over SMTP as a threaded multipart/alternative message.
//
// Each correspondent gets their own room ("mail:" plus the bare
// address), so a mail exchange builds room history the same way a chat
// channel does.
package mailgw

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/memory"
)

// turnTimeout caps a turn started from an inbound message.
const turnTimeout = 10 * time.Minute

// fetchLimit caps how many messages one poll cycle handles. Anything
// beyond it stays unseen and is picked up next cycle.
const fetchLimit = 10

// Gateway polls IMAP for inbound mail and delivers replies over SMTP.
// It is the client adapter for the "mail" source.
type Gateway struct {
	cfg     config.MailConfig
	loop    *agent.Loop
	logger  *slog.Logger
	session *session
	trust   *trustList
	bus     *events.Bus
	baseCtx context.Context

	mu      sync.Mutex
	threads map[string]*thread
}

// New creates a Gateway but does not connect. Call [Gateway.Start] to
// begin polling.
func New(cfg config.MailConfig, loop *agent.Loop, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mail")
	return &Gateway{
		cfg:     cfg,
		loop:    loop,
		logger:  logger,
		session: newSession(cfg.IMAP, logger),
		trust:   newTrustList(cfg.TrustedSenders),
		baseCtx: context.Background(),
		threads: make(map[string]*thread),
	}
}

// SetBus attaches an event bus for poll cycle events.
func (g *Gateway) SetBus(bus *events.Bus) {
	g.bus = bus
}

// Start polls the configured folder until ctx is cancelled. The first
// poll runs immediately; the connection is established lazily by it.
func (g *Gateway) Start(ctx context.Context) error {
	if g.cfg.IMAP.Host == "" {
		return fmt.Errorf("mail gateway enabled but imap host not configured")
	}

	g.baseCtx = ctx

	interval := time.Duration(g.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	g.logger.Info("mail gateway starting",
		"host", g.cfg.IMAP.Host,
		"folder", g.folder(),
		"interval", interval,
		"trusted_senders", len(g.cfg.TrustedSenders),
	)
	if len(g.cfg.TrustedSenders) == 0 {
		g.logger.Warn("trusted_senders is empty; all inbound mail will be refused")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.poll(ctx)
		}
	}
}

// Stop closes the IMAP connection.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.session.close()
}

func (g *Gateway) folder() string {
	if g.cfg.IMAP.Folder == "" {
		return "INBOX"
	}
	return g.cfg.IMAP.Folder
}

// poll runs one fetch cycle: every unseen message is marked seen, then
// either refused (untrusted sender) or dispatched as a turn.
func (g *Gateway) poll(ctx context.Context) {
	g.bus.Emit(events.SourceMail, events.KindPollStart, map[string]any{
		"folder": g.folder(),
	})

	msgs, err := g.session.fetchUnseen(ctx, fetchLimit)
	if err != nil {
		g.logger.Warn("mail poll failed", "folder", g.folder(), "error", err)
		return
	}

	handled, refused := 0, 0
	for _, m := range msgs {
		// Mark seen before handling so a slow turn cannot make the
		// next cycle deliver the same message again.
		if err := g.session.markSeen(ctx, m.UID); err != nil {
			g.logger.Warn("mark seen failed", "uid", m.UID, "error", err)
			continue
		}

		if !g.trust.allow(m.FromAddr) {
			refused++
			g.logger.Info("refusing mail from untrusted sender",
				"from", m.FromAddr, "subject", m.Subject)
			continue
		}
		if m.Text == "" {
			g.logger.Debug("skipping message with no readable body",
				"uid", m.UID, "from", m.FromAddr)
			continue
		}

		g.dispatch(m)
		handled++
	}

	if len(msgs) > 0 {
		g.logger.Debug("poll cycle complete", "fetched", len(msgs),
			"handled", handled, "refused", refused)
	}
	g.bus.Emit(events.SourceMail, events.KindPollComplete, map[string]any{
		"folder":       g.folder(),
		"new_messages": handled,
		"refused":      refused,
	})
}

// dispatch records the thread for later reply and runs the turn on its
// own goroutine so the poll cycle keeps moving.
func (g *Gateway) dispatch(m *inboundMail) {
	roomID := mailRoomID(m.FromAddr)
	g.rememberThread(roomID, m)

	name := m.FromName
	if name == "" {
		name = m.FromAddr
	}

	in := agent.Inbound{
		RoomID:   roomID,
		RoomName: m.FromAddr,
		Sender:   actors.Actor{ID: roomID, Name: name, Username: m.FromAddr},
		Text:     inboundText(m),
		Source:   "mail",
	}

	g.logger.Debug("inbound mail", "room_id", roomID, "uid", m.UID,
		"subject", m.Subject)
	go func() {
		ctx, cancel := context.WithTimeout(g.baseCtx, turnTimeout)
		defer cancel()
		if err := g.loop.HandleMessage(ctx, in); err != nil {
			g.logger.Error("mail turn failed", "room_id", roomID, "error", err)
		}
	}()
}

// inboundText is what the agent sees for one message: the subject line
// when there is one, then the body.
func inboundText(m *inboundMail) string {
	if m.Subject == "" {
		return m.Text
	}
	return fmt.Sprintf("Subject: %s\n\n%s", m.Subject, m.Text)
}

// mailRoomID maps a correspondent to their room.
func mailRoomID(addr string) string {
	return "mail:" + strings.ToLower(addr)
}

// thread holds what a reply needs to land in the right mailbox and
// thread: the last inbound message per room.
type thread struct {
	to         string // formatted recipient for the To header
	subject    string
	messageID  string
	references []string
}

func (g *Gateway) rememberThread(roomID string, m *inboundMail) {
	to := m.From
	if to == "" {
		to = m.FromAddr
	}

	// A reply's References chain is the parent's chain plus the
	// parent's Message-ID.
	refs := make([]string, 0, len(m.References)+1)
	refs = append(refs, m.References...)
	if m.MessageID != "" {
		refs = append(refs, m.MessageID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.threads[roomID] = &thread{
		to:         to,
		subject:    m.Subject,
		messageID:  m.MessageID,
		references: refs,
	}
}

func (g *Gateway) lookupThread(roomID string) *thread {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threads[roomID]
}

// DeliverMessage sends an outbound message as an email reply to the
// room's correspondent. The room must have received at least one
// inbound message this process lifetime; replies thread onto it.
func (g *Gateway) DeliverMessage(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	mc, ok := m.Message()
	if !ok {
		return nil, fmt.Errorf("memory %s is not a message", m.ID)
	}
	if g.cfg.SMTP.Host == "" {
		return nil, fmt.Errorf("smtp not configured")
	}

	th := g.lookupThread(m.RoomID)
	if th == nil {
		return nil, fmt.Errorf("no mail thread for room %s", m.RoomID)
	}

	from := g.cfg.SMTP.From
	if from == "" {
		from = g.cfg.SMTP.Username
	}

	msg, err := composeReply(replyOptions{
		From:       from,
		To:         th.to,
		Subject:    replySubject(th.subject),
		Body:       mc.Text,
		InReplyTo:  th.messageID,
		References: th.references,
	})
	if err != nil {
		return nil, fmt.Errorf("compose reply: %w", err)
	}

	if err := sendMail(ctx, g.cfg.SMTP, bareAddress(from), []string{bareAddress(th.to)}, msg); err != nil {
		return nil, fmt.Errorf("send reply to %s: %w", th.to, err)
	}

	g.logger.Debug("reply sent", "room_id", m.RoomID, "to", th.to)
	return m, nil
}
