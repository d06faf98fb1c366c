package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/agent"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/memory"
)

// turnTimeout caps a turn started from an inbound publish.
const turnTimeout = 10 * time.Minute

// Inbound publishes above this rate get dropped until the window
// resets.
const (
	inboundRateLimit    = 120
	inboundRateInterval = time.Minute
)

// Gateway bridges a broker to the agent loop. It is also the client
// adapter for the "mqtt" source: replies are published to the room's
// outbound topic, or to the topic the room's latest inbound envelope
// named in reply_to.
type Gateway struct {
	cfg     config.MQTTConfig
	loop    *agent.Loop
	logger  *slog.Logger
	limiter *messageRateLimiter
	cm      *autopaho.ConnectionManager
	baseCtx context.Context

	mu      sync.Mutex
	replyTo map[string]string // room ID → outbound topic override
}

// New creates a Gateway but does not connect. Call [Gateway.Start] to
// begin the connection and subscription.
func New(cfg config.MQTTConfig, loop *agent.Loop, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Gateway{
		cfg:     cfg,
		loop:    loop,
		logger:  logger,
		limiter: newMessageRateLimiter(inboundRateLimit, inboundRateInterval, logger),
		baseCtx: context.Background(),
		replyTo: make(map[string]string),
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it re-subscribes to the inbound filter and
// publishes the retained "online" birth message.
func (g *Gateway) Start(ctx context.Context) error {
	if g.cfg.Broker == "" {
		return fmt.Errorf("mqtt broker not configured")
	}
	brokerURL, err := url.Parse(g.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	g.baseCtx = ctx
	availTopic := AvailabilityTopic(g.cfg.TopicPrefix)
	filter := InboundFilter(g.cfg.TopicPrefix)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: g.cfg.Username,
		ConnectPassword: []byte(g.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			g.logger.Info("connected to broker", "broker", g.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: filter, QoS: 1},
				},
			}); err != nil {
				g.logger.Warn("inbound subscribe failed", "filter", filter, "error", err)
			}
			g.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			g.logger.Warn("connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: g.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					g.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	g.cm = cm

	go g.limiter.start(ctx)

	// Wait for the initial connection before reporting started.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		g.logger.Warn("initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes the retained "offline" availability message before
// closing the connection.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cm == nil {
		return nil
	}
	g.publishAvailability(ctx, g.cm, "offline")
	return g.cm.Disconnect(ctx)
}

func (g *Gateway) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   AvailabilityTopic(g.cfg.TopicPrefix),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		g.logger.Warn("availability publish failed", "status", status, "error", err)
	} else {
		g.logger.Info("availability published", "status", status)
	}
}

// inboundEnvelope is the JSON payload shape for inbound topics. Plain
// non-JSON payloads are treated as bare message text. A reply_to topic
// redirects the room's replies away from the default /out topic, for
// request/response bridges.
type inboundEnvelope struct {
	Text   string `json:"text"`
	Sender struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	ReplyTo string `json:"reply_to"`
}

// receive handles one inbound publish. The turn runs on its own
// goroutine; the paho router must not block on an LLM call.
func (g *Gateway) receive(topic string, payload []byte) {
	if !g.limiter.allow() {
		return
	}

	room, ok := RoomFromTopic(g.cfg.TopicPrefix, topic)
	if !ok {
		g.logger.Debug("publish on unexpected topic", "topic", topic)
		return
	}

	in, replyTo, ok := parseInbound(room, payload)
	if !ok {
		g.logger.Debug("empty inbound payload", "topic", topic)
		return
	}
	g.setReplyTo(room, replyTo)

	g.logger.Debug("inbound message", "room_id", room, "bytes", len(payload))
	go func() {
		ctx, cancel := context.WithTimeout(g.baseCtx, turnTimeout)
		defer cancel()
		if err := g.loop.HandleMessage(ctx, in); err != nil {
			g.logger.Error("turn failed", "room_id", room, "error", err)
		}
	}()
}

// parseInbound builds the loop input from a payload. JSON envelopes
// may name the sender and a reply_to topic; everything else arrives as
// the room's default broker identity.
func parseInbound(room string, payload []byte) (agent.Inbound, string, bool) {
	text := strings.TrimSpace(string(payload))

	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && strings.TrimSpace(env.Text) != "" {
		sender := actors.Actor{ID: env.Sender.ID, Name: env.Sender.Name}
		if sender.ID == "" {
			sender = defaultSender(room)
		}
		return agent.Inbound{
			RoomID: room,
			Sender: sender,
			Text:   strings.TrimSpace(env.Text),
			Source: "mqtt",
		}, strings.TrimSpace(env.ReplyTo), true
	}

	if text == "" {
		return agent.Inbound{}, "", false
	}
	return agent.Inbound{
		RoomID: room,
		Sender: defaultSender(room),
		Text:   text,
		Source: "mqtt",
	}, "", true
}

// setReplyTo records or clears a room's outbound topic override. Turns
// for one room are serialized, so the latest inbound envelope governs
// the replies it produces.
func (g *Gateway) setReplyTo(room, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if topic == "" {
		delete(g.replyTo, room)
		return
	}
	g.replyTo[room] = topic
}

// outboundTopic resolves where a room's replies go: the reply_to
// override when the latest envelope set one, the default /out topic
// otherwise.
func (g *Gateway) outboundTopic(room string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if topic, ok := g.replyTo[room]; ok {
		return topic
	}
	return OutboundTopic(g.cfg.TopicPrefix, room)
}

func defaultSender(room string) actors.Actor {
	return actors.Actor{ID: "mqtt:" + room, Name: "MQTT"}
}

// DeliverMessage publishes an outbound message to the room's outbound
// topic as plain text. Broker consumers (automations, displays) should
// not need a JSON parser to show a reply.
func (g *Gateway) DeliverMessage(ctx context.Context, m *memory.Memory) (*memory.Memory, error) {
	if g.cm == nil {
		return nil, fmt.Errorf("mqtt gateway not started")
	}
	mc, ok := m.Message()
	if !ok {
		return nil, fmt.Errorf("memory %s is not a message", m.ID)
	}

	topic := g.outboundTopic(m.RoomID)
	if _, err := g.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(mc.Text),
		QoS:     1,
	}); err != nil {
		return nil, fmt.Errorf("publish reply to %s: %w", topic, err)
	}
	g.logger.Debug("reply published", "room_id", m.RoomID, "topic", topic)
	return m, nil
}
