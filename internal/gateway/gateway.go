// Package gateway owns the single broker connection. It subscribes to the
// device acknowledgement, telemetry and probe-acknowledgement channels,
// multiplexes inbound events and outbound publish requests through one loop,
// and routes accepted messages to the presence tracker and the job store.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"lampbridge/internal/storage"
)

// PresenceSink receives liveness updates derived from probe acknowledgements.
type PresenceSink interface {
	UpdateStatus(device string, online bool)
}

// JobStore is the slice of the persistence contract the gateway needs:
// the append-only inbound audit log and job creation.
type JobStore interface {
	AppendReceived(ctx context.Context, topic, device, payload string) error
	CreateJob(ctx context.Context, device, contents string, jobType storage.JobType) (int64, error)
}

// Config configures the broker connection.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	ClientID  string
	Namespace string

	KeepAlive      time.Duration // default 5s
	ConnectTimeout time.Duration // default 10s

	InboundQueueSize  int // default 256
	OutboundQueueSize int // default 100

	// PublishPerSec caps outbound publishes; 0 disables the cap.
	PublishPerSec int
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = 256
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 100
	}
	return c
}

type inboundMessage struct {
	topic   string
	payload []byte
}

type publishRequest struct {
	topic   string
	payload string
}

type Gateway struct {
	cfg    Config
	log    zerolog.Logger
	client mqtt.Client

	presence PresenceSink
	store    JobStore

	inbound  chan inboundMessage
	outbound chan publishRequest
	limiter  *rate.Limiter

	done      chan struct{} // closed on Close; unblocks paho callbacks
	closeOnce sync.Once
}

func New(cfg Config, presence PresenceSink, store JobStore, log zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:      cfg,
		log:      log.With().Str("component", "gateway").Logger(),
		presence: presence,
		store:    store,
		inbound:  make(chan inboundMessage, cfg.InboundQueueSize),
		outbound: make(chan publishRequest, cfg.OutboundQueueSize),
		done:     make(chan struct{}),
	}
	if cfg.PublishPerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.PublishPerSec), cfg.PublishPerSec)
	}
	return g
}

// Connect establishes the broker session and registers the subscriptions.
// A failure here is fatal: the process must not proceed serving without a
// broker connection. Subscriptions are installed from the OnConnect hook so
// they survive automatic reconnects.
func (g *Gateway) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(g.cfg.Host, g.cfg.Port)).
		SetClientID(g.cfg.ClientID).
		SetUsername(g.cfg.Username).
		SetPassword(g.cfg.Password).
		SetKeepAlive(g.cfg.KeepAlive).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for _, filter := range subscriptionFilters(g.cfg.Namespace) {
			if token := c.Subscribe(filter, 1, g.onMessage); token.Wait() && token.Error() != nil {
				g.log.Error().Err(token.Error()).Str("filter", filter).Msg("subscribe failed")
			}
		}
		g.log.Info().Msg("broker connected, subscriptions installed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		// Transient: the paho client reconnects and OnConnect re-subscribes.
		g.log.Warn().Err(err).Msg("broker connection lost")
	})

	g.client = mqtt.NewClient(opts)
	token := g.client.Connect()
	if !token.WaitTimeout(g.cfg.ConnectTimeout) {
		return errors.Newf("broker connect timed out after %s", g.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "broker connect")
	}
	return nil
}

func brokerURL(host string, port int) string {
	if port <= 0 {
		port = 8883
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// onMessage runs on its own paho goroutine (order matters is off), so a full
// queue blocks the callback and pushes back into the client. The broker has
// already been acked by the time this handler returns; dropping here would
// lose the message with no redelivery.
func (g *Gateway) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := inboundMessage{topic: m.Topic(), payload: m.Payload()}
	select {
	case g.inbound <- msg:
	case <-g.done:
	}
}

// Publish queues an outbound message. It blocks only while the queue is full
// (backpressure) or until ctx is done; delivery happens on the mux loop.
// Per-caller submission order is preserved by the channel.
func (g *Gateway) Publish(ctx context.Context, topic, payload string) error {
	select {
	case g.outbound <- publishRequest{topic: topic, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the inbound/outbound multiplexing loop. Whichever side is ready
// first is served; per-message errors are contained and never abort the loop.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-g.inbound:
			g.route(ctx, msg.topic, msg.payload)
		case req := <-g.outbound:
			g.send(ctx, req)
		}
	}
}

func (g *Gateway) send(ctx context.Context, req publishRequest) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
	}
	token := g.client.Publish(req.topic, 1, false, req.payload)
	if token.Wait() && token.Error() != nil {
		g.log.Error().Err(token.Error()).Str("topic", req.topic).Msg("publish failed")
		return
	}
	g.log.Debug().Str("topic", req.topic).Msg("published")
}

// route classifies one inbound message and applies its side effects: one
// audit write, then exactly one of a presence update or a job creation.
func (g *Gateway) route(ctx context.Context, topic string, payload []byte) {
	if !utf8.Valid(payload) {
		g.log.Error().Str("topic", topic).Msg("dropping message with invalid payload encoding")
		return
	}
	text := string(payload)

	device, kind, ok := classifyTopic(topic)
	if !ok {
		g.log.Error().Str("topic", topic).Msg("dropping message without device segment")
		return
	}

	if err := g.store.AppendReceived(ctx, topic, device, text); err != nil {
		g.log.Error().Err(err).Str("topic", topic).Msg("audit write failed")
	}

	switch kind {
	case KindProbeAck:
		g.presence.UpdateStatus(device, true)
		g.log.Debug().Str("device", device).Msg("probe acknowledged, device online")
	case KindSwitchAck, KindTelemetry:
		id, err := g.store.CreateJob(ctx, device, text, storage.JobTypeLightSwitch)
		if err != nil {
			g.log.Error().Err(err).Str("device", device).Msg("create notify job failed")
			return
		}
		g.log.Info().Int64("job_id", id).Str("device", device).Str("kind", kind.String()).Msg("notify job created")
	default:
		// Recorded above, nothing else to do.
		g.log.Debug().Str("topic", topic).Msg("ignoring message with unrecognized suffix")
	}
}

// Close disconnects from the broker, allowing a short drain for in-flight
// acks, and releases any callbacks blocked on the inbound queue.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	if g.client != nil && g.client.IsConnected() {
		g.client.Disconnect(250)
	}
}
