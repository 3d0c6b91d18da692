package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/events"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// Config configures the JetStream event source
type Config struct {
	URL        string
	Stream     string
	Subject    string
	Queue      string
	AckWait    time.Duration
	RetryDelay time.Duration
	MaxDeliver int
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.Stream == "" {
		c.Stream = "STORAGE_EVENTS"
	}
	if c.Subject == "" {
		c.Subject = "storage.objects.finalized"
	}
	if c.AckWait == 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 10
	}
}

// Handler processes one upload event. The returned error decides whether the
// message is acked, redelivered or terminated.
type Handler func(ctx context.Context, ev pipeline.UploadEvent) error

// NatsBus carries upload notifications over NATS JetStream with at-least-once delivery.
type NatsBus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
	log *zap.Logger
	sub *nats.Subscription
}

// NewNatsBus dials NATS and ensures the stream exists.
func NewNatsBus(cfg Config, log *zap.Logger) (*NatsBus, error) {
	cfg.WithDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name("listing-image-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	b := &NatsBus{nc: nc, js: js, cfg: cfg, log: log}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *NatsBus) ensureStream() error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   []string{b.cfg.Subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err == nil {
		b.log.Info("jetstream stream ensured", zap.String("stream", b.cfg.Stream), zap.String("subject", b.cfg.Subject))
		return nil
	}
	// Stream may already exist; treat that as success.
	if _, infoErr := b.js.StreamInfo(b.cfg.Stream); infoErr == nil {
		return nil
	}
	return fmt.Errorf("ensure stream %s: %w", b.cfg.Stream, err)
}

// Close drains the subscription and closes the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	b.nc.Close()
}

// Publish sends an upload event. The object key and size form the message id
// so JetStream drops duplicate publishes inside its dedupe window.
func (b *NatsBus) Publish(ev pipeline.UploadEvent) error {
	if b == nil || b.js == nil {
		return errNilBus
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msgID := fmt.Sprintf("%s/%s@%d", ev.Bucket, ev.ObjectKey, ev.SizeBytes)
	_, err = b.js.Publish(b.cfg.Subject, data, nats.MsgId(msgID))
	return err
}

// Subscribe starts a durable queue subscription that runs handler for each event.
func (b *NatsBus) Subscribe(ctx context.Context, handler Handler) error {
	if b == nil || b.js == nil {
		return errNilBus
	}
	if b.cfg.Subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	cb := func(msg *nats.Msg) {
		b.dispatch(ctx, msg, handler)
	}

	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(b.cfg.MaxDeliver),
		nats.MaxAckPending(256),
	}
	if durable := durableName(b.cfg.Subject, b.cfg.Queue); durable != "" {
		opts = append(opts, nats.Durable(durable))
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.cfg.Queue == "" {
		sub, err = b.js.Subscribe(b.cfg.Subject, cb, opts...)
	} else {
		sub, err = b.js.QueueSubscribe(b.cfg.Subject, b.cfg.Queue, cb, opts...)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.Subject, err)
	}
	b.sub = sub
	b.log.Info("subscribed to upload events",
		zap.String("subject", b.cfg.Subject),
		zap.String("queue", b.cfg.Queue),
		zap.Duration("ack_wait", b.cfg.AckWait),
	)
	return nil
}

func (b *NatsBus) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	ev, err := events.Decode(msg.Data)
	if err != nil {
		err = decodeError{err}
	} else {
		err = handler(ctx, ev)
	}

	ack := decideAck(err, b.cfg.RetryDelay)
	log := b.log.With(
		zap.String("object_key", ev.ObjectKey),
		zap.Uint64("delivery", delivered),
		zap.String("ack", ack.action.String()),
	)
	switch ack.action {
	case actionAck:
		if err != nil {
			log.Info("event dropped", zap.Error(err))
		}
		_ = msg.Ack()
	case actionNak:
		if delivered >= uint64(b.cfg.MaxDeliver) {
			log.Error("event exhausted redeliveries", zap.Error(err))
		} else {
			log.Warn("event will be redelivered", zap.Duration("delay", ack.delay), zap.Error(err))
		}
		_ = msg.NakWithDelay(ack.delay)
	case actionTerm:
		log.Error("event terminated, redelivery cannot succeed", zap.Error(err))
		_ = msg.Term()
	}
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	if q := clean(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}
