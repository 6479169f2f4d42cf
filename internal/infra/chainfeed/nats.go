package chainfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collswap/internal/domain"
	"collswap/internal/event"
	"collswap/internal/infra"

	"github.com/nats-io/nats.go"
)

// NATSFeed consumes chain event envelopes published on a NATS subject.
type NATSFeed struct {
	url     string
	subject string
	sink    sink

	ctx     context.Context
	cancel  context.CancelFunc
	fromSeq uint64

	conn         *nats.Conn
	subscription *nats.Subscription
	stopOnce     sync.Once
}

var _ domain.EventFeed = (*NATSFeed)(nil)

// NewNATSFeed creates a NATS feed writing into inbox.
func NewNATSFeed(url, subject string, inbox chan<- event.Event, metrics *infra.Metrics) *NATSFeed {
	return &NATSFeed{
		url:     url,
		subject: subject,
		sink:    newSink(inbox, metrics, "chainfeed_nats"),
	}
}

// Name identifies the feed in sync status.
func (f *NATSFeed) Name() string {
	return infra.FeedNATS
}

// Start connects and subscribes. Messages below fromSeq are ignored.
func (f *NATSFeed) Start(ctx context.Context, fromSeq uint64) error {
	logger := f.sink.logger
	opts := []nats.Option{
		nats.Name("collswap-orderbookd"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.Any("error", err))
			}
			f.sink.metrics.DecrementConnections()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
			f.sink.metrics.IncrementConnections()
		}),
	}

	conn, err := nats.Connect(f.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	f.conn = conn
	f.sink.metrics.IncrementConnections()

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.fromSeq = fromSeq

	sub, err := conn.Subscribe(f.subject, f.handleMsg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", f.subject, err)
	}
	f.subscription = sub

	logger.Info("🔗 Chain feed subscribed", slog.String("subject", f.subject), slog.Uint64("from_seq", fromSeq))
	return nil
}

// handleMsg runs on the subscription's goroutine, so a full inbox holds
// back further deliveries on this subject.
func (f *NATSFeed) handleMsg(msg *nats.Msg) {
	ctx := f.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var env event.Envelope
	if err := json.Unmarshal(msg.Data, &env); err == nil && env.Seq != 0 && env.Seq < f.fromSeq {
		return
	}
	f.sink.handle(ctx, msg.Data)
}

// Stop unsubscribes and drains the connection.
func (f *NATSFeed) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if f.subscription != nil {
			if err := f.subscription.Unsubscribe(); err != nil {
				f.sink.logger.Warn("NATS unsubscribe failed", slog.Any("error", err))
			}
		}
		if f.conn != nil {
			f.conn.Drain()
			f.conn.Close()
		}
	})
}
