package chainfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"collswap/internal/domain"
	"collswap/internal/event"
	"collswap/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	maxRetries   = 10
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

type subscribeFrame struct {
	Op      string `json:"op"`
	FromSeq uint64 `json:"from_seq"`
}

// WSFeed subscribes to the chain indexer over WebSocket and reconnects with
// backoff. On every (re)connect it resumes after the last delivered sequence.
type WSFeed struct {
	url  string
	sink sink

	lastSeq atomic.Uint64

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ domain.EventFeed = (*WSFeed)(nil)

// NewWSFeed creates a WebSocket feed writing into inbox.
func NewWSFeed(url string, inbox chan<- event.Event, metrics *infra.Metrics) *WSFeed {
	return &WSFeed{
		url:  url,
		sink: newSink(inbox, metrics, "chainfeed_ws"),
	}
}

// Name identifies the feed in sync status.
func (w *WSFeed) Name() string {
	return infra.FeedWebSocket
}

// Start begins streaming from fromSeq. It returns immediately.
func (w *WSFeed) Start(ctx context.Context, fromSeq uint64) error {
	if fromSeq > 0 {
		w.lastSeq.Store(fromSeq - 1)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *WSFeed) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.sink.logger.Warn("Chain feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		w.sink.metrics.IncrementConnections()
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		w.wg.Add(1)
		go w.pingLoop(ctx, conn)
		w.readLoop(ctx)
		w.sink.metrics.DecrementConnections()
	}
}

func (w *WSFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, make(http.Header))
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	from := w.lastSeq.Load() + 1
	if err := w.writeJSON(subscribeFrame{Op: "subscribe", FromSeq: from}); err != nil {
		w.closeConnection()
		return err
	}

	w.sink.logger.Info("🔗 Chain feed connected", slog.String("url", w.url), slog.Uint64("from_seq", from))
	return nil
}

func (w *WSFeed) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *WSFeed) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

// pingLoop keeps conn alive until it is replaced or closed.
func (w *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *WSFeed) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.sink.logger.Info("Chain feed read ended", slog.Any("error", err))
			w.closeConnection()
			return
		}
		w.handleMessage(ctx, msg)
	}
}

func (w *WSFeed) handleMessage(ctx context.Context, msg []byte) {
	var ctrl struct {
		Op string `json:"op"`
	}
	if json.Unmarshal(msg, &ctrl) == nil && ctrl.Op != "" {
		// Acks and pongs
		return
	}

	if seq := w.sink.handle(ctx, msg); seq > w.lastSeq.Load() {
		w.lastSeq.Store(seq)
	}
}

func (w *WSFeed) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Stop disconnects and waits for the loops to exit.
func (w *WSFeed) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
