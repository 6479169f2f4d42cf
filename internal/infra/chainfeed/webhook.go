package chainfeed

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"collswap/internal/event"
	"collswap/internal/infra"
	"collswap/internal/infra/relay"

	"github.com/gin-gonic/gin"
)

const (
	maxWebhookBody = 1 << 20
	maxWebhookSkew = 5 * time.Minute
)

// Webhook accepts events pushed by the indexer over HTTP. The body is one
// envelope or an array of them, signed with the relay HMAC headers.
type Webhook struct {
	sink   sink
	signer *relay.Signer
	now    func() time.Time
}

// NewWebhook creates an ingress that verifies pushes against secret.
func NewWebhook(secret string, inbox chan<- event.Event, metrics *infra.Metrics) *Webhook {
	return &Webhook{
		sink:   newSink(inbox, metrics, "chainfeed_webhook"),
		signer: relay.NewSigner("", secret),
		now:    time.Now,
	}
}

// Handle is the gin handler for POST /api/chain/events.
func (h *Webhook) Handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	ts := c.GetHeader(relay.HeaderTimestamp)
	if !h.fresh(ts) || !h.signer.Verify(ts, c.Request.Method, c.Request.URL.Path, string(body), c.GetHeader(relay.HeaderSign)) {
		h.sink.logger.Warn("Rejected unsigned chain push", slog.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	frames, err := splitFrames(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	accepted, skipped := 0, 0
	for _, raw := range frames {
		if h.sink.handle(ctx, raw) == 0 {
			skipped++
			continue
		}
		accepted++
	}
	if err := ctx.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "accepted": accepted})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "skipped": skipped})
}

func (h *Webhook) fresh(ts string) bool {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := h.now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	return skew <= maxWebhookSkew
}

func splitFrames(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			return nil, err
		}
		return frames, nil
	}
	return []json.RawMessage{trimmed}, nil
}
