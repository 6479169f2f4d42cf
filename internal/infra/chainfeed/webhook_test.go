package chainfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collswap/internal/event"
	"collswap/internal/infra"
	"collswap/internal/infra/relay"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushPath = "/api/chain/events"

func webhookRouter(h *Webhook) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST(pushPath, h.Handle)
	return r
}

func push(r http.Handler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, pushPath, strings.NewReader(body))
	for k, v := range relay.NewSigner("indexer", secret).GenerateHeaders(http.MethodPost, pushPath, body) {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_AcceptsSignedPush(t *testing.T) {
	inbox := make(chan event.Event, 4)
	m := &infra.Metrics{}
	r := webhookRouter(NewWebhook("s3cret", inbox, m))

	w := push(r, "s3cret", placedFrame(7, "c-7"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted":1,"skipped":0}`, w.Body.String())

	ev := receive(t, inbox)
	assert.Equal(t, uint64(7), ev.GetSeq())
}

func TestWebhook_BatchSkipsUnknown(t *testing.T) {
	inbox := make(chan event.Event, 4)
	m := &infra.Metrics{}
	r := webhookRouter(NewWebhook("s3cret", inbox, m))

	body := "[" + placedFrame(1, "c-1") + `,{"type":"Mystery","seq":2,"ts":1,"data":{}},` + tradedFrame(3, "c-1", "10") + "]"
	w := push(r, "s3cret", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"accepted":2,"skipped":1}`, w.Body.String())

	assert.Equal(t, uint64(1), receive(t, inbox).GetSeq())
	assert.Equal(t, uint64(3), receive(t, inbox).GetSeq())
	assert.Equal(t, uint64(1), m.Snapshot().SyncSkipped)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	inbox := make(chan event.Event, 1)
	r := webhookRouter(NewWebhook("s3cret", inbox, &infra.Metrics{}))

	w := push(r, "wrong", placedFrame(1, "c-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, inbox)
}

func TestWebhook_RejectsStaleTimestamp(t *testing.T) {
	inbox := make(chan event.Event, 1)
	h := NewWebhook("s3cret", inbox, &infra.Metrics{})
	h.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	w := push(webhookRouter(h), "s3cret", placedFrame(1, "c-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, inbox)
}

func TestWebhook_MalformedBatch(t *testing.T) {
	r := webhookRouter(NewWebhook("s3cret", make(chan event.Event, 1), &infra.Metrics{}))
	w := push(r, "s3cret", "[{")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
