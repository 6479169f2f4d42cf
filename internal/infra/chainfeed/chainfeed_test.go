package chainfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collswap/internal/event"
	"collswap/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func placedFrame(seq uint64, id string) string {
	return fmt.Sprintf(`{"type":"OrderPlaced","seq":%d,"ts":1700000000000,"data":{"onChainOrderId":%q,`+
		`"owner":"0xo","collateralToken":"WETH","debtToken":"USDC","collateralAmount":"100","price":"1000000000000000000"}}`, seq, id)
}

func tradedFrame(seq uint64, id, amount string) string {
	return fmt.Sprintf(`{"type":"OrderTraded","seq":%d,"ts":1700000000000,"data":{"onChainOrderId":%q,"tradedAmount":%q}}`, seq, id, amount)
}

func receive(t *testing.T, inbox <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-inbox:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestWSFeed_SubscribesAndDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeFrame, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub

		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribed"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(placedFrame(5, "1")))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"OrderExploded","seq":6,"data":{"onChainOrderId":"1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(tradedFrame(7, "1", "40")))

		// Hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	inbox := make(chan event.Event, 8)
	metrics := &infra.Metrics{}
	feed := NewWSFeed("ws"+strings.TrimPrefix(srv.URL, "http"), inbox, metrics)
	require.NoError(t, feed.Start(context.Background(), 5))
	defer feed.Stop()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, uint64(5), sub.FromSeq)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	first := receive(t, inbox)
	assert.Equal(t, uint64(5), first.GetSeq())
	assert.IsType(t, &event.OrderPlaced{}, first)

	second := receive(t, inbox)
	traded, ok := second.(*event.OrderTraded)
	require.True(t, ok)
	assert.Equal(t, "40", traded.TradedAmount.String())

	assert.Equal(t, uint64(2), metrics.Snapshot().SyncSkipped)
	assert.Equal(t, infra.FeedWebSocket, feed.Name())
}

func TestWSFeed_ResumesAfterReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	froms := make(chan uint64, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		froms <- sub.FromSeq

		if connections.Add(1) == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(placedFrame(1, "1")))
			// Drop the connection; the feed must come back
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	inbox := make(chan event.Event, 8)
	feed := NewWSFeed("ws"+strings.TrimPrefix(srv.URL, "http"), inbox, &infra.Metrics{})
	require.NoError(t, feed.Start(context.Background(), 1))
	defer feed.Stop()

	receive(t, inbox)

	var got []uint64
	for len(got) < 2 {
		select {
		case f := <-froms:
			got = append(got, f)
		case <-time.After(5 * time.Second):
			t.Fatalf("feed did not reconnect, subscriptions: %v", got)
		}
	}
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestNATSFeed_HandleMsg(t *testing.T) {
	inbox := make(chan event.Event, 4)
	feed := NewNATSFeed("nats://127.0.0.1:4222", "chain.orders", inbox, &infra.Metrics{})
	feed.fromSeq = 10

	feed.handleMsg(&nats.Msg{Data: []byte(placedFrame(9, "1"))})
	feed.handleMsg(&nats.Msg{Data: []byte(placedFrame(10, "2"))})
	feed.handleMsg(&nats.Msg{Data: []byte(`{"type":"OrderPlaced"}`)})

	ev := receive(t, inbox)
	assert.Equal(t, uint64(10), ev.GetSeq())
	assert.Equal(t, "2", ev.ChainOrderID())
	assert.Empty(t, inbox)
	assert.Equal(t, infra.FeedNATS, feed.Name())
}

func TestNATSFeed_StartFailsWithoutServer(t *testing.T) {
	feed := NewNATSFeed("nats://127.0.0.1:1", "chain.orders", make(chan event.Event), &infra.Metrics{})
	assert.Error(t, feed.Start(context.Background(), 1))
	feed.Stop()
}

func TestRESTBackfill_PagesAndRetries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
		fails = 1
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		from := r.URL.Query().Get("from_seq")
		calls = append(calls, from)

		switch from {
		case "3":
			fmt.Fprintf(w, "[%s,%s]", placedFrame(3, "1"), `{"type":"Nope","seq":4,"data":{"onChainOrderId":"1"}}`)
		case "5":
			fmt.Fprintf(w, "[%s]", tradedFrame(5, "1", "10"))
		default:
			w.Write([]byte("[]"))
		}
	}))
	defer srv.Close()

	metrics := &infra.Metrics{}
	bf := NewRESTBackfill(srv.URL+"/", metrics)
	bf.pageSize = 2
	bf.backoff = func(int) time.Duration { return time.Millisecond }

	events, err := bf.Fetch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].GetSeq())
	assert.Equal(t, uint64(5), events[1].GetSeq())
	assert.Equal(t, []string{"3", "5"}, calls)
	assert.Equal(t, uint64(1), metrics.Snapshot().SyncSkipped)
}

func TestRESTBackfill_GivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	bf := NewRESTBackfill(srv.URL, &infra.Metrics{})
	bf.backoff = func(int) time.Duration { return time.Millisecond }

	_, err := bf.Fetch(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, int32(fetchAttempts), hits.Load())
	assert.Contains(t, err.Error(), strconv.Itoa(http.StatusInternalServerError))
}
