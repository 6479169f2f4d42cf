package chainfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"collswap/internal/domain"
	"collswap/internal/event"
	"collswap/internal/infra"
)

const (
	defaultPageSize = 500
	fetchAttempts   = 3
)

// RESTBackfill pulls historical events from the indexer's REST endpoint:
// GET {base}/events?from_seq=N&limit=M returns a JSON array of envelopes.
type RESTBackfill struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
	metrics    *infra.Metrics
	logger     *slog.Logger
	backoff    func(attempt int) time.Duration
}

var _ domain.Backfiller = (*RESTBackfill)(nil)

// NewRESTBackfill creates a backfill client for baseURL.
func NewRESTBackfill(baseURL string, metrics *infra.Metrics) *RESTBackfill {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &RESTBackfill{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: defaultPageSize,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		metrics: metrics,
		logger:  slog.Default().With("module", "chainfeed_rest"),
		backoff: infra.CalculateBackoff,
	}
}

// Fetch returns every decodable event from fromSeq onwards. Pages are
// requested until one comes back short.
func (b *RESTBackfill) Fetch(ctx context.Context, fromSeq uint64) ([]event.Event, error) {
	var out []event.Event
	next := fromSeq
	for {
		page, err := b.fetchPage(ctx, next)
		if err != nil {
			return out, err
		}

		for _, raw := range page {
			ev, err := event.Decode(raw)
			if err != nil {
				b.metrics.RecordSyncSkipped()
				b.logger.Warn("Skipping backfilled frame", slog.Any("error", err))
				continue
			}
			out = append(out, ev)
		}

		if len(page) < b.pageSize {
			return out, nil
		}
		// Advance past the highest sequence seen, decodable or not
		last, err := maxSeq(page)
		if err != nil || last < next {
			return out, fmt.Errorf("backfill page from %d did not advance", next)
		}
		next = last + 1
	}
}

func maxSeq(page []json.RawMessage) (uint64, error) {
	var highest uint64
	for _, raw := range page {
		var env struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Seq > highest {
			highest = env.Seq
		}
	}
	if highest == 0 {
		return 0, fmt.Errorf("no sequence in page")
	}
	return highest, nil
}

// fetchPage fetches one page with retry logic
func (b *RESTBackfill) fetchPage(ctx context.Context, fromSeq uint64) ([]json.RawMessage, error) {
	var lastErr error
	for i := 0; i < fetchAttempts; i++ {
		if i > 0 {
			delay := b.backoff(i - 1)
			b.logger.Info("Retrying backfill", slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		page, err := b.doFetch(ctx, fromSeq)
		if err == nil {
			return page, nil
		}
		lastErr = err
		b.logger.Warn("Backfill attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return nil, lastErr
}

func (b *RESTBackfill) doFetch(ctx context.Context, fromSeq uint64) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("from_seq", strconv.FormatUint(fromSeq, 10))
	q.Set("limit", strconv.Itoa(b.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var page []json.RawMessage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	return page, nil
}
