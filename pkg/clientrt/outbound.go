package clientrt

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// outboundBuffer bounds the in-memory signal backlog, mirroring
// pkg/stream.subscriberBuffer's drop-oldest-on-full idiom: Track must never
// block or fail the caller's request path, so a slow or unreachable control
// plane sheds its oldest unsent signal rather than growing without bound.
const outboundBuffer = 4096

// flushInterval and flushBatchSize bound how long a signal can sit in the
// queue and how large one POST /signals batch gets.
const (
	flushInterval  = 1 * time.Second
	flushBatchSize = 200
)

// signalOut is one queued outcome report; its JSON shape matches
// pkg/ingress/handler.go's signalWire exactly, since it is POSTed straight
// into that same endpoint.
type signalOut struct {
	ServiceName string  `json:"service_name"`
	Endpoint    string  `json:"endpoint"`
	LatencyMS   float64 `json:"latency_ms"`
	Status      string  `json:"status"`
}

type outboundQueue struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger

	ch     chan signalOut
	closed chan struct{}
	wg     sync.WaitGroup
}

func newOutboundQueue(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *outboundQueue {
	q := &outboundQueue{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
		ch:      make(chan signalOut, outboundBuffer),
		closed:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// enqueue never blocks: when the channel is full it drops the oldest queued
// signal to make room for the new one, the same policy spec §4.8 applies to
// slow SSE subscribers.
func (q *outboundQueue) enqueue(sig signalOut) {
	for {
		select {
		case q.ch <- sig:
			return
		default:
		}

		select {
		case <-q.ch:
		default:
			return
		}
	}
}

func (q *outboundQueue) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []signalOut
	for {
		select {
		case sig := <-q.ch:
			pending = append(pending, sig)
			if len(pending) >= flushBatchSize {
				q.flush(pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				q.flush(pending)
				pending = nil
			}
		case <-q.closed:
			q.drainRemaining(pending)
			return
		}
	}
}

func (q *outboundQueue) drainRemaining(pending []signalOut) {
	for {
		select {
		case sig := <-q.ch:
			pending = append(pending, sig)
		default:
			if len(pending) > 0 {
				q.flush(pending)
			}
			return
		}
	}
}

func (q *outboundQueue) close() {
	close(q.closed)
	q.wg.Wait()
}

func (q *outboundQueue) flush(batch []signalOut) {
	body, err := json.Marshal(struct {
		Signals []signalOut `json:"signals"`
	}{Signals: batch})
	if err != nil {
		q.logger.Error("marshal outbound signal batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp *http.Response
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/signals", bytes.NewReader(body))
		if err != nil {
			q.logger.Error("build outbound signal request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", q.apiKey)

		resp, err = q.client.Do(req)
		if err == nil {
			break
		}
		q.logger.Warn("flush outbound signals failed", "count", len(batch), "attempt", attempt, "error", err)
	}
	if resp == nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		q.logger.Warn("flush outbound signals rejected", "count", len(batch), "status", resp.StatusCode)
	}
}
