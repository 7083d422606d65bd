// Package events ships admission rejections to an external webhook.
// Events are buffered in a ring, batched, and flushed on a timer or when a
// batch fills. Emit never blocks the request path: when the ring is full
// the oldest event is dropped and counted.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seawall/seawall/internal/config"
)

// AdmissionEvent describes one rejected external request.
type AdmissionEvent struct {
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason"`
	ClientIP   string    `json:"client_ip"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DropCounter is notified for every event lost to overflow.
type DropCounter interface {
	IncEventsDropped()
}

const (
	sendAttempts = 3
	retryBackoff = 200 * time.Millisecond
)

// Emitter batches events and posts them as {"events": [...]}.
// A nil *Emitter is valid and discards everything.
type Emitter struct {
	logger  *slog.Logger
	dropped DropCounter

	url        string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []AdmissionEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter starts an emitter, or returns nil when events are disabled.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, dropped DropCounter) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	flushInterval, err := config.ParseDuration(cfg.FlushInterval, 5*time.Second)
	if err != nil || flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		dropped:       dropped,
		url:           cfg.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]AdmissionEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()
	return e
}

// Emit enqueues ev. It never blocks.
func (e *Emitter) Emit(ev AdmissionEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Full: overwrite the oldest.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.dropped != nil {
			e.dropped.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int {
	if e == nil {
		return 0
	}
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	return e.ringLen
}

// Close stops the flush loop and sends what is left.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	close(e.done)
	e.wg.Wait()
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []AdmissionEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}
	n := min(e.ringLen, e.batchSize)
	batch := make([]AdmissionEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []AdmissionEvent) {
	if e.url == "" {
		e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
		return
	}

	body, err := json.Marshal(struct {
		Events []AdmissionEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	for attempt := 1; attempt <= sendAttempts; attempt++ {
		retry, err := e.post(body)
		if err == nil {
			return
		}
		if !retry || attempt == sendAttempts {
			e.logger.Warn("failed to send events batch", "error", err, "count", len(batch), "attempts", attempt)
			return
		}
		select {
		case <-time.After(retryBackoff * time.Duration(attempt)):
		case <-e.done:
			// Shutting down: one last try happens in Close.
		}
	}
}

// post sends one request. It reports whether a failure is worth retrying.
func (e *Emitter) post(body []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	}
	return false, nil
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, e.bufferSize)
}
