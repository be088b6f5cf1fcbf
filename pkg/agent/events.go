package agent

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdispatch/pkg/logx"
)

// Event is one parsed server-sent event from a backend.
type Event struct {
	Type string
	Data string
}

// EventListener receives backend events. Listeners must not block.
type EventListener func(Event)

// Reconnect policy for the event stream. Connection drops trigger bounded
// exponential-backoff reconnects, independent of the circuit breaker.
const (
	maxReconnectAttempts = 10
	initialReconnectWait = time.Second
	maxReconnectWait     = 30 * time.Second
)

// eventStream maintains a long-lived SSE subscription to a backend's
// /events endpoint and fans parsed events out to registered listeners.
type eventStream struct {
	baseURL string
	apiKey  string
	logger  *logx.Logger

	mu        sync.Mutex
	listeners map[int]EventListener
	nextID    int
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

func newEventStream(backendType, baseURL, apiKey string) *eventStream {
	return &eventStream{
		baseURL:   baseURL,
		apiKey:    apiKey,
		logger:    logx.NewLogger("events-" + backendType),
		listeners: make(map[int]EventListener),
	}
}

func (es *eventStream) subscribe(listener EventListener) func() {
	es.mu.Lock()
	defer es.mu.Unlock()

	id := es.nextID
	es.nextID++
	es.listeners[id] = listener

	return func() {
		es.mu.Lock()
		defer es.mu.Unlock()
		delete(es.listeners, id)
	}
}

func (es *eventStream) start() {
	es.mu.Lock()
	if es.running {
		es.mu.Unlock()
		return
	}
	es.running = true
	ctx, cancel := context.WithCancel(context.Background())
	es.cancel = cancel
	es.mu.Unlock()

	es.wg.Add(1)
	go es.loop(ctx)
}

func (es *eventStream) stop() {
	es.mu.Lock()
	if !es.running {
		es.mu.Unlock()
		return
	}
	es.running = false
	es.cancel()
	es.mu.Unlock()

	es.wg.Wait()
}

// loop connects, consumes until the connection drops, then reconnects with
// exponential backoff up to maxReconnectAttempts.
func (es *eventStream) loop(ctx context.Context) {
	defer es.wg.Done()

	wait := initialReconnectWait
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := es.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		attempts++
		if attempts > maxReconnectAttempts {
			es.logger.Error("giving up on event stream after %d reconnect attempts: %v", attempts-1, err)
			return
		}

		es.logger.Warn("event stream dropped (%v), reconnecting in %s (attempt %d/%d)",
			err, wait, attempts, maxReconnectAttempts)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// consume holds one SSE connection open, emitting parsed events until the
// stream errors.
func (es *eventStream) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, es.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if es.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+es.apiKey)
	}

	// No client timeout: the stream is expected to stay open indefinitely.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: "event stream"}
	}

	scanner := bufio.NewScanner(resp.Body)
	var current Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if current.Data != "" || current.Type != "" {
				if current.Type == "" {
					current.Type = "message"
				}
				es.emit(current)
				current = Event{}
			}
		}
	}
	return scanner.Err()
}

func (es *eventStream) emit(event Event) {
	es.mu.Lock()
	listeners := make([]EventListener, 0, len(es.listeners))
	for _, l := range es.listeners {
		listeners = append(listeners, l)
	}
	es.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}
