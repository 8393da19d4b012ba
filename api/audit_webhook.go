package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize  = 1024
	webhookRetryDelay = time.Second
)

// webhookEvent is the JSON body POSTed for each audit event.
type webhookEvent struct {
	Event       string            `json:"event"`
	HouseholdID string            `json:"household_id,omitempty"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	Timestamp   string            `json:"timestamp"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an external HTTP endpoint from a
// background goroutine. Events beyond the queue capacity are dropped.
type auditWebhook struct {
	url        string
	headerName string
	headerVal  string
	client     *http.Client
	logger     *slog.Logger
	events     chan webhookEvent
	wg         sync.WaitGroup
}

// newAuditWebhook starts the delivery loop. authHeader is "Name: value" or empty.
func newAuditWebhook(url, authHeader string) *auditWebhook {
	w := &auditWebhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default().With("component", "audit_webhook"),
		events: make(chan webhookEvent, webhookQueueSize),
	}
	if name, val, ok := strings.Cut(authHeader, ":"); ok {
		w.headerName = strings.TrimSpace(name)
		w.headerVal = strings.TrimSpace(val)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks.
func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close drains queued events and stops the loop.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send delivers one event, retrying once on a transport error or 5xx.
func (w *auditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(webhookRetryDelay)
		}
		retry, err := w.post(body)
		if err == nil {
			return
		}
		w.logger.Warn("delivery failed", "event", evt.Event, "attempt", attempt, "error", err)
		if !retry {
			return
		}
	}
}

func (w *auditWebhook) post(body []byte) (retry bool, err error) {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TheRichCouple-Audit-Webhook/1.0")
	if w.headerName != "" {
		req.Header.Set(w.headerName, w.headerVal)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, &webhookStatusError{code: resp.StatusCode}
	default:
		return false, &webhookStatusError{code: resp.StatusCode}
	}
}

type webhookStatusError struct {
	code int
}

func (e *webhookStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}
