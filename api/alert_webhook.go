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

// alertQueueSize is the bounded channel capacity for outbound alerts.
const alertQueueSize = 256

// AlertForwarder posts alert events to an external HTTP endpoint such as a
// chat or paging webhook. Alerts are queued without blocking and sent by a
// background goroutine; when the queue is full they are dropped.
type AlertForwarder struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
	events     chan AlertEvent
	wg         sync.WaitGroup
}

// NewAlertForwarder starts a forwarder posting to url. authHeader is
// optional and uses the "Header: Value" form.
func NewAlertForwarder(url, authHeader string) *AlertForwarder {
	f := &AlertForwarder{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		events:     make(chan AlertEvent, alertQueueSize),
	}
	f.start()
	return f
}

func (f *AlertForwarder) start() {
	f.wg.Add(1)
	go f.loop()
}

// Alert queues evt. It never blocks and matches AlertFunc.
func (f *AlertForwarder) Alert(evt AlertEvent) {
	select {
	case f.events <- evt:
	default:
		slog.Warn("alert webhook: queue full, dropping alert", "type", evt.Type)
	}
}

// Close stops the forwarder after draining queued alerts.
func (f *AlertForwarder) Close() {
	close(f.events)
	f.wg.Wait()
}

func (f *AlertForwarder) loop() {
	defer f.wg.Done()
	for evt := range f.events {
		f.send(evt)
	}
}

// send POSTs the alert with one retry on 5xx or transport errors.
func (f *AlertForwarder) send(evt AlertEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("alert webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(f.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("alert webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Examgate-Alert-Webhook/1.0")
		if name, value, ok := strings.Cut(f.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := f.client.Do(req)
		if err != nil {
			slog.Warn("alert webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			slog.Warn("alert webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		slog.Warn("alert webhook: client error", "status", resp.StatusCode)
		return
	}
}
