// Package notification hands patient-facing messages to the external
// notification service and renders the engine's message templates.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/resilience"
)

const TemplateBatchRecall = "batch-recall"

// Message is one patient notification. IdempotencyKey lets the transport
// collapse redelivered sends.
type Message struct {
	PatientID      uuid.UUID         `json:"patient_id"`
	TemplateID     string            `json:"template_id"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	Priority       string            `json:"priority"`
	IdempotencyKey string            `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Transport delivers a message. A nil error is a confirmed handoff.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

type Template struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:       TemplateBatchRecall,
		Subject:  "Important safety notice about your medication",
		Body:     "A batch of {{medicine}} you received during your stay (batch {{batch_number}}) has been recalled ({{recall_class}}): {{reason}}. Please contact {{facility}} so a clinician can review your care.",
		Priority: "urgent",
	})
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render leaves placeholders without a matching key untouched.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Message, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("template %q not found", templateID)
	}

	subject, body := t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return Message{TemplateID: t.ID, Subject: subject, Body: body, Priority: t.Priority}, nil
}

// HTTPTransport posts messages to the notification service.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
}

func NewHTTPTransport(baseURL string, breaker *resilience.Breaker) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return t.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/notifications", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if msg.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("POST notifications: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("notification service returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// LogTransport acknowledges every message after logging it. Development only.
type LogTransport struct {
	Logger zerolog.Logger
}

func (t LogTransport) Send(_ context.Context, msg Message) error {
	t.Logger.Info().
		Str("patient_id", msg.PatientID.String()).
		Str("template_id", msg.TemplateID).
		Str("subject", msg.Subject).
		Msg("notification (log transport)")
	return nil
}
