package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/penserai/acteon/domain"
	gwerrors "github.com/penserai/acteon/infrastructure/errors"
)

func TestRegistry_ExecuteUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), domain.Action{Provider: "missing"})
	if _, ok := err.(*ErrUnknownProvider); !ok {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("webhook", NewWebhookProvider(WebhookConfig{URL: "http://example.com"}))
	r.Register("log", NewLogProvider(nil))
	names := r.Names()
	if len(names) != 2 || names[0] != "log" || names[1] != "webhook" {
		t.Fatalf("expected sorted [log webhook], got %v", names)
	}
}

func TestWebhookProvider_SuccessPostsPayload(t *testing.T) {
	var gotBody []byte
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewWebhookProvider(WebhookConfig{URL: server.URL})
	resp, err := p.Execute(context.Background(), domain.Action{Payload: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
	if string(gotBody) != `{"x":1}` {
		t.Fatalf("expected payload to roundtrip, got %q", gotBody)
	}
}

func TestWebhookProvider_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewWebhookProvider(WebhookConfig{URL: server.URL})
	_, err := p.Execute(context.Background(), domain.Action{Payload: []byte(`{}`)})
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindUnavailable || !ge.Retryable() {
		t.Fatalf("expected retryable KindUnavailable for a 5xx, got %v", err)
	}
}

func TestWebhookProvider_ClientErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	p := NewWebhookProvider(WebhookConfig{URL: server.URL})
	_, err := p.Execute(context.Background(), domain.Action{Payload: []byte(`{}`)})
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindValidation || ge.Retryable() {
		t.Fatalf("expected non-retryable KindValidation for a 4xx, got %v", err)
	}
}

func TestWebhookProvider_MissingURLIsValidationError(t *testing.T) {
	p := NewWebhookProvider(WebhookConfig{})
	_, err := p.Execute(context.Background(), domain.Action{})
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestLogProvider_AlwaysSucceeds(t *testing.T) {
	p := NewLogProvider(nil)
	resp, err := p.Execute(context.Background(), domain.Action{ActionType: "ping"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
