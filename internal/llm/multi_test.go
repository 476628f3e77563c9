package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/mcpagent/internal/metrics"
)

type failingClient struct{ ScriptedClient }

func (f *failingClient) Chat(context.Context, string, []Message, []map[string]any) (*ChatResponse, error) {
	return nil, errors.New("provider down")
}

func (f *failingClient) Ping(context.Context) error { return errors.New("unreachable") }

func TestMultiClient_Routing(t *testing.T) {
	primary := NewScriptedClient(&ChatResponse{Message: Message{Content: "primary"}})
	other := NewScriptedClient(&ChatResponse{Message: Message{Content: "other"}})

	m := NewMultiClient(primary)
	m.AddProvider("other", other)
	m.AddModel("other-model", "other")

	resp, err := m.Chat(context.Background(), "other-model", nil, nil)
	if err != nil || resp.Message.Content != "other" {
		t.Errorf("routed Chat = %+v, %v", resp, err)
	}
	resp, err = m.Chat(context.Background(), "unknown-model", nil, nil)
	if err != nil || resp.Message.Content != "primary" {
		t.Errorf("fallback Chat = %+v, %v", resp, err)
	}
	if got := m.Providers(); len(got) != 1 || got[0] != "other" {
		t.Errorf("Providers = %v", got)
	}
}

func TestMultiClient_NoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", nil, nil); err == nil {
		t.Error("Chat without providers should fail")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping without providers should fail")
	}
}

func TestMultiClient_PingJoinsErrors(t *testing.T) {
	m := NewMultiClient(NewScriptedClient())
	m.AddProvider("broken", &failingClient{})
	err := m.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken: unreachable") {
		t.Errorf("Ping = %v", err)
	}
}

func TestNew_Providers(t *testing.T) {
	for _, p := range []string{ProviderScripted, ProviderOllama, ProviderOpenAI, ""} {
		if _, err := New(ProviderConfig{Provider: p}, nil, nil); err != nil {
			t.Errorf("New(%q): %v", p, err)
		}
	}
	if _, err := New(ProviderConfig{Provider: ProviderAnthropic}, nil, nil); err == nil {
		t.Error("anthropic without key should fail")
	}
	if _, err := New(ProviderConfig{Provider: "gemini"}, nil, nil); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestWithMetrics_RecordsCalls(t *testing.T) {
	m := metrics.New()
	c := WithMetrics(NewScriptedClient(), m)
	if _, err := c.Chat(context.Background(), "scripted", []Message{{Role: RoleUser, Content: "two words"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := testutil.ToFloat64(m.LLMCalls.WithLabelValues("scripted", metrics.OutcomeOK)); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}

	bad := WithMetrics(&failingClient{}, m)
	if _, err := bad.Chat(context.Background(), "down", nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if got := testutil.ToFloat64(m.LLMCalls.WithLabelValues("down", metrics.OutcomeError)); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}

	if WithMetrics(NewScriptedClient(), nil) == nil {
		t.Error("nil metrics should return the client unchanged")
	}
}
