package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"trpc.group/trpc-go/trpc-a2a-go/protocol"
	"trpc.group/trpc-go/trpc-a2a-go/server"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient records the last request and returns a scripted result.
type fakeClient struct {
	mu        sync.Mutex
	card      *server.AgentCard
	cardErr   error
	cardCalls int
	result    *protocol.MessageResult
	sendErr   error
	lastText  string
}

func (f *fakeClient) FetchCard(ctx context.Context) (*server.AgentCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cardCalls++
	if f.cardErr != nil {
		return nil, f.cardErr
	}
	c := *f.card
	return &c, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, params protocol.SendMessageParams) (*protocol.MessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastText = partsText(params.Message.Parts)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.result, nil
}

func messageResult(text string) *protocol.MessageResult {
	return &protocol.MessageResult{Result: &protocol.Message{
		Role:  protocol.MessageRoleAgent,
		Parts: []protocol.Part{protocol.NewTextPart(text)},
	}}
}

func newTestBackend(t *testing.T, fc *fakeClient, mutate func(*A2AConfig)) *A2ABackend {
	t.Helper()
	cfg := A2AConfig{ID: "docs", URL: "http://docs.internal/", Client: fc, Cards: fc, Logger: testLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewA2A(cfg)
	if err != nil {
		t.Fatalf("NewA2A: %v", err)
	}
	return b
}

// --- Invoke ---

func TestInvoke_SendsJSONRequest(t *testing.T) {
	fc := &fakeClient{result: messageResult(`{"status":"success","response_text":"done"}`)}
	b := newTestBackend(t, fc, nil)

	req := domain.BackendRequest{CorrelationID: "c1", TeamID: "T1", UserID: "U1", Channel: "C1", Text: "summarize"}
	res, err := b.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != domain.ResultSuccess || res.ResponseText != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}

	var sent domain.BackendRequest
	if err := json.Unmarshal([]byte(fc.lastText), &sent); err != nil {
		t.Fatalf("request text is not JSON: %v", err)
	}
	if sent.CorrelationID != "c1" || sent.Channel != "C1" || sent.Text != "summarize" {
		t.Errorf("unexpected request: %+v", sent)
	}
}

func TestInvoke_OverJSONRPCWithHeaders(t *testing.T) {
	var gotTenant, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant")
		var rpc struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&rpc)
		gotMethod = rpc.Method
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      rpc.ID,
			"result": map[string]any{
				"kind":      "message",
				"messageId": "m1",
				"role":      "agent",
				"parts":     []map[string]any{{"kind": "text", "text": `{"status":"success","response_text":"over the wire"}`}},
			},
		})
	}))
	defer srv.Close()

	b, err := NewA2A(A2AConfig{ID: "remote", URL: srv.URL, Headers: map[string]string{"X-Tenant": "acme"}, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewA2A: %v", err)
	}
	res, err := b.Invoke(context.Background(), domain.BackendRequest{CorrelationID: "c1", Channel: "C1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ResponseText != "over the wire" {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotTenant != "acme" {
		t.Errorf("expected configured header, got %q", gotTenant)
	}
	if gotMethod != protocol.MethodMessageSend {
		t.Errorf("expected %s, got %q", protocol.MethodMessageSend, gotMethod)
	}
}

func TestInvoke_ErrorResult(t *testing.T) {
	fc := &fakeClient{result: messageResult(`{"status":"error","error_code":"bedrock_throttling"}`)}
	b := newTestBackend(t, fc, nil)

	res, err := b.Invoke(context.Background(), domain.BackendRequest{CorrelationID: "c1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != domain.ResultError || res.ErrorCode != "bedrock_throttling" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_TaskArtifacts(t *testing.T) {
	fc := &fakeClient{result: &protocol.MessageResult{Result: &protocol.Task{
		Artifacts: []protocol.Artifact{
			{Parts: []protocol.Part{protocol.NewTextPart(`{"status":"success",`)}},
			{Parts: []protocol.Part{protocol.NewTextPart(`"response_text":"from task"}`)}},
		},
	}}}
	b := newTestBackend(t, fc, nil)

	res, err := b.Invoke(context.Background(), domain.BackendRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ResponseText != "from task" {
		t.Errorf("expected text from task artifacts, got %q", res.ResponseText)
	}
}

func TestInvoke_FailedTask(t *testing.T) {
	status := protocol.Message{Role: protocol.MessageRoleAgent, Parts: []protocol.Part{protocol.NewTextPart("model crashed")}}
	fc := &fakeClient{result: &protocol.MessageResult{Result: &protocol.Task{
		Status: protocol.TaskStatus{State: protocol.TaskStateFailed, Message: &status},
	}}}
	b := newTestBackend(t, fc, nil)

	res, err := b.Invoke(context.Background(), domain.BackendRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != domain.ResultError || res.ErrorCode != "model_error" || res.ErrorMessage != "model crashed" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestInvoke_TransportError(t *testing.T) {
	fc := &fakeClient{sendErr: errors.New("connection refused")}
	b := newTestBackend(t, fc, nil)

	_, err := b.Invoke(context.Background(), domain.BackendRequest{})
	var be *domain.BackendError
	if !errors.As(err, &be) || be.BackendID != "docs" {
		t.Fatalf("expected BackendError, got %v", err)
	}
}

func TestInvoke_MalformedResult(t *testing.T) {
	fc := &fakeClient{result: messageResult("sorry, I cannot do that")}
	b := newTestBackend(t, fc, nil)

	_, err := b.Invoke(context.Background(), domain.BackendRequest{})
	var be *domain.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
}

func TestInvoke_NoTarget(t *testing.T) {
	b, err := NewA2A(A2AConfig{ID: "placeholder", Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewA2A: %v", err)
	}
	if _, err := b.Invoke(context.Background(), domain.BackendRequest{}); err == nil {
		t.Fatal("expected error for backend without url")
	}
}

// --- ParseResult ---

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
		check   func(t *testing.T, r *domain.BackendResult)
	}{
		{name: "plain", text: `{"status":"success","response_text":"hi"}`},
		{name: "fenced", text: "```json\n{\"status\":\"success\"}\n```"},
		{
			name: "inline artifact",
			text: `{"status":"success","file_artifact":{"name":"a.txt","mimetype":"text/plain","content_base64":"aGVsbG8="}}`,
			check: func(t *testing.T, r *domain.BackendResult) {
				if string(r.FileArtifact.Content) != "hello" || r.FileArtifact.Size != 5 {
					t.Errorf("unexpected artifact: %+v", r.FileArtifact)
				}
			},
		},
		{name: "object key artifact", text: `{"status":"success","file_artifact":{"name":"a","object_key":"k","size":9}}`},
		{name: "empty artifact", text: `{"status":"success","file_artifact":{"name":"a"}}`, wantErr: true},
		{name: "unknown status", text: `{"status":"maybe"}`, wantErr: true},
		{name: "not json", text: "hello", wantErr: true},
		{name: "empty", text: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResult(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", r)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

// --- Cards ---

func TestCard_StaticWithoutDiscovery(t *testing.T) {
	fc := &fakeClient{}
	b := newTestBackend(t, fc, func(c *A2AConfig) { c.Description = "Answers docs questions" })

	card, err := b.Card(context.Background())
	if err != nil {
		t.Fatalf("Card: %v", err)
	}
	if card.Name != "docs" || card.Description != "Answers docs questions" || card.URL != "http://docs.internal/" {
		t.Errorf("unexpected card: %+v", card)
	}
	if fc.cardCalls != 0 {
		t.Errorf("static card must not be fetched, got %d calls", fc.cardCalls)
	}
}

func TestCard_DiscoveryMergesAndCaches(t *testing.T) {
	desc := "search the wiki"
	fc := &fakeClient{card: &server.AgentCard{
		Name:        "Docs Agent",
		Description: "Remote description",
		URL:         "http://elsewhere.example/",
		Skills:      []server.AgentSkill{{ID: "wiki", Name: "wiki", Description: &desc, Tags: []string{"docs"}}},
	}}
	now := time.Unix(1_700_000_000, 0)
	b := newTestBackend(t, fc, func(c *A2AConfig) {
		c.Discover = true
		c.Description = "Configured description"
		c.CardTTL = time.Minute
		c.Now = func() time.Time { return now }
	})

	card, err := b.Card(context.Background())
	if err != nil {
		t.Fatalf("Card: %v", err)
	}
	if card.Name != "Docs Agent" {
		t.Errorf("expected discovered name, got %q", card.Name)
	}
	if card.Description != "Configured description" {
		t.Errorf("configured description should win, got %q", card.Description)
	}
	if card.URL != "http://docs.internal/" {
		t.Errorf("configured url should win, got %q", card.URL)
	}
	if len(card.Skills) != 1 || card.Skills[0].Description != desc {
		t.Errorf("unexpected skills: %+v", card.Skills)
	}

	b.Card(context.Background())
	if fc.cardCalls != 1 {
		t.Errorf("expected cached card, got %d fetches", fc.cardCalls)
	}

	now = now.Add(2 * time.Minute)
	b.Card(context.Background())
	if fc.cardCalls != 2 {
		t.Errorf("expected refresh after TTL, got %d fetches", fc.cardCalls)
	}
}

func TestCard_DiscoveryFailureFallsBack(t *testing.T) {
	fc := &fakeClient{cardErr: errors.New("404")}
	b := newTestBackend(t, fc, func(c *A2AConfig) {
		c.Discover = true
		c.Name = "Docs"
	})

	card, err := b.Card(context.Background())
	if err == nil {
		t.Fatal("expected error from failed discovery")
	}
	if card == nil || card.Name != "Docs" {
		t.Errorf("expected static fallback card, got %+v", card)
	}
}

func TestCard_DiscoveryOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == protocol.AgentCardPath {
			json.NewEncoder(w).Encode(server.AgentCard{Name: "remote-agent", Description: "From the wire", URL: "http://ignored"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b, err := NewA2A(A2AConfig{ID: "remote", URL: srv.URL, Discover: true, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewA2A: %v", err)
	}
	card, err := b.Card(context.Background())
	if err != nil {
		t.Fatalf("Card: %v", err)
	}
	if card.Name != "remote-agent" || card.Description != "From the wire" || card.URL != srv.URL {
		t.Errorf("unexpected card: %+v", card)
	}
}

// --- Registry ---

func TestRegistry_FromConfig(t *testing.T) {
	r, err := FromConfig(map[string]config.BackendConfig{
		"docs":    {URL: "http://docs.internal/", Name: "Docs", Skills: []config.SkillConfig{{Name: "search"}}},
		"billing": {URL: "http://billing.internal/"},
		"pending": {Name: "Not deployed yet"},
	}, testLogger())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if got := strings.Join(r.IDs(), ","); got != "billing,docs,pending" {
		t.Errorf("unexpected ids: %s", got)
	}
	cards := r.Cards(context.Background())
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}
	if cards[1].Name != "Docs" || len(cards[1].Skills) != 1 {
		t.Errorf("unexpected docs card: %+v", cards[1])
	}
	if cards[2].URL != "" {
		t.Errorf("pending backend should have no url, got %q", cards[2].URL)
	}

	if _, err := r.Get("missing"); !errors.Is(err, domain.ErrBackendNotFound) {
		t.Errorf("expected ErrBackendNotFound, got %v", err)
	}
}
