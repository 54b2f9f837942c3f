// Package backend talks to remote processing agents over the A2A protocol.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-a2a-go/client"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"
	"trpc.group/trpc-go/trpc-a2a-go/server"

	"relaygate/internal/domain"
	"relaygate/internal/httpclient"
)

const (
	defaultTimeout = 120 * time.Second
	defaultCardTTL = 10 * time.Minute
)

// Client is the subset of the A2A client used here.
type Client interface {
	SendMessage(ctx context.Context, params protocol.SendMessageParams) (*protocol.MessageResult, error)
}

// CardFetcher retrieves a backend's published agent card.
type CardFetcher interface {
	FetchCard(ctx context.Context) (*server.AgentCard, error)
}

// headerHandler sets the configured headers on every A2A request.
type headerHandler struct {
	headers map[string]string
}

func (h headerHandler) Handle(ctx context.Context, c *http.Client, req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// wellKnownCard fetches the card from the agent's well-known path.
type wellKnownCard struct {
	url     string
	headers map[string]string
	http    *http.Client
}

func (w *wellKnownCard) FetchCard(ctx context.Context) (*server.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(w.url, "/")+protocol.AgentCardPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card: unexpected status %d", resp.StatusCode)
	}
	var card server.AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	return &card, nil
}

type A2AConfig struct {
	ID  string
	URL string
	// Static card fields. Non-empty values override the discovered card.
	Name        string
	Description string
	Skills      []domain.AgentSkill
	Discover    bool
	Headers     map[string]string
	Timeout     time.Duration
	CardTTL     time.Duration
	// Client and Cards override the A2A client and card fetcher built from URL.
	Client Client
	Cards  CardFetcher
	Logger *slog.Logger
	Now    func() time.Time
}

// A2ABackend invokes one remote agent with the JSON task contract carried in
// a single text part.
type A2ABackend struct {
	id       string
	url      string
	static   domain.AgentCard
	discover bool
	timeout  time.Duration
	cardTTL  time.Duration
	client   Client
	cards    CardFetcher
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	card      *domain.AgentCard
	fetchedAt time.Time
}

func NewA2A(cfg A2AConfig) (*A2ABackend, error) {
	if cfg.ID == "" {
		return nil, errors.New("backend id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CardTTL <= 0 {
		cfg.CardTTL = defaultCardTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := cfg.Client
	if c == nil && cfg.URL != "" {
		opts := []client.Option{client.WithTimeout(cfg.Timeout)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, client.WithHTTPReqHandler(headerHandler{headers: cfg.Headers}))
		}
		ac, err := client.NewA2AClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create a2a client for %s: %w", cfg.ID, err)
		}
		c = ac
	}
	cards := cfg.Cards
	if cards == nil && cfg.URL != "" {
		cards = &wellKnownCard{url: cfg.URL, headers: cfg.Headers, http: httpclient.New(cfg.Timeout)}
	}

	return &A2ABackend{
		id:  cfg.ID,
		url: cfg.URL,
		static: domain.AgentCard{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Description: cfg.Description,
			URL:         cfg.URL,
			Skills:      cfg.Skills,
		},
		discover: cfg.Discover && cards != nil,
		timeout:  cfg.Timeout,
		cardTTL:  cfg.CardTTL,
		client:   c,
		cards:    cards,
		logger:   cfg.Logger.With("backend", cfg.ID),
		now:      cfg.Now,
	}, nil
}

func (b *A2ABackend) ID() string { return b.id }

// Card returns the backend's agent card. Discovered cards are cached for the
// card TTL; when discovery fails the last good card, or the static card, is
// returned together with the error.
func (b *A2ABackend) Card(ctx context.Context) (*domain.AgentCard, error) {
	if !b.discover {
		return b.staticCard(), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.card != nil && b.now().Sub(b.fetchedAt) < b.cardTTL {
		card := *b.card
		return &card, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	remote, err := b.cards.FetchCard(ctx)
	if err != nil {
		fallback := b.staticCard()
		if b.card != nil {
			c := *b.card
			fallback = &c
		}
		return fallback, fmt.Errorf("fetch agent card for %s: %w", b.id, err)
	}

	card := mergeCard(b.static, remote)
	b.card = &card
	b.fetchedAt = b.now()
	b.logger.Debug("agent card refreshed", "name", card.Name, "skills", len(card.Skills))
	out := card
	return &out, nil
}

func (b *A2ABackend) staticCard() *domain.AgentCard {
	card := b.static
	if card.Name == "" {
		card.Name = card.ID
	}
	return &card
}

// mergeCard overlays configured fields on a discovered card. The configured
// URL always wins so a card cannot redirect traffic.
func mergeCard(static domain.AgentCard, remote *server.AgentCard) domain.AgentCard {
	card := domain.AgentCard{
		ID:          static.ID,
		Name:        remote.Name,
		Description: remote.Description,
		URL:         static.URL,
	}
	for _, s := range remote.Skills {
		skill := domain.AgentSkill{Name: s.Name, Tags: s.Tags}
		if s.Description != nil {
			skill.Description = *s.Description
		}
		card.Skills = append(card.Skills, skill)
	}

	if static.Name != "" {
		card.Name = static.Name
	}
	if card.Name == "" {
		card.Name = static.ID
	}
	if static.Description != "" {
		card.Description = static.Description
	}
	if len(static.Skills) > 0 {
		card.Skills = static.Skills
	}
	return card
}

// Invoke sends the request as one A2A message and parses the reply text as a
// BackendResult. Transport failures and malformed replies are returned as
// *domain.BackendError.
func (b *A2ABackend) Invoke(ctx context.Context, req domain.BackendRequest) (*domain.BackendResult, error) {
	if b.client == nil {
		return nil, &domain.BackendError{BackendID: b.id, Err: errors.New("no network target configured")}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &domain.BackendError{BackendID: b.id, Err: fmt.Errorf("encode request: %w", err)}
	}

	params := protocol.SendMessageParams{
		Message: protocol.NewMessage(protocol.MessageRoleUser, []protocol.Part{protocol.NewTextPart(string(body))}),
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	resp, err := b.client.SendMessage(ctx, params)
	if err != nil {
		return nil, &domain.BackendError{BackendID: b.id, Err: fmt.Errorf("send message: %w", err)}
	}
	b.logger.Debug("backend replied", "correlation_id", req.CorrelationID, "duration", time.Since(start))

	if resp == nil || resp.Result == nil {
		return nil, &domain.BackendError{BackendID: b.id, Err: errors.New("empty response")}
	}

	var text string
	switch v := resp.Result.(type) {
	case *protocol.Message:
		text = partsText(v.Parts)
	case *protocol.Task:
		if v.Status.State == protocol.TaskStateFailed {
			msg := "backend task failed"
			if v.Status.Message != nil {
				if t := partsText(v.Status.Message.Parts); t != "" {
					msg = t
				}
			}
			return &domain.BackendResult{Status: domain.ResultError, ErrorCode: "model_error", ErrorMessage: msg}, nil
		}
		text = taskText(v)
	default:
		return nil, &domain.BackendError{BackendID: b.id, Err: fmt.Errorf("unexpected result type %T", v)}
	}

	result, err := ParseResult(text)
	if err != nil {
		return nil, &domain.BackendError{BackendID: b.id, Err: err}
	}
	return result, nil
}

func partsText(parts []protocol.Part) string {
	var sb strings.Builder
	for _, part := range parts {
		switch p := part.(type) {
		case *protocol.TextPart:
			sb.WriteString(p.Text)
		case protocol.TextPart:
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func taskText(task *protocol.Task) string {
	var sb strings.Builder
	for _, artifact := range task.Artifacts {
		sb.WriteString(partsText(artifact.Parts))
	}
	if sb.Len() == 0 && task.Status.Message != nil {
		sb.WriteString(partsText(task.Status.Message.Parts))
	}
	return sb.String()
}

// ParseResult decodes a backend reply. Code fences around the JSON are
// tolerated; anything else that is not a result object is an error.
func ParseResult(text string) (*domain.BackendResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("malformed result: empty body")
	}

	var result domain.BackendResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("malformed result: %w", err)
	}
	switch result.Status {
	case domain.ResultSuccess, domain.ResultError:
	default:
		return nil, fmt.Errorf("malformed result: unknown status %q", result.Status)
	}
	if a := result.FileArtifact; a != nil {
		if len(a.Content) == 0 && a.ObjectKey == "" {
			return nil, errors.New("malformed result: file artifact has neither content nor object key")
		}
		if a.Size == 0 {
			a.Size = int64(len(a.Content))
		}
	}
	return &result, nil
}
