// Package router selects the backend that should handle a task.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"relaygate/internal/domain"
)

// Fallback reasons logged when the router abstains.
const (
	ReasonInvalidAgentID  = "invalid_agent_id"
	ReasonClassifierError = "classifier_error"
	ReasonMissingTarget   = "missing_agent_arn"
	ReasonNoBackends      = "no_backends"
	ReasonNoKeywordMatch  = "no_keyword_match"
)

// CardSource lists backends and their agent cards.
type CardSource interface {
	IDs() []string
	Card(ctx context.Context, id string) (*domain.AgentCard, error)
	Cards(ctx context.Context) []domain.AgentCard
}

type Config struct {
	Strategy   string // "llm" | "keyword" | "hybrid"
	Keywords   map[string][]string
	Classifier Classifier
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Router classifies tasks and returns a validated routing decision. It never
// falls back to an arbitrary backend.
type Router struct {
	cards         CardSource
	classifier    Classifier
	lowerKeywords map[string][]string // pre-computed lowercase keywords per backend
	strategy      string
	timeout       time.Duration
	logger        *slog.Logger
}

func New(cards CardSource, cfg Config) *Router {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = "llm"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	lowerKW := make(map[string][]string, len(cfg.Keywords))
	for id, kws := range cfg.Keywords {
		lower := make([]string, 0, len(kws))
		for _, kw := range kws {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				lower = append(lower, kw)
			}
		}
		lowerKW[id] = lower
	}

	return &Router{
		cards:         cards,
		classifier:    cfg.Classifier,
		lowerKeywords: lowerKW,
		strategy:      strategy,
		timeout:       timeout,
		logger:        cfg.Logger,
	}
}

// Route decides where a task goes. text must already have mentions stripped.
func (r *Router) Route(ctx context.Context, text, correlationID string, attachments []domain.AttachmentDescriptor) domain.RoutingDecision {
	decision := r.route(ctx, strings.TrimSpace(text), attachments)

	attrs := []any{"correlation_id", correlationID, "decision", decision.String(), "strategy", r.strategy}
	if decision.FallbackReason != "" {
		attrs = append(attrs, "fallback_reason", decision.FallbackReason)
		r.logger.Warn("router abstained", attrs...)
	} else {
		r.logger.Info("task routed", attrs...)
	}
	return decision
}

func (r *Router) route(ctx context.Context, text string, attachments []domain.AttachmentDescriptor) domain.RoutingDecision {
	if text == "" && len(attachments) == 0 {
		return domain.RoutingDecision{Kind: domain.RouteLocal}
	}

	ids := r.cards.IDs()
	switch len(ids) {
	case 0:
		return domain.AbstainDecision(ReasonNoBackends)
	case 1:
		return r.resolve(ctx, ids[0])
	}

	if r.strategy == "keyword" || r.strategy == "hybrid" {
		if id, ok := r.routeByKeyword(text); ok {
			return r.resolve(ctx, id)
		}
		if r.strategy == "keyword" {
			return domain.AbstainDecision(ReasonNoKeywordMatch)
		}
	}
	return r.classify(ctx, classifierInput(text, attachments), ids)
}

// classifierInput is the user message shown to the classifier. Attachments
// are listed by name and type so that a file-only task is never sent as an
// empty message.
func classifierInput(text string, attachments []domain.AttachmentDescriptor) string {
	if len(attachments) == 0 {
		return text
	}
	var sb strings.Builder
	if text == "" {
		sb.WriteString("(no text; the user only sent files)")
	} else {
		sb.WriteString(text)
	}
	sb.WriteString("\n\nAttached files:")
	for _, a := range attachments {
		name := a.Name
		if name == "" {
			name = a.ID
		}
		mime := a.Mimetype
		if mime == "" {
			mime = "unknown type"
		}
		fmt.Fprintf(&sb, "\n- %s (%s)", name, mime)
	}
	return sb.String()
}

// resolve confirms the chosen backend has a network target.
func (r *Router) resolve(ctx context.Context, id string) domain.RoutingDecision {
	card, err := r.cards.Card(ctx, id)
	if err != nil || card == nil || card.URL == "" {
		return domain.AbstainDecision(ReasonMissingTarget)
	}
	return domain.BackendDecision(id)
}

// routeByKeyword scores backends by keyword hits. Only a unique best score
// counts as a match.
func (r *Router) routeByKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)

	var bestMatch string
	var bestScore int
	tie := false

	for id, keywords := range r.lowerKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		switch {
		case score > bestScore:
			bestScore, bestMatch, tie = score, id, false
		case score == bestScore && score > 0:
			tie = true
		}
	}

	if bestScore == 0 || tie {
		return "", false
	}
	r.logger.Debug("keyword match", "backend", bestMatch, "score", bestScore)
	return bestMatch, true
}

func (r *Router) classify(ctx context.Context, text string, ids []string) domain.RoutingDecision {
	if r.classifier == nil {
		return domain.AbstainDecision(ReasonClassifierError)
	}

	ids = append([]string(nil), ids...)
	sort.Strings(ids)
	system := BuildPrompt(r.cards.Cards(ctx), ids)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.classifier.Classify(ctx, system, text)
	if err != nil {
		r.logger.Warn("classifier failed", "error", err)
		return domain.AbstainDecision(ReasonClassifierError)
	}

	label := normalizeLabel(raw)
	switch label {
	case domain.RouteUnrouted:
		return domain.RoutingDecision{Kind: domain.RouteAbstain}
	case domain.RouteListAgents:
		return domain.RoutingDecision{Kind: domain.RouteList}
	}
	for _, id := range ids {
		if strings.EqualFold(id, label) {
			return r.resolve(ctx, id)
		}
	}
	r.logger.Debug("classifier returned unknown label", "label", raw)
	return domain.AbstainDecision(ReasonInvalidAgentID)
}

// normalizeLabel trims whitespace, quotes and code fences from a classifier
// answer and keeps its first line.
func normalizeLabel(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`.")
	return strings.ToLower(s)
}

// BuildPrompt renders the classification instructions for the given cards.
// ids is the complete set of valid backend labels.
func BuildPrompt(cards []domain.AgentCard, ids []string) string {
	sorted := append([]domain.AgentCard(nil), cards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var sb strings.Builder
	sb.WriteString("You route chat requests to specialised agents. Pick the single agent best suited to the user's message.\n\n")
	sb.WriteString("Available agents:\n")
	for _, c := range sorted {
		fmt.Fprintf(&sb, "- id: %s\n  name: %s\n", c.ID, c.Name)
		if c.Description != "" {
			fmt.Fprintf(&sb, "  description: %s\n", c.Description)
		}
		for _, s := range c.Skills {
			fmt.Fprintf(&sb, "  skill: %s", s.Name)
			if s.Description != "" {
				fmt.Fprintf(&sb, " - %s", s.Description)
			}
			if len(s.Tags) > 0 {
				fmt.Fprintf(&sb, " [%s]", strings.Join(s.Tags, ", "))
			}
			sb.WriteString("\n")
		}
	}

	valid := append(append([]string(nil), ids...), domain.RouteListAgents, domain.RouteUnrouted)
	sb.WriteString("\nRules:\n")
	fmt.Fprintf(&sb, "- Answer with exactly one of: %s\n", strings.Join(valid, ", "))
	sb.WriteString("- Answer list_agents when the user asks which agents or capabilities are available.\n")
	sb.WriteString("- Answer unrouted when no agent clearly fits.\n")
	sb.WriteString("- Output the value only, with no explanation.\n")
	return sb.String()
}
