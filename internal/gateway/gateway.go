// Package gateway sequences the security gates, routing, delegation and
// reply for one inbound task.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaygate/internal/domain"
	"relaygate/internal/metrics"
	"relaygate/internal/platform"
	"relaygate/internal/transfer"
)

// State is a step of the delegation state machine.
type State string

const (
	StateReceived         State = "received"
	StateExistenceChecked State = "existence_checked"
	StateAuthorized       State = "authorized"
	StateRateChecked      State = "rate_checked"
	StateRouted           State = "routed"
	StateDelegated        State = "delegated"
	StateReplied          State = "replied"
	StateCleanedUp        State = "cleaned_up"
	StateRejected         State = "rejected"
	StateAborted          State = "aborted"
)

// Error codes produced by the gateway itself.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeInternal       = "internal_error"
	CodeExistence      = "existence_check_failed"
	CodeUnauthorized   = "unauthorized"
	CodeRateLimited    = "rate_limit_exceeded"
	CodeReplyFailed    = "reply_failed"
)

const (
	replyTimeout        = 30 * time.Second
	cleanupTimeout      = 30 * time.Second
	defaultTaskDeadline = 5 * time.Minute
)

type Verifier interface {
	Verify(ctx context.Context, credential, teamID, userID, channelID string) error
}

type Authorizer interface {
	Authorize(ctx context.Context, teamID, userID, channelID string) domain.AuthorizationResult
}

type RateLimiter interface {
	Check(ctx context.Context, orgID, userID string) (allowed bool, remaining int, err error)
}

type Router interface {
	Route(ctx context.Context, text, correlationID string, attachments []domain.AttachmentDescriptor) domain.RoutingDecision
}

// Backends resolves backend ids and cards.
type Backends interface {
	Get(id string) (domain.Backend, error)
	Card(ctx context.Context, id string) (*domain.AgentCard, error)
	Cards(ctx context.Context) []domain.AgentCard
}

// Transfer moves files between the platform, object storage and backends.
type Transfer interface {
	Enrich(ctx context.Context, task *domain.Task) []domain.AttachmentDescriptor
	Deliver(ctx context.Context, correlationID string, artifact *domain.FileArtifact) (transfer.Delivery, error)
	Cleanup(ctx context.Context, correlationID string) error
}

type Replier interface {
	PostReply(ctx context.Context, credential string, reply domain.Reply) error
}

// AuditLog records terminal task outcomes.
type AuditLog interface {
	LogTask(ctx context.Context, entry domain.AuditEntry) error
}

type Config struct {
	Verifier    Verifier
	Authorizer  Authorizer
	RateLimiter RateLimiter
	Router      Router
	Backends    Backends
	Transfer    Transfer
	Replier     Replier
	Audit       AuditLog // optional
	Messages    *Messages
	HelpText    string
	Attribution bool
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Coordinator runs tasks through the gateway. It is safe for concurrent use;
// all per-task state lives in a taskRun.
type Coordinator struct {
	cfg Config
}

func New(cfg Config) *Coordinator {
	if cfg.Messages == nil {
		cfg.Messages = NewMessages("")
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskDeadline
	}
	return &Coordinator{cfg: cfg}
}

// ParseTask decodes an invocation payload. The task is read from the
// "prompt" field, either as a JSON string or an embedded object; a bare task
// object is accepted too.
func ParseTask(payload []byte) (domain.Task, error) {
	var task domain.Task
	raw := payload

	var envelope struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return task, fmt.Errorf("decode payload: %w", err)
	}
	if p := strings.TrimSpace(string(envelope.Prompt)); p != "" && p != "null" {
		raw = envelope.Prompt
		if p[0] == '"' {
			var s string
			if err := json.Unmarshal(envelope.Prompt, &s); err != nil {
				return task, fmt.Errorf("decode prompt: %w", err)
			}
			raw = []byte(s)
		}
	}

	if err := json.Unmarshal(raw, &task); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	if task.Channel == "" {
		return task, errors.New("task has no channel")
	}
	return task, nil
}

// Run parses payload, processes the task and returns the JSON result.
func (c *Coordinator) Run(ctx context.Context, payload []byte) string {
	var result domain.GatewayResult
	task, err := ParseTask(payload)
	if err != nil {
		c.cfg.Logger.Warn("invalid payload", "error", err)
		result = domain.GatewayResult{Status: domain.StatusError, ErrorCode: CodeInvalidPayload, ErrorMessage: err.Error()}
	} else {
		result = c.Process(ctx, task)
	}
	out, _ := json.Marshal(result)
	return string(out)
}

// taskRun is the state of one task pass.
type taskRun struct {
	c         *Coordinator
	task      domain.Task
	logger    *slog.Logger
	start     time.Time
	state     State
	backendID string
	replied   atomic.Bool
	cleaned   atomic.Bool
}

func (r *taskRun) transition(s State, attrs ...any) {
	prev := r.state
	r.state = s
	r.logger.Info("task state", append([]any{"from", prev, "to", s}, attrs...)...)
}

// Process runs one task to completion. Exactly one reply is sent when the
// task has a reply target, and cleanup runs exactly once on every path,
// including panics.
func (c *Coordinator) Process(ctx context.Context, task domain.Task) (result domain.GatewayResult) {
	if task.CorrelationID == "" {
		task.CorrelationID = uuid.NewString()
	}
	run := &taskRun{
		c:      c,
		task:   task,
		logger: c.cfg.Logger.With("correlation_id", task.CorrelationID),
		start:  time.Now(),
		state:  StateReceived,
	}
	run.logger.Info("task received", "team_id", task.TeamID, "channel", task.Channel, "attachments", len(task.Attachments))

	metrics.InflightTasks.Inc()
	defer metrics.InflightTasks.Dec()

	defer func() { run.finish(ctx, result) }()
	defer func() {
		if rec := recover(); rec != nil {
			run.logger.Error("task panicked", "panic", rec, "stack", string(debug.Stack()))
			run.reply(ctx, domain.Reply{Text: c.cfg.Messages.Error(CodeInternal)})
			result = run.fail(CodeInternal, "internal error")
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()
	return run.execute(taskCtx)
}

func (r *taskRun) execute(ctx context.Context) domain.GatewayResult {
	cfg := r.c.cfg
	t := r.task

	// Gates run strictly in order; the first failure ends the task.
	if err := cfg.Verifier.Verify(ctx, t.BotToken, t.TeamID, t.UserID, t.Channel); err != nil {
		return r.reject(ctx, "existence", CodeExistence, err.Error(), "error", err)
	}
	r.transition(StateExistenceChecked)

	if res := cfg.Authorizer.Authorize(ctx, t.TeamID, t.UserID, t.Channel); !res.Authorized {
		authErr := &domain.AuthorizationError{Dimensions: res.UnauthorizedDimensions, Reason: res.ErrorMessage}
		return r.reject(ctx, "authorization", CodeUnauthorized, authErr.Error(), "dimensions", res.UnauthorizedDimensions)
	}
	r.transition(StateAuthorized)

	allowed, remaining, err := cfg.RateLimiter.Check(ctx, t.TeamID, t.UserID)
	if !allowed {
		msg := "rate limit exceeded"
		if err != nil {
			msg = err.Error()
		}
		return r.reject(ctx, "rate_limit", CodeRateLimited, msg, "error", err)
	}
	r.transition(StateRateChecked, "remaining", remaining)

	text := platform.StripMentions(t.Text)
	decision := cfg.Router.Route(ctx, text, t.CorrelationID, t.Attachments)
	metrics.RouteDecisions(decision.String()).Inc()

	switch decision.Kind {
	case domain.RouteLocal:
		return r.abort(ctx, decision, cfg.Messages.Help(cfg.HelpText))
	case domain.RouteList:
		return r.abort(ctx, decision, cfg.Messages.AgentList(cfg.Backends.Cards(ctx)))
	case domain.RouteAbstain:
		return r.abort(ctx, decision, cfg.Messages.Unrouted())
	}
	r.backendID = decision.BackendID
	r.transition(StateRouted, "backend", decision.BackendID)

	return r.delegate(ctx, text)
}

func (r *taskRun) delegate(ctx context.Context, text string) domain.GatewayResult {
	cfg := r.c.cfg
	t := r.task

	backend, err := cfg.Backends.Get(r.backendID)
	if err != nil {
		r.logger.Error("routed backend not registered", "backend", r.backendID, "error", err)
		return r.internalError(ctx, "backend not found")
	}

	req := domain.BackendRequest{
		CorrelationID: t.CorrelationID,
		TeamID:        t.TeamID,
		UserID:        t.UserID,
		Channel:       t.Channel,
		Text:          text,
		ThreadTS:      t.ThreadTS,
		Attachments:   cfg.Transfer.Enrich(ctx, &t),
		BotToken:      t.BotToken,
	}

	start := time.Now()
	res, err := backend.Invoke(ctx, req)
	metrics.BackendLatency.ObserveDuration(time.Since(start))
	if err != nil {
		r.logger.Error("backend invocation failed", "backend", r.backendID, "error", err)
		return r.internalError(ctx, "backend invocation failed")
	}
	if res == nil {
		r.logger.Error("backend returned no result", "backend", r.backendID)
		return r.internalError(ctx, "empty backend result")
	}
	r.transition(StateDelegated, "status", res.Status)

	footer := ""
	if cfg.Attribution {
		name := r.backendID
		if card, err := cfg.Backends.Card(ctx, r.backendID); err == nil && card.Name != "" {
			name = card.Name
		}
		footer = cfg.Messages.Footer(name)
	}

	if res.Status == domain.ResultError {
		r.logger.Warn("backend reported error", "error_code", res.ErrorCode, "error_message", res.ErrorMessage)
		result := domain.GatewayResult{
			Status:        domain.StatusError,
			CorrelationID: t.CorrelationID,
			ErrorCode:     res.ErrorCode,
			ErrorMessage:  res.ErrorMessage,
		}
		if result.ErrorCode == "" {
			result.ErrorCode = CodeInternal
		}
		return r.finalReply(ctx, domain.Reply{Text: joinLines(cfg.Messages.Error(res.ErrorCode), footer)}, result)
	}

	reply := domain.Reply{Text: res.ResponseText}
	if res.FileArtifact != nil {
		delivery, err := cfg.Transfer.Deliver(ctx, t.CorrelationID, res.FileArtifact)
		if err != nil {
			r.logger.Error("result file delivery failed", "name", res.FileArtifact.Name, "error", err)
			return r.internalError(ctx, "result file delivery failed")
		}
		switch {
		case delivery.Inline != nil:
			reply.File = delivery.Inline
			metrics.FileDeliveries("inline").Inc()
		case delivery.URL != "":
			reply.Text = joinLines(reply.Text, cfg.Messages.FileLink(delivery.Name, delivery.URL))
			metrics.FileDeliveries("url").Inc()
		}
	}
	reply.Text = joinLines(reply.Text, footer)
	return r.finalReply(ctx, reply, domain.GatewayResult{Status: domain.StatusCompleted, CorrelationID: t.CorrelationID})
}

func joinLines(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// reject ends the task at a failed gate with a localized reply.
func (r *taskRun) reject(ctx context.Context, gate, code, detail string, attrs ...any) domain.GatewayResult {
	metrics.GateRejections(gate).Inc()
	r.transition(StateRejected, append([]any{"gate", gate}, attrs...)...)
	r.reply(ctx, domain.Reply{Text: r.c.cfg.Messages.Error(code)})
	return r.fail(code, detail)
}

// abort ends the task with a locally built reply and no backend call.
func (r *taskRun) abort(ctx context.Context, decision domain.RoutingDecision, text string) domain.GatewayResult {
	r.transition(StateAborted, "decision", decision.String(), "fallback_reason", decision.FallbackReason)
	return r.finalReply(ctx, domain.Reply{Text: text},
		domain.GatewayResult{Status: domain.StatusCompleted, CorrelationID: r.task.CorrelationID})
}

func (r *taskRun) internalError(ctx context.Context, detail string) domain.GatewayResult {
	r.reply(ctx, domain.Reply{Text: r.c.cfg.Messages.Error(CodeInternal)})
	return r.fail(CodeInternal, detail)
}

func (r *taskRun) fail(code, message string) domain.GatewayResult {
	return domain.GatewayResult{
		Status:        domain.StatusError,
		CorrelationID: r.task.CorrelationID,
		ErrorCode:     code,
		ErrorMessage:  message,
	}
}

// finalReply sends the reply for a task that reached a normal end state. A
// failed post turns the result into reply_failed.
func (r *taskRun) finalReply(ctx context.Context, reply domain.Reply, result domain.GatewayResult) domain.GatewayResult {
	if err := r.reply(ctx, reply); err != nil {
		return r.fail(CodeReplyFailed, "reply could not be posted")
	}
	if r.state != StateAborted {
		r.transition(StateReplied)
	}
	return result
}

// reply posts at most one message per task. Later calls are no-ops.
func (r *taskRun) reply(ctx context.Context, reply domain.Reply) error {
	if !r.replied.CompareAndSwap(false, true) {
		r.logger.Debug("reply already sent, dropping")
		return nil
	}
	if r.task.Channel == "" {
		r.logger.Warn("task has no reply target")
		return nil
	}
	reply.Channel, reply.ThreadTS = r.task.ReplyTarget()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := r.c.cfg.Replier.PostReply(ctx, r.task.BotToken, reply); err != nil {
		metrics.ReplyErrors.Inc()
		r.logger.Error("reply failed", "error", err)
		return err
	}
	return nil
}

// finish runs cleanup once and records the outcome.
func (r *taskRun) finish(ctx context.Context, result domain.GatewayResult) {
	if !r.cleaned.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	terminal := r.state
	if err := r.c.cfg.Transfer.Cleanup(ctx, r.task.CorrelationID); err != nil {
		metrics.CleanupErrors.Inc()
		r.logger.Warn("cleanup failed", "error", err)
	}
	r.transition(StateCleanedUp)

	elapsed := time.Since(r.start)
	metrics.TaskDuration.ObserveDuration(elapsed)
	metrics.TasksTotal(result.Status, string(terminal)).Inc()
	r.logger.Info("task finished", "status", result.Status, "error_code", result.ErrorCode, "state", terminal, "duration", elapsed)

	if r.c.cfg.Audit == nil {
		return
	}
	entry := domain.AuditEntry{
		CorrelationID: r.task.CorrelationID,
		Status:        result.Status,
		State:         string(terminal),
		ErrorCode:     result.ErrorCode,
		BackendID:     r.backendID,
		Duration:      elapsed,
	}
	if err := r.c.cfg.Audit.LogTask(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "error", err)
	}
}
