// Package chat runs one chat turn: route, assemble, call upstream, price
// and reconcile the balance.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/budget"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/content"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/metering"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/normalize"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/observability"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/pricing"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/router"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/upstream"
)

// User-facing canned replies.
const (
	ReplyEmpty     = "Please enter a message or attach a file."
	ReplyExhausted = "Sorry, the session balance has been used up. Reset the balance to keep chatting."
	ReplyFailure   = "Sorry, I couldn't get a response from the model right now. Please try again."
	ReplyBusy      = "Too many requests right now. Please wait a moment and try again."
	ReplyTooLarge  = "That upload is too large. Please send a smaller file."
	ReplyMalformed = "Sorry, I couldn't read that request."
)

// Completer sends one request to the model API.
type Completer interface {
	Messages(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

// Options configure an Engine.
type Options struct {
	Router *router.Router
	Client Completer
	// Ledger is set when the server owns the balance. When nil, the
	// client-supplied figures are reconciled instead.
	Ledger          *budget.Ledger
	Recorder        metering.Recorder
	Logger          *zap.Logger
	SystemPrompt    string
	StartingBalance decimal.Decimal
}

// Engine runs chat turns. It is safe for concurrent use.
type Engine struct {
	router   *router.Router
	client   Completer
	ledger   *budget.Ledger
	recorder metering.Recorder
	log      *zap.Logger
	system   string
	starting decimal.Decimal
}

// New creates an Engine.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		router:   opts.Router,
		client:   opts.Client,
		ledger:   opts.Ledger,
		recorder: opts.Recorder,
		log:      log,
		system:   opts.SystemPrompt,
		starting: opts.StartingBalance,
	}
}

// ServerBalance reports whether the engine uses the process ledger.
func (e *Engine) ServerBalance() bool {
	return e.ledger != nil
}

// Run executes one turn.
//
// An empty request returns the canned prompt-for-input response together
// with normalize.ErrEmptyRequest and never reaches the upstream. An
// exhausted server balance returns the apology with zero cost and a nil
// error. Upstream failures return a nil response and the error.
func (e *Engine) Run(ctx context.Context, req *models.ChatRequest, requestID string) (*models.ChatResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "chat.run")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	if req.IsEmpty() {
		return &models.ChatResponse{
			Reply: ReplyEmpty,
			Costs: e.Figures(req).Costs(),
		}, normalize.ErrEmptyRequest
	}

	// The cost is unknown until the reply arrives, so nothing is reserved:
	// requests already in flight when the balance runs out are still
	// charged, and the balance floors at zero.
	if e.ledger != nil {
		if err := e.ledger.Check(); errors.Is(err, budget.ErrBalanceExhausted) {
			e.log.Info("balance exhausted", zap.String("request_id", requestID))
			f := e.ledger.Snapshot()
			f.Balance = decimal.Zero
			return &models.ChatResponse{Reply: ReplyExhausted, Costs: f.Costs()}, nil
		}
	}

	route := e.router.Resolve(req.ModelSelector)
	if route.Substituted && route.Requested != "" {
		e.log.Debug("model selector substituted",
			zap.String("request_id", requestID),
			zap.String("requested", route.Requested),
			zap.String("model", route.Profile.ModelID),
		)
	}

	messages := content.Messages(req.History, content.Assemble(req.Message, req.Attachments))

	profile := route.Profile
	fallback := false
	res, err := e.call(ctx, profile, messages)
	if err != nil && errors.Is(err, upstream.ErrModelNotFound) && route.Fallback != nil {
		e.log.Warn("model not found upstream, retrying with fallback",
			zap.String("request_id", requestID),
			zap.String("model", profile.ModelID),
			zap.String("fallback", route.Fallback.ModelID),
		)
		profile = *route.Fallback
		fallback = true
		res, err = e.call(ctx, profile, messages)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
		if ctx.Err() == nil {
			e.logUpstreamError(requestID, profile.ModelID, err)
		}
		return nil, fmt.Errorf("chat %s: %w", profile.ModelID, err)
	}

	cost := pricing.Cost(res.Usage, profile)
	var figures budget.Figures
	if e.ledger != nil {
		figures = e.ledger.Charge(cost)
	} else {
		figures = budget.Reconcile(req.SessionCost, e.clientBalance(req), cost)
	}

	rec := models.UsageRecord{
		RequestID:      requestID,
		RequestedModel: route.Requested,
		Model:          profile.ModelID,
		Cost:           cost.InexactFloat64(),
		Truncated:      res.Truncated(),
		Fallback:       fallback,
		CreatedAt:      time.Now().UTC(),
	}
	if res.Usage != nil {
		rec.InputTokens = res.Usage.InputTokens
		rec.OutputTokens = res.Usage.OutputTokens
	}
	e.record(ctx, rec)

	span.SetAttributes(
		attribute.String("llm.model", profile.ModelID),
		attribute.Bool("llm.fallback", fallback),
		attribute.Bool("llm.truncated", res.Truncated()),
		attribute.String("llm.cost", cost.String()),
	)
	e.log.Info("chat completed",
		zap.String("request_id", requestID),
		zap.String("model", profile.ModelID),
		zap.Bool("fallback", fallback),
		zap.Bool("truncated", res.Truncated()),
		zap.Int("input_tokens", rec.InputTokens),
		zap.Int("output_tokens", rec.OutputTokens),
		zap.String("cost", cost.String()),
		zap.Int("dropped", len(req.Dropped)),
	)

	return &models.ChatResponse{
		Reply:     res.Text,
		Usage:     res.Usage,
		Costs:     figures.Costs(),
		Truncated: res.Truncated(),
		ModelUsed: profile.ModelID,
		Fallback:  fallback,
		Dropped:   req.Dropped,
	}, nil
}

func (e *Engine) call(ctx context.Context, p models.ModelProfile, messages []models.AnthropicMessage) (*upstream.Result, error) {
	return e.client.Messages(ctx, upstream.Request{
		Model:     p.ModelID,
		MaxTokens: p.MaxOutputTokens,
		System:    e.system,
		Messages:  messages,
		Extra:     p.ExtraParams,
	})
}

// Figures returns the current balance figures without a call: the ledger
// snapshot in server mode, or the request's own figures echoed back.
func (e *Engine) Figures(req *models.ChatRequest) budget.Figures {
	if e.ledger != nil {
		return e.ledger.Snapshot()
	}
	return budget.Figures{
		Last:    decimal.Zero,
		Session: pricing.Round4(req.SessionCost),
		Balance: pricing.Round4(e.clientBalance(req)),
	}
}

func (e *Engine) clientBalance(req *models.ChatRequest) decimal.Decimal {
	if req.Balance != nil {
		return *req.Balance
	}
	return e.starting
}

func (e *Engine) record(ctx context.Context, rec models.UsageRecord) {
	if e.recorder == nil {
		return
	}
	// Usage is recorded even if the client has gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.Record(ctx, rec); err != nil {
		e.log.Warn("usage record failed", zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}

func (e *Engine) logUpstreamError(requestID, model string, err error) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("model", model),
	}
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		fields = append(fields,
			zap.Int("status", uerr.Status),
			zap.String("error_type", uerr.Type),
			zap.String("error_message", uerr.Message),
		)
	} else {
		fields = append(fields, zap.Error(err))
	}
	e.log.Error("upstream call failed", fields...)
}
