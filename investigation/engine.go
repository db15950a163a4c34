package investigation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"sentinel-ai/llm"
	"sentinel-ai/logger"
	"sentinel-ai/metrics"
	"sentinel-ai/tools"

	"github.com/google/uuid"
)

// Model is the remote chat model. *llm.Client satisfies it.
type Model interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// EngineConfig holds configuration for the investigation engine.
type EngineConfig struct {
	Model          string        // model identifier sent with every request
	SystemPrompt   string        // overrides DefaultSystemPrompt
	MaxToolRounds  int           // tool rounds allowed before ErrToolLoopExceeded
	RoundTimeout   time.Duration // bound on a single model round
	RepairAttempts int           // corrective resubmissions of a malformed report
	ParallelTools  bool          // run the tool calls of one round concurrently
	Temperature    *float32 // nil leaves the provider default
	MaxTokens      int
}

const (
	DefaultMaxToolRounds = 8
	DefaultRoundTimeout  = 60 * time.Second
)

// Engine runs investigations: it drives the model through tool rounds until
// the model hands in an IncidentReport. An Engine holds no per-run state and
// may serve concurrent runs.
type Engine struct {
	model    Model
	registry *tools.Registry
	log      logger.Logger
	cfg      EngineConfig
}

// NewEngine creates an investigation engine.
func NewEngine(model Model, registry *tools.Registry, log logger.Logger, cfg EngineConfig) *Engine {
	if cfg.Model == "" {
		cfg.Model = llm.DefaultModel
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	if cfg.RepairAttempts < 0 {
		cfg.RepairAttempts = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{model: model, registry: registry, log: log, cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Result is the outcome of one investigation. On failure it still carries
// the transcript up to the point of failure.
type Result struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Report     *IncidentReport `json:"report,omitempty"`
	Transcript *Transcript     `json:"transcript"`
	ToolRounds int             `json:"tool_rounds"`
	ModelCalls int             `json:"model_calls"`
	ToolCalls  int             `json:"tool_calls"`
	Usage      llm.Usage       `json:"usage"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"-"`
	DurationMs int64           `json:"duration_ms"`
}

// NewID returns a fresh investigation identifier.
func NewID() string {
	return "inv-" + uuid.NewString()[:8]
}

// Run investigates logs under a fresh identifier.
func (e *Engine) Run(ctx context.Context, logs string) (*Result, error) {
	return e.RunWithID(ctx, NewID(), logs)
}

// RunWithID investigates logs and returns the validated report together with
// the transcript. Errors match one of the package's sentinel errors.
func (e *Engine) RunWithID(ctx context.Context, id, logs string) (*Result, error) {
	if id == "" {
		id = NewID()
	}
	start := time.Now()
	res := &Result{ID: id, Model: e.cfg.Model, Transcript: &Transcript{}, StartedAt: start}
	log := e.log.WithFields(logger.String("investigation_id", id))

	if strings.TrimSpace(logs) == "" {
		return e.fail(log, res, ErrEmptyInput)
	}

	finalDef, err := finalResultDef()
	if err != nil {
		return e.fail(log, res, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	defs := append(e.registry.Definitions(), finalDef)

	userPrompt := BuildUserPrompt(logs)
	res.Transcript.add(Entry{Kind: EntrySystem, Content: e.cfg.SystemPrompt})
	res.Transcript.add(Entry{Kind: EntryUser, Content: userPrompt})
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: e.cfg.SystemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	}

	log.Info("investigation.started",
		logger.String("model", e.cfg.Model),
		logger.Int("log_bytes", len(logs)),
		logger.Int("tools", len(defs)),
	)

	repairsLeft := e.cfg.RepairAttempts
	for round := 1; ; round++ {
		resp, err := e.complete(ctx, msgs, defs)
		res.ModelCalls++
		if err != nil {
			return e.fail(log, res, fmt.Errorf("round %d: %w", round, err))
		}
		res.Usage.Add(resp.Usage)
		msg := resp.Message

		log.Debug("investigation.round",
			logger.Int("round", round),
			logger.Int("tool_calls", len(msg.ToolCalls)),
			logger.String("finish_reason", resp.FinishReason),
		)

		var answer string
		finalCall := findFinalCall(msg.ToolCalls)
		switch {
		case finalCall != nil:
			answer = finalCall.Arguments
		case len(msg.ToolCalls) > 0:
			if res.ToolRounds >= e.cfg.MaxToolRounds {
				return e.fail(log, res, fmt.Errorf("%w: model still requesting tools after %d rounds",
					ErrToolLoopExceeded, res.ToolRounds))
			}
			msgs, err = e.runTools(ctx, log, res, round, msg, msgs)
			if err != nil {
				return e.fail(log, res, err)
			}
			continue
		default:
			answer = msg.Content
		}

		var report *IncidentReport
		var perr error
		if resp.FinishReason == llm.FinishLength {
			perr = errTruncatedOutput
		} else {
			report, perr = ParseReport(answer)
		}
		if perr == nil {
			res.Transcript.add(Entry{Kind: EntryFinal, Round: round, Content: answer, Report: report})
			res.Report = report
			return e.succeed(log, res), nil
		}

		if repairsLeft == 0 {
			return e.fail(log, res, &OutputShapeError{Raw: answer, Reason: perr})
		}
		repairsLeft--

		correction := BuildCorrectionPrompt(answer, perr)
		if finalCall != nil {
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: msg.Content, ToolCalls: []llm.ToolCall{*finalCall}},
				llm.Message{Role: llm.RoleTool, ToolCallID: finalCall.ID, Name: FinalResultTool, Content: correction},
			)
		} else {
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: answer},
				llm.Message{Role: llm.RoleUser, Content: correction},
			)
		}
		res.Transcript.add(Entry{Kind: EntryCorrection, Round: round, Content: correction})
		log.Warn("investigation.output_rejected",
			logger.Int("round", round),
			logger.Int("repairs_left", repairsLeft),
			logger.Err(perr),
		)
	}
}

// complete performs one model round bounded by RoundTimeout and maps
// transport failures onto the package's error kinds.
func (e *Engine) complete(ctx context.Context, msgs []llm.Message, defs []llm.ToolDef) (*llm.Response, error) {
	roundCtx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
	defer cancel()

	resp, err := e.model.Complete(roundCtx, llm.Request{
		Model:       e.cfg.Model,
		Messages:    slices.Clone(msgs),
		Tools:       defs,
		ToolChoice:  "auto",
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(roundCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrRoundTimeout, e.cfg.RoundTimeout)
		case errors.Is(err, llm.ErrUnauthorized), errors.Is(err, llm.ErrMissingAPIKey):
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrTransport)
	}
	return resp, nil
}

// runTools resolves the tool calls of one round, records them and extends
// the conversation with the assistant turn and one tool message per call.
func (e *Engine) runTools(ctx context.Context, log logger.Logger, res *Result, round int, msg llm.Message, msgs []llm.Message) ([]llm.Message, error) {
	invs, err := e.registry.ResolveAll(ctx, msg.ToolCalls, e.cfg.ParallelTools)
	if err != nil {
		tool := "unknown"
		var callErr *tools.CallError
		if errors.As(err, &callErr) && !errors.Is(err, tools.ErrUnknownTool) {
			tool = callErr.Name
		}
		metrics.ToolCallsTotal.WithLabelValues(tool, "error").Inc()
		return msgs, fmt.Errorf("%w: round %d: %w", ErrToolResolution, round, err)
	}

	for _, inv := range invs {
		outcome := "ok"
		if inv.Ignored {
			outcome = "ignored"
		}
		metrics.ToolCallsTotal.WithLabelValues(inv.Name, outcome).Inc()
		log.Info("investigation.tool",
			logger.Int("round", round),
			logger.String("tool", inv.Name),
			logger.String("result", inv.Result),
			logger.Bool("ignored", inv.Ignored),
			logger.Duration("duration_ms", inv.Duration),
		)
	}

	res.ToolRounds++
	res.ToolCalls += len(invs)
	msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: msg.Content, ToolCalls: msg.ToolCalls})
	for i := range invs {
		inv := invs[i]
		res.Transcript.add(Entry{Kind: EntryToolResult, Round: round, Content: inv.Result, Invocation: &inv})
		msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: inv.CallID, Name: inv.Name, Content: inv.Result})
	}
	return msgs, nil
}

func (e *Engine) succeed(log logger.Logger, res *Result) *Result {
	res.Duration = time.Since(res.StartedAt)
	res.DurationMs = res.Duration.Milliseconds()
	metrics.InvestigationsTotal.WithLabelValues("ok").Inc()
	metrics.InvestigationDuration.Observe(res.Duration.Seconds())
	log.Info("investigation.completed",
		logger.String("severity", res.Report.Severity),
		logger.Int("model_calls", res.ModelCalls),
		logger.Int("tool_rounds", res.ToolRounds),
		logger.Int("tool_calls", res.ToolCalls),
		logger.Int("input_tokens", res.Usage.InputTokens),
		logger.Int("output_tokens", res.Usage.OutputTokens),
		logger.Duration("duration_ms", res.Duration),
	)
	return res
}

func (e *Engine) fail(log logger.Logger, res *Result, err error) (*Result, error) {
	res.Duration = time.Since(res.StartedAt)
	res.DurationMs = res.Duration.Milliseconds()
	kind := Kind(err)
	metrics.InvestigationsTotal.WithLabelValues(kind).Inc()
	metrics.InvestigationDuration.Observe(res.Duration.Seconds())
	log.Error("investigation.failed",
		logger.String("kind", kind),
		logger.Int("model_calls", res.ModelCalls),
		logger.Int("tool_rounds", res.ToolRounds),
		logger.Duration("duration_ms", res.Duration),
		logger.Err(err),
	)
	return res, err
}

var errTruncatedOutput = errors.New("output cut off at the token limit")

func findFinalCall(calls []llm.ToolCall) *llm.ToolCall {
	for i := range calls {
		if calls[i].Name == FinalResultTool {
			return &calls[i]
		}
	}
	return nil
}

func finalResultDef() (llm.ToolDef, error) {
	schema, err := ReportSchema()
	if err != nil {
		return llm.ToolDef{}, err
	}
	return llm.ToolDef{Name: FinalResultTool, Description: finalResultDescription, Parameters: schema}, nil
}
