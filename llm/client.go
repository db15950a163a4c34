package llm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"sentinel-ai/logger"
	"sentinel-ai/metrics"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"
)

// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// DefaultModel is the model the investigator was built against.
const DefaultModel = "llama-3.3-70b-versatile"

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration // per HTTP request, 0 = no client-side limit
	MaxRetries int           // retries for transient failures (429, 5xx, network)
	RetryBase  time.Duration // first backoff interval
	HTTPClient *http.Client
}

// Client sends chat completion requests to an OpenAI-compatible endpoint.
type Client struct {
	api        *openai.Client
	model      string
	maxRetries int
	retryBase  time.Duration
	log        logger.Logger
}

// NewClient creates a client. It fails with ErrMissingAPIKey before any
// network activity when no credential is configured.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	oc.HTTPClient = httpClient

	log.Debug("llm.client_ready",
		logger.String("base_url", oc.BaseURL),
		logger.String("model", cfg.Model),
		logger.Secret("api_key", cfg.APIKey),
		logger.Int("max_retries", cfg.MaxRetries),
	)

	return &Client{
		api:        openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		log:        log,
	}, nil
}

// Model returns the default model identifier.
func (c *Client) Model() string { return c.model }

// Complete runs one chat completion round. Transient failures are retried
// with exponential backoff up to the configured limit; everything else is
// returned after the first attempt.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	oreq := toOpenAIRequest(req)

	backoff := retry.NewExponential(c.retryBase)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(uint64(c.maxRetries), backoff)

	var out openai.ChatCompletionResponse
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		resp, err := c.api.CreateChatCompletion(ctx, oreq)
		metrics.ModelRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			err = classify(err)
			metrics.ModelRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
			if isTransient(err) && ctx.Err() == nil {
				c.log.Warn("llm.retryable_error",
					logger.Int("attempt", attempt),
					logger.Err(err),
				)
				return retry.RetryableError(err)
			}
			return err
		}
		metrics.ModelRequestsTotal.WithLabelValues("ok").Inc()
		out = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion (attempts %d): %w", attempt, err)
	}
	if len(out.Choices) == 0 {
		return nil, &StatusError{StatusCode: http.StatusOK, Message: "response contained no choices"}
	}

	choice := out.Choices[0]
	return &Response{
		ID:           out.ID,
		Model:        out.Model,
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isTransient(err):
		return "transient_error"
	default:
		return "error"
	}
}

func toOpenAIRequest(req Request) openai.ChatCompletionRequest {
	oreq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		// go-openai drops a zero temperature from the payload.
		oreq.Temperature = *req.Temperature
		if oreq.Temperature == 0 {
			oreq.Temperature = math.SmallestNonzeroFloat32
		}
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, toOpenAIMessage(m))
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != "" && len(oreq.Tools) > 0 {
		oreq.ToolChoice = req.ToolChoice
	}
	return oreq
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	om := openai.ChatCompletionMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return om
}

func fromOpenAIMessage(om openai.ChatCompletionMessage) Message {
	m := Message{
		Role:       Role(om.Role),
		Content:    om.Content,
		Name:       om.Name,
		ToolCallID: om.ToolCallID,
	}
	if m.Role == "" {
		m.Role = RoleAssistant
	}
	for _, tc := range om.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return m
}
