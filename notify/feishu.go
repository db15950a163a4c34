package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sentinel-ai/investigation"
	"sentinel-ai/logger"

	"github.com/sethvargo/go-retry"
)

// ErrNoWebhook is returned when no webhook URL is configured.
var ErrNoWebhook = errors.New("no feishu webhook configured")

// FeishuNotifier posts incident reports to Feishu (Lark) via webhook.
type FeishuNotifier struct {
	webhook    string
	signKey    string
	service    string
	owners     []string
	httpClient *http.Client
	log        logger.Logger
	retryCount int
	retryDelay time.Duration
}

// FeishuConfig holds Feishu webhook configuration.
type FeishuConfig struct {
	Webhook    string
	SignKey    string
	Service    string // name shown in the card title
	Owners     []string
	Timeout    time.Duration
	RetryCount int // total delivery attempts
	RetryDelay time.Duration
}

// NewFeishuNotifier creates a Feishu notifier.
func NewFeishuNotifier(cfg FeishuConfig, log logger.Logger) *FeishuNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &FeishuNotifier{
		webhook:    cfg.Webhook,
		signKey:    cfg.SignKey,
		service:    cfg.Service,
		owners:     cfg.Owners,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
	}
}

// Notify sends the report of a finished investigation.
func (f *FeishuNotifier) Notify(ctx context.Context, res *investigation.Result) error {
	if f.webhook == "" {
		return ErrNoWebhook
	}
	if res == nil || res.Report == nil {
		return errors.New("investigation has no report")
	}

	payload := map[string]any{
		"msg_type": "interactive",
		"card":     f.buildCard(res),
	}
	if f.signKey != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		payload["timestamp"] = ts
		payload["sign"] = f.genSign(ts)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(f.retryCount-1), retry.NewConstant(f.retryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := f.post(ctx, body)
		if err != nil {
			f.log.Warn("feishu.retry", logger.Int("attempt", attempt), logger.Err(err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("feishu notification failed after %d attempts: %w", attempt, err)
	}

	f.log.Info("feishu.sent",
		logger.String("investigation_id", res.ID),
		logger.String("severity", res.Report.Severity),
	)
	return nil
}

// post delivers one payload. Network failures, 429 and 5xx come back
// retryable; other statuses and Feishu error codes are permanent.
func (f *FeishuNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("feishu returned status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(err)
		}
		return err
	}
	// Feishu returns 200 even on logical errors.
	var feishuResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(respBody, &feishuResp) == nil && feishuResp.Code != 0 {
		return fmt.Errorf("feishu error code %d: %s", feishuResp.Code, feishuResp.Msg)
	}
	return nil
}

// headerTemplate picks the card color for a severity.
func headerTemplate(severity string) string {
	switch severity {
	case investigation.SeverityCritical:
		return "red"
	case investigation.SeverityWarning:
		return "orange"
	default:
		return "blue"
	}
}

func (f *FeishuNotifier) buildCard(res *investigation.Result) map[string]any {
	report := res.Report
	title := fmt.Sprintf("[%s] Incident report", report.Severity)
	if f.service != "" {
		title += " - " + f.service
	}

	elements := []map[string]any{
		larkText(fmt.Sprintf("**Diagnostic**: %s", truncate(report.Diagnostic, 1000))),
		{"tag": "hr"},
		larkText(fmt.Sprintf("**Remediation**:\n%s", truncate(report.RemediationSteps, 1500))),
	}

	if results := toolResults(res); len(results) > 0 {
		lines := make([]string, 0, len(results))
		for _, inv := range results {
			out := inv.Result
			if inv.Ignored {
				out = "(ignored)"
			}
			lines = append(lines, fmt.Sprintf("- `%s`: %s", inv.Name, out))
		}
		elements = append(elements, map[string]any{"tag": "hr"}, larkText("**Checks**:\n"+strings.Join(lines, "\n")))
	}

	elements = append(elements, larkText(fmt.Sprintf("**ID**: %s | **Model**: %s | **Tool rounds**: %d | **Duration**: %.1fs",
		res.ID, res.Model, res.ToolRounds, float64(res.DurationMs)/1000)))

	if len(f.owners) > 0 {
		elements = append(elements, larkText("**Owners**: "+strings.Join(f.owners, ", ")))
	}

	return map[string]any{
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": title},
			"template": headerTemplate(report.Severity),
		},
		"elements": elements,
	}
}

func larkText(content string) map[string]any {
	return map[string]any{
		"tag":  "div",
		"text": map[string]any{"tag": "lark_md", "content": content},
	}
}

func truncate(s string, maxRunes int) string {
	if runes := []rune(s); len(runes) > maxRunes {
		return string(runes[:maxRunes]) + "..."
	}
	return s
}

func (f *FeishuNotifier) genSign(timestamp string) string {
	stringToSign := timestamp + "\n" + f.signKey
	h := hmac.New(sha256.New, []byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func toolResults(res *investigation.Result) []investigation.ToolInvocation {
	if res.Transcript == nil {
		return nil
	}
	return res.Transcript.ToolResults()
}
