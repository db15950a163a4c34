package intake

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"sentinel-ai/investigation"
	"sentinel-ai/llm"
	"sentinel-ai/logger"
	"sentinel-ai/scheduler"
)

// InvestigateFunc runs the investigation for a submission.
type InvestigateFunc func(ctx context.Context, sub *Submission) (*investigation.Result, error)

// HandlerConfig configures the intake handler.
type HandlerConfig struct {
	AuthToken      string
	MaxPayloadSize int // bytes of log text accepted per request
	RateLimit      int // investigations per client per hour, 0 disables
}

const (
	defaultMaxPayloadSize = 64 << 10
	multipartOverhead     = 16 << 10
	rateLimitShards       = 64
	rateWindow            = time.Hour
)

// Handler serves POST /api/v1/investigations.
type Handler struct {
	authToken      string
	maxPayloadSize int
	rateLimit      int
	log            logger.Logger
	investigate    InvestigateFunc

	rateShards  [rateLimitShards]rateShard
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type rateShard struct {
	mu    sync.Mutex
	count map[string]*rateEntry
}

type rateEntry struct {
	count    int
	windowAt time.Time
}

// NewHandler creates an intake handler.
// Call StopCleanup to release the background cleanup goroutine.
func NewHandler(cfg HandlerConfig, log logger.Logger, investigate InvestigateFunc) *Handler {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = defaultMaxPayloadSize
	}
	h := &Handler{
		authToken:      cfg.AuthToken,
		maxPayloadSize: cfg.MaxPayloadSize,
		rateLimit:      cfg.RateLimit,
		log:            log,
		investigate:    investigate,
		stopCleanup:    make(chan struct{}),
	}
	for i := range h.rateShards {
		h.rateShards[i].count = make(map[string]*rateEntry)
	}
	go h.cleanupLoop()
	return h
}

// StopCleanup stops the background cleanup goroutine. Safe to call multiple times.
func (h *Handler) StopCleanup() {
	h.stopOnce.Do(func() { close(h.stopCleanup) })
}

func (h *Handler) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			for i := range h.rateShards {
				shard := &h.rateShards[i]
				shard.mu.Lock()
				for k, entry := range shard.count {
					if now.Sub(entry.windowAt) >= rateWindow {
						delete(shard.count, k)
					}
				}
				shard.mu.Unlock()
			}
		}
	}
}

// Response is the body of a successful investigation.
type Response struct {
	ID         string                        `json:"id"`
	Report     *investigation.IncidentReport `json:"report"`
	Transcript *investigation.Transcript     `json:"transcript"`
	Model      string                        `json:"model"`
	ToolRounds int                           `json:"tool_rounds"`
	ToolCalls  int                           `json:"tool_calls"`
	DurationMs int64                         `json:"duration_ms"`
	Usage      llm.Usage                     `json:"usage"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string                    `json:"error"`
	Message    string                    `json:"message"`
	ID         string                    `json:"id,omitempty"`
	RawOutput  *string                   `json:"raw_output,omitempty"`
	Transcript *investigation.Transcript `json:"transcript,omitempty"`
}

// ServeHTTP accepts log text as a JSON {"logs": ...} body, a text/plain body
// or a multipart upload and answers with the investigation result.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.checkAuth(w, r) {
		return
	}

	sub, status, err := h.decode(w, r)
	if err != nil {
		kind := "invalid_request"
		switch {
		case errors.Is(err, investigation.ErrEmptyInput):
			kind = investigation.Kind(err)
		case status == http.StatusRequestEntityTooLarge:
			kind = "payload_too_large"
		}
		writeError(w, status, kind, err.Error())
		return
	}

	if !h.checkRateLimit(sub.ClientAddr) {
		h.log.Warn("investigation.rate_limited", logger.String("client", sub.ClientAddr))
		writeError(w, http.StatusTooManyRequests, "rate_limited",
			fmt.Sprintf("client exceeded %d investigations per hour", h.rateLimit))
		return
	}

	h.log.Info("investigation.received",
		logger.String("id", sub.ID),
		logger.String("source", sub.Source),
		logger.String("level", sub.Level),
		logger.Int("log_bytes", len(sub.Logs)),
		logger.String("client", sub.ClientAddr),
	)

	res, err := h.investigate(r.Context(), sub)
	if err != nil {
		status, kind := StatusFor(err)
		body := ErrorResponse{Error: kind, Message: err.Error(), ID: sub.ID}
		var shapeErr *investigation.OutputShapeError
		if errors.As(err, &shapeErr) {
			body.RawOutput = &shapeErr.Raw
		}
		if res != nil {
			body.Transcript = res.Transcript
		}
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		ID:         res.ID,
		Report:     res.Report,
		Transcript: res.Transcript,
		Model:      res.Model,
		ToolRounds: res.ToolRounds,
		ToolCalls:  res.ToolCalls,
		DurationMs: res.DurationMs,
		Usage:      res.Usage,
	})
}

// decode reads the log text from the request body. The returned status is
// meaningful only when err is non-nil.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*Submission, int, error) {
	sub := &Submission{
		ID:         investigation.NewID(),
		ClientAddr: clientAddr(r),
		ReceivedAt: time.Now(),
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayloadSize+multipartOverhead))

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	switch mediaType {
	case "application/json":
		var body struct {
			Logs string `json:"logs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			if isTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, h.tooLarge()
			}
			return nil, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err)
		}
		sub.Source = "json"
		sub.Logs = body.Logs
	case "multipart/form-data":
		if err := h.decodeMultipart(r, sub); err != nil {
			if isTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, h.tooLarge()
			}
			return nil, http.StatusBadRequest, err
		}
	default:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			if isTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, h.tooLarge()
			}
			return nil, http.StatusBadRequest, fmt.Errorf("read body: %w", err)
		}
		sub.Source = "text"
		sub.Logs = string(raw)
	}

	if len(sub.Logs) > h.maxPayloadSize {
		return nil, http.StatusRequestEntityTooLarge, h.tooLarge()
	}
	if strings.TrimSpace(sub.Logs) == "" {
		return nil, http.StatusBadRequest, investigation.ErrEmptyInput
	}
	sub.Level = HighestLevel(sub.Logs)
	sub.Priority = LevelPriority(sub.Level)
	return sub, 0, nil
}

// decodeMultipart reads an uploaded "file" part and a "logs" form field.
// When both are present the field is appended after the file contents.
func (h *Handler) decodeMultipart(r *http.Request, sub *Submission) error {
	if err := r.ParseMultipartForm(int64(h.maxPayloadSize + multipartOverhead)); err != nil {
		return fmt.Errorf("invalid multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	var parts []string
	sub.Source = "text"
	if f, hdr, err := r.FormFile("file"); err == nil {
		defer f.Close()
		raw, err := io.ReadAll(io.LimitReader(f, int64(h.maxPayloadSize)+1))
		if err != nil {
			return fmt.Errorf("read upload: %w", err)
		}
		parts = append(parts, string(raw))
		sub.Source = "upload"
		sub.Filename = hdr.Filename
	} else if !errors.Is(err, http.ErrMissingFile) {
		return fmt.Errorf("read upload: %w", err)
	}
	if v := r.FormValue("logs"); v != "" {
		parts = append(parts, v)
	}
	sub.Logs = strings.Join(parts, "\n")
	return nil
}

func (h *Handler) tooLarge() error {
	return fmt.Errorf("payload too large (max %d bytes)", h.maxPayloadSize)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, multipart.ErrMessageTooLarge)
}

// StatusFor maps an investigation error to an HTTP status and error kind.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, scheduler.ErrPanic):
		return http.StatusInternalServerError, "internal_error"
	}

	kind := investigation.Kind(err)
	switch kind {
	case "empty_input":
		return http.StatusBadRequest, kind
	case "configuration_error", "internal_error":
		return http.StatusInternalServerError, kind
	case "timeout":
		return http.StatusGatewayTimeout, kind
	case "cancelled":
		return http.StatusServiceUnavailable, kind
	default:
		return http.StatusBadGateway, kind
	}
}

func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	token := r.Header.Get("Authorization")
	expected := "Bearer " + h.authToken
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return false
	}
	return true
}

func (h *Handler) checkRateLimit(client string) bool {
	if h.rateLimit <= 0 {
		return true
	}
	shard := &h.rateShards[shardIndex(client)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	entry, ok := shard.count[client]
	if !ok || now.Sub(entry.windowAt) >= rateWindow {
		shard.count[client] = &rateEntry{count: 1, windowAt: now}
		return true
	}
	if entry.count >= h.rateLimit {
		return false
	}
	entry.count++
	return true
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % rateLimitShards
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
