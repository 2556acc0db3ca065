package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"odin/internal/common"
	"odin/internal/logger"
)

// RetryStrategy defines the cooldown intervals applied after consecutive rate limits
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy returns the default escalating cooldown strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			30 * time.Second,
			1 * time.Minute,
			2 * time.Minute,
			5 * time.Minute,
		},
	}
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`     // common.ProviderSTAC or common.ProviderWTSS
	StatusCode   int       `json:"statusCode"`   // 429, 503 or 509
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// Handler tracks rate limit state per upstream provider. It only observes
// responses; calls are never held back, so a provider that recovers early is
// used again on the next request.
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*RateLimitEvent // provider -> current rate limit state
	strategy    *RetryStrategy
	onRateLimit func(event RateLimitEvent)
	onRecovered func(provider string)
	now         func() time.Time
	log         *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}

	return &Handler{
		rateLimited: make(map[string]*RateLimitEvent),
		strategy:    strategy,
		now:         time.Now,
		log:         logger.For("ratelimit"),
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(provider string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a provider is currently rate limited
func (h *Handler) IsRateLimited(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[provider]
	return limited
}

// CheckResponse analyzes an HTTP response for rate limit indicators
func (h *Handler) CheckResponse(provider string, resp *http.Response) bool {
	isRateLimited := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == 509 // Bandwidth Limit Exceeded

	if !isRateLimited {
		h.checkRecovery(provider)
		return false
	}

	h.recordRateLimit(provider, resp.StatusCode, retryAfter(resp))
	return true
}

// retryAfter reads a Retry-After header given in seconds
func retryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// recordRateLimit records a rate limit event and when it is expected to clear
func (h *Handler) recordRateLimit(provider string, statusCode int, hinted time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, exists := h.rateLimited[provider]

	retryAttempt := 0
	if exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	var interval time.Duration
	if retryAttempt < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[retryAttempt]
	} else {
		// Use last interval for all subsequent occurrences
		interval = h.strategy.Intervals[len(h.strategy.Intervals)-1]
	}
	if hinted > interval {
		interval = hinted
	}

	now := h.now()
	event := RateLimitEvent{
		Timestamp:    now,
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(interval),
		Message:      buildMessage(provider, statusCode, retryAttempt, interval),
	}

	h.rateLimited[provider] = &event

	h.log.Warn("upstream rate limited",
		"provider", provider,
		"status", statusCode,
		"attempt", retryAttempt,
		"next_retry_at", event.NextRetryAt.Format(time.RFC3339))

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}
}

// checkRecovery clears the rate limit state after a successful response
func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[provider]; exists {
		delete(h.rateLimited, provider)
		h.log.Info("upstream rate limit cleared", "provider", provider)

		if h.onRecovered != nil {
			go h.onRecovered(provider)
		}
	}
}

// Reset clears the recorded rate limit state for a provider
func (h *Handler) Reset(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.rateLimited[provider]; exists {
		delete(h.rateLimited, provider)
		h.log.Info("upstream rate limit reset manually", "provider", provider)
	}
}

// GetCurrentState returns the current rate limit state for a provider
func (h *Handler) GetCurrentState(provider string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[provider]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(provider string, statusCode int, retryAttempt int, wait time.Duration) string {
	name := common.DisplayName(provider)
	if retryAttempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d). Expected to clear in about %s.",
			name, statusCode, wait.Round(time.Second))
	}
	return fmt.Sprintf("%s still rate limited (occurrence %d). Expected to clear in about %s.",
		name, retryAttempt+1, wait.Round(time.Second))
}
