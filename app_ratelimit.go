package main

import (
	"odin/internal/common"
	"odin/internal/ratelimit"
)

// Rate Limit Management Functions

// setupRateLimitCallbacks logs upstream rate limits and recoveries and
// reports them to analytics
func (a *App) setupRateLimitCallbacks() {
	a.rateLimitHandler.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		a.log.Warn("upstream rate limited",
			"provider", common.DisplayName(event.Provider),
			"status", event.StatusCode,
			"attempt", event.RetryAttempt,
			"next_retry_at", event.NextRetryAt)
		a.TrackEvent("rate_limited", map[string]interface{}{
			"provider": event.Provider,
			"status":   event.StatusCode,
			"attempt":  event.RetryAttempt,
		})
	})
	a.rateLimitHandler.SetOnRecovered(func(provider string) {
		a.log.Info("upstream recovered from rate limit", "provider", common.DisplayName(provider))
	})
}

// GetRateLimitStatus returns the current rate limit state for a provider
func (a *App) GetRateLimitStatus(provider string) *ratelimit.RateLimitEvent {
	if a.rateLimitHandler != nil {
		return a.rateLimitHandler.GetCurrentState(provider)
	}
	return nil
}

// IsRateLimited checks if a provider is currently rate limited
func (a *App) IsRateLimited(provider string) bool {
	if a.rateLimitHandler != nil {
		return a.rateLimitHandler.IsRateLimited(provider)
	}
	return false
}

// ResetRateLimit clears a provider's recorded rate limit state
func (a *App) ResetRateLimit(provider string) {
	if a.rateLimitHandler != nil {
		a.rateLimitHandler.Reset(provider)
	}
}

// healthStatus reports upstream rate limit state for /health
func (a *App) healthStatus() map[string]any {
	upstream := map[string]any{}
	for _, provider := range []string{common.ProviderSTAC, common.ProviderWTSS} {
		entry := map[string]any{"rateLimited": a.IsRateLimited(provider)}
		if state := a.GetRateLimitStatus(provider); state != nil {
			entry["nextRetryAt"] = state.NextRetryAt
		}
		upstream[provider] = entry
	}
	return map[string]any{"upstream": upstream, "version": a.GetAppVersion()}
}
