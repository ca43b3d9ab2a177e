package observability

import (
	"sync"

	"github.com/rs/zerolog"
)

// AccessObserver records gate decisions, sweeps, webhooks and WhatsApp links.
// A nil observer is valid and records nothing.
type AccessObserver struct {
	logger  zerolog.Logger
	metrics *Metrics

	mu         sync.Mutex
	denyCounts map[string]int64
}

func NewAccessObserver(logger zerolog.Logger, metrics *Metrics) *AccessObserver {
	return &AccessObserver{
		logger:     logger,
		metrics:    metrics,
		denyCounts: make(map[string]int64),
	}
}

func (o *AccessObserver) RecordDecision(ownerID, status string, hasAccess bool) {
	if o == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.AccessDecisions.WithLabelValues(status).Inc()
	}
	if hasAccess {
		o.logger.Debug().Str("owner_id", ownerID).Str("access_status", status).Msg("access allowed")
		return
	}

	o.mu.Lock()
	o.denyCounts[ownerID]++
	count := o.denyCounts[ownerID]
	o.mu.Unlock()

	o.logger.Info().Str("owner_id", ownerID).Str("access_status", status).Int64("count", count).Msg("access denied")
	if count%10 == 0 {
		o.logger.Warn().Str("owner_id", ownerID).Str("access_status", status).Int64("repeated_deny_count", count).Msg("repeated access denials")
	}
}

// DenyCount reports how many denials were recorded for ownerID.
func (o *AccessObserver) DenyCount(ownerID string) int64 {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.denyCounts[ownerID]
}

func (o *AccessObserver) RecordSweep(ownerID string, testBlocked, activeBlocked int, err error) {
	if o == nil {
		return
	}
	scope := "owner"
	if ownerID == "" {
		scope = "global"
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.SweepRuns.WithLabelValues(scope, "error").Inc()
		}
		o.logger.Error().Err(err).Str("owner_id", ownerID).Str("scope", scope).Msg("expiry sweep failed")
		return
	}
	if o.metrics != nil {
		o.metrics.SweepRuns.WithLabelValues(scope, "ok").Inc()
		o.metrics.SweepBlocked.WithLabelValues("test").Add(float64(testBlocked))
		o.metrics.SweepBlocked.WithLabelValues("active").Add(float64(activeBlocked))
	}
	ev := o.logger.Debug()
	if testBlocked+activeBlocked > 0 {
		ev = o.logger.Info()
	}
	ev.Str("owner_id", ownerID).Str("scope", scope).Int("test_blocked", testBlocked).Int("active_blocked", activeBlocked).Msg("expiry sweep finished")
}

func (o *AccessObserver) RecordEnqueue(ownerID string, queued bool, err error) {
	if o == nil {
		return
	}
	result := "queued"
	switch {
	case err != nil:
		result = "error"
		o.logger.Error().Err(err).Str("owner_id", ownerID).Msg("enqueue scoped sweep failed")
	case !queued:
		result = "deduplicated"
	}
	if o.metrics != nil {
		o.metrics.SweepQueueEnqueue.WithLabelValues(result).Inc()
	}
}

func (o *AccessObserver) RecordWebhook(topic, result string, err error) {
	if o == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.WebhookEvents.WithLabelValues(topic, result).Inc()
	}
	if err != nil {
		o.logger.Error().Err(err).Str("topic", topic).Str("result", result).Msg("billing webhook failed")
		return
	}
	o.logger.Info().Str("topic", topic).Str("result", result).Msg("billing webhook handled")
}

func (o *AccessObserver) RecordLink(ownerID, outcome string, attempts int) {
	if o == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.WhatsAppLinks.WithLabelValues(outcome).Inc()
	}
	o.logger.Info().Str("owner_id", ownerID).Str("outcome", outcome).Int("attempts", attempts).Msg("whatsapp link")
}
