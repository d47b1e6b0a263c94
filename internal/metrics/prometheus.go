package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	AuthCodesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_auth_codes_issued_total",
		Help: "Total number of authorization codes issued.",
	})
	TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_tokens_issued_total",
		Help: "Total number of token responses issued, by grant type.",
	}, []string{"grant_type"})
	TokensRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_tokens_revoked_total",
		Help: "Total number of tokens revoked.",
	})
	ReplaysDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_refresh_replays_detected_total",
		Help: "Total number of refresh token replays that burned a rotation chain.",
	})
	HookFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_hook_failures_total",
		Help: "Total number of lifecycle hook dispatch failures, by event.",
	}, []string{"event"})
)

// Register attaches the custom collectors to the given registry. Metrics work
// (uncollected) even when Register is never called, so the engines can
// increment unconditionally.
func Register(reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		AuthCodesIssuedTotal,
		TokensIssuedTotal,
		TokensRevokedTotal,
		ReplaysDetectedTotal,
		HookFailuresTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metrics collector")
		}
	}
	log.Info().Msg("prometheus metrics registered")
}
