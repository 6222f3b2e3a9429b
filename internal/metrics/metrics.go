package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	EnergyCooldowns  prometheus.Counter
	QuotaRejections  prometheus.Counter
	PanicActivations *prometheus.CounterVec
	SpamDetected     *prometheus.CounterVec
	SilentBans       prometheus.Counter
	PermissionDenied *prometheus.CounterVec
	MessagesDeleted  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			EnergyCooldowns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "energy_cooldowns_total",
				Help:      "Requests rejected by the per-user energy limiter",
			}),
			QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "quota_rejections_total",
				Help:      "Requests rejected by the shared chat quota",
			}),
			PanicActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "panic_activations_total",
				Help:      "Panic mode activations by trigger",
			}, []string{"trigger"}),
			SpamDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "spam_detected_total",
				Help:      "Messages classified as spam by category",
			}, []string{"category"}),
			SilentBans: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "silent_bans_total",
				Help:      "Members placed under a silent ban",
			}),
			PermissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "permission_denied_total",
				Help:      "Moderation actions aborted by the permission check",
			}, []string{"capability"}),
			MessagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "citadel",
				Name:      "messages_deleted_total",
				Help:      "Messages deleted by moderation",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal,
			global.EnergyCooldowns, global.QuotaRejections, global.PanicActivations,
			global.SpamDetected, global.SilentBans, global.PermissionDenied, global.MessagesDeleted,
		)
	})
	return global
}
