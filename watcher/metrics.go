package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	watchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbox_watchers_active",
		Help: "Number of live inbox watchers",
	})
	subscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbox_stream_subscribers_active",
		Help: "Number of connected push stream subscribers",
	})
	notificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbox_notifications_published_total",
		Help: "Watcher events published, by event type",
	}, []string{"type"})
	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailbox_notifications_dropped_total",
		Help: "Events dropped because a subscriber could not keep up",
	})
	watcherErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailbox_watcher_errors_total",
		Help: "Watcher connection or fetch failures",
	})
)
