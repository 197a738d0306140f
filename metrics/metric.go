package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	AppliedCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "CatalogDB",
		Name:      "applied_commits_total",
		Help:      "committed mutations applied by the local replica",
	})

	AppendedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "CatalogDB",
		Name:      "appended_events_total",
		Help:      "event log records appended, by kind",
	}, []string{"kind"})

	SyncOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "CatalogDB",
		Name:      "sync_outcomes_total",
		Help:      "endpoint sync operations reaching a terminal state",
	}, []string{"state"})

	NotificationsFanout = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "CatalogDB",
		Name:      "notifications_fanout_total",
		Help:      "events fanned out to live subscribers",
	})
)

func init() {
	Registry.MustRegister(
		AppliedCommits,
		AppendedEvents,
		SyncOutcomes,
		NotificationsFanout,
	)
}
