package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_appends_total",
		Help: "Messages durably appended.",
	})
	appendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_append_failures_total",
		Help: "Message appends that failed before or during commit.",
	})
	listCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_list_calls_total",
		Help: "ListMessages invocations.",
	})
)
