package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "watcher_webhook_deliveries",
	Help: "The number of webhook deliveries by disposition",
}, []string{"disposition"})

var filesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "watcher_files_processed",
	Help: "The number of file events processed by outcome",
}, []string{"outcome"})

var changePages = promauto.NewCounter(prometheus.CounterOpts{
	Name: "watcher_change_pages_fetched",
	Help: "The number of change feed pages fetched",
})

var channelRegistrations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "watcher_channel_registrations",
	Help: "The number of notification channels registered",
})

var channelRenewals = promauto.NewCounter(prometheus.CounterOpts{
	Name: "watcher_channel_renewals",
	Help: "The number of notification channels renewed",
})
