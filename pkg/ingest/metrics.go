package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_upload_retries",
	Help: "The number of upload retry attempts",
})
