package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var claimResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_claim_results",
	Help: "The number of claim attempts by result",
}, []string{"result"})

var completions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_completions",
	Help: "The number of file completions by outcome",
}, []string{"outcome"})
