package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EvictorCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_evictor_cycles_total",
			Help: "Number of evictor cycles run",
		},
	)
	NodesDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_nodes_drained_total",
			Help: "Number of nodes drained to completion",
		},
	)
	NodesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_nodes_removed_total",
			Help: "Number of nodes terminated after drain",
		},
	)
	EvictionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_eviction_failures_total",
			Help: "Number of pod eviction failures during drain",
		},
	)
	StuckNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebalancer_stuck_nodes",
		Help: "Number of nodes flagged stuck after exhausting eviction retries",
	})
	CampaignsLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalancer_campaigns_launched_total",
		Help: "Number of rebalancing campaigns launched",
	})
	CampaignsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_campaigns_skipped_total",
		Help: "Number of schedule fires that did not launch a campaign",
	}, []string{"reason"})
	NodesReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalancer_nodes_replaced_total",
		Help: "Number of nodes replaced by rebalancing campaigns",
	})
	ReplacementsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalancer_replacements_skipped_total",
		Help: "Number of per-node replacements skipped because realized savings fell below the floor",
	})
)

func Init() {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(":9090", nil)
}
