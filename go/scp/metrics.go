package scp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var associationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomgw_scp_associations_total",
	Help: "counter of inbound associations by negotiation outcome",
}, []string{"outcome"})

var instancesStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dicomgw_scp_instances_stored_total",
	Help: "counter of instances persisted by C-STORE",
})

var storeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dicomgw_scp_store_failures_total",
	Help: "counter of C-STORE requests answered with a non-success status",
})

var groupsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dicomgw_scp_groups_released_total",
	Help: "counter of study groups handed off at association release",
})

var releaseQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dicomgw_scp_release_queue_depth",
	Help: "gauge of study groups sitting in the handoff queue",
})
