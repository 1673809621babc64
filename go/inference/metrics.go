package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomgw_inference_requests_total",
	Help: "counter of requests issued to inference servers",
}, []string{"op", "outcome"})
