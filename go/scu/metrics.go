package scu

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomgw_forward_sends_total",
	Help: "counter of instances dispatched to destination DICOM peers",
}, []string{"outcome"})
