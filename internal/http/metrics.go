package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_scan_outcomes_total",
	Help: "Scan attempts by outcome code.",
}, []string{"code"})
