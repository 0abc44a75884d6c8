package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricShiftsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightfare_shifts_started_total",
		Help: "Shifts started across all drivers.",
	})
	metricShiftsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightfare_shifts_ended_total",
		Help: "Shifts ended, partitioned by survival.",
	}, []string{"survived"})
	metricRidesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightfare_rides_completed_total",
		Help: "Fares delivered to their destination.",
	})
	metricViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nightfare_rule_violations_total",
		Help: "Rule violations, partitioned by rule id.",
	}, []string{"rule"})
	metricSavesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nightfare_persist_failures_total",
		Help: "Best-effort persistence attempts that failed.",
	})
)
