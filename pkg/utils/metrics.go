package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siren_active_calls",
		Help: "The number of call records currently present in the store",
	})

	CallEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siren_call_events_total",
		Help: "The total number of call lifecycle events processed",
	}, []string{"event"})

	RingsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siren_rings_delivered_total",
		Help: "Total number of incoming-call rings delivered to receivers",
	})

	ClipUploadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siren_clip_upload_errors_total",
		Help: "Total number of failed clip uploads to blob storage",
	})

	ReportsFiledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siren_reports_filed_total",
		Help: "Total number of emergency reports filed",
	})
)
