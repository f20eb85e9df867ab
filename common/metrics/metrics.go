package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Settled deliveries by queue and final state",
		},
		[]string{"queue", "state"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_processing_seconds",
			Help:    "Handler processing time per delivery",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	sagaStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Order saga step outcomes",
		},
		[]string{"step", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_call_duration_seconds",
			Help:    "Request/reply call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "command", "result"},
	)

	notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications sent",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(deliveryDuration)
	prometheus.MustRegister(sagaStepsTotal)
	prometheus.MustRegister(rpcDuration)
	prometheus.MustRegister(notificationsSentTotal)
}

// RecordDelivery 배달 최종 상태 기록
func RecordDelivery(queue, state string, seconds float64) {
	deliveriesTotal.WithLabelValues(queue, state).Inc()
	deliveryDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordSagaStep 사가 단계 결과 기록
func RecordSagaStep(step, outcome string) {
	sagaStepsTotal.WithLabelValues(step, outcome).Inc()
}

// RecordRPC RPC 호출 지연 기록
func RecordRPC(queue, command, result string, seconds float64) {
	rpcDuration.WithLabelValues(queue, command, result).Observe(seconds)
}

// RecordNotificationSent 알림 발송 기록
func RecordNotificationSent(eventType string) {
	notificationsSentTotal.WithLabelValues(eventType).Inc()
}

// Handler /metrics 핸들러
func Handler() http.Handler {
	return promhttp.Handler()
}
