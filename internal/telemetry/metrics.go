package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunningConnectors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connectd_running_connectors",
		Help: "Connectors currently running on this worker.",
	})
	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connectd_running_tasks",
		Help: "Tasks currently running on this worker.",
	})
	Reconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectd_reconcile_total",
		Help: "Reconciliation passes by kind (connectors|tasks) and result.",
	}, []string{"kind", "result"})
	LogRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectd_log_records_total",
		Help: "Replicated log records by topic and direction.",
	}, []string{"topic", "direction"})
	PositionMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectd_position_merges_total",
		Help: "Merge outcomes per entry for position and offset services.",
	}, []string{"service", "outcome"})
	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connectd_task_records_total",
		Help: "Records moved by tasks, by connector and task kind.",
	}, []string{"connector", "kind"})
)

func Expose(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
