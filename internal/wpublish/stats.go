package wpublish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksAccepted counts tasks admitted by the foreman.
	TasksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qserv_worker_tasks_accepted_total",
		Help: "Tasks admitted to the worker schedulers",
	})

	// TasksBooted counts tasks removed from their scheduler for running
	// past the boot budget.
	TasksBooted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qserv_worker_tasks_booted_total",
		Help: "Tasks booted from their scheduler",
	})

	// TransmitBytes counts result bytes sent to czars.
	TransmitBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qserv_worker_transmit_bytes_total",
		Help: "Result bytes transmitted to czars",
	})

	// SqlConnsInUse tracks held MySQL connection slots.
	SqlConnsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qserv_worker_sql_conns_in_use",
		Help: "MySQL connection slots currently held by tasks",
	})
)
