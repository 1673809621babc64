package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dicomgw_tasks_created_total",
	Help: "counter of tasks spawned from matched study groups",
})

var taskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomgw_task_transitions_total",
	Help: "counter of task status transitions by destination status",
}, []string{"to"})

var groupsDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dicomgw_groups_discarded_total",
	Help: "counter of study groups matching no fingerprint",
})
