package recontasks

import (
	"time"

	"github.com/docker/go-metrics"
)

var (
	taskActions        metrics.LabeledTimer
	taskActionFailures metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("recon_tasks", "service", nil)
	taskActions = ns.NewLabeledTimer("task_actions", "The number of seconds it takes to process each task action", "action")
	taskActionFailures = ns.NewLabeledCounter("task_action_failures", "The number of task actions that failed, by error kind", "action", "kind")
	for _, a := range []string{
		"create",
		"get",
		"attach_primary_file",
		"attach_comparison_file",
	} {
		taskActions.WithValues(a).Update(0)
	}
	metrics.Register(ns)
}

// observe records the duration of action and, when err is set, a failure
// labelled with its kind.
func observe(action string, start time.Time, err error) {
	taskActions.WithValues(action).UpdateSince(start)
	if err != nil {
		taskActionFailures.WithValues(action, string(KindOf(err))).Inc(1)
	}
}
