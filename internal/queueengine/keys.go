package queueengine

import "github.com/distqueue/distqueue/internal/task"

const (
	scheduledSetKey  = "queue:scheduled"
	processingSetKey = "tasks:processing"
	deadSetKey       = "queue:dead"
	stickyMapKey     = "sticky:map"
)

func pendingListKey(p task.Priority) string {
	return "queue:pending:" + p.String()
}

func priorityCheckKey(p task.Priority) string {
	return "queue:priority:" + p.String()
}

func taskKey(id string) string {
	return "task:" + id
}

const taskTTLDays = 7
