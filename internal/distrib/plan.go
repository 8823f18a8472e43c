// Package distrib turns an outgoing notice into delivery work: pushes to
// the subscribers of every local feed it lands in and Salmon pings to the
// remote actors it addresses.
package distrib

// Task is one unit of push work. Batched tasks carry many callbacks and
// are delivered by a single bulk job.
type Task struct {
	Callbacks []string
	Batched   bool
}

// PlanPushes splits callbacks so that the first maxUnbatched-1 subscribers
// get a task each and everyone after them shares batches of batchSize.
func PlanPushes(callbacks []string, maxUnbatched, batchSize int) []Task {
	if batchSize < 1 {
		batchSize = 1
	}
	var tasks []Task
	var batch []string
	for i, cb := range callbacks {
		if i < maxUnbatched-1 {
			tasks = append(tasks, Task{Callbacks: []string{cb}})
			continue
		}
		batch = append(batch, cb)
		if len(batch) == batchSize {
			tasks = append(tasks, Task{Callbacks: batch, Batched: true})
			batch = nil
		}
	}
	if len(batch) > 0 {
		tasks = append(tasks, Task{Callbacks: batch, Batched: true})
	}
	return tasks
}
