package execution

// fifoQueue is a FIFO of task ids waiting for an execution slot. Callers
// hold the manager lock; the queue itself is not synchronized.
type fifoQueue struct {
	ids     []string
	members map[string]struct{}
}

func newFIFOQueue() *fifoQueue {
	return &fifoQueue{members: make(map[string]struct{})}
}

// Push appends a task id. Duplicate ids are ignored.
func (q *fifoQueue) Push(taskID string) {
	if _, ok := q.members[taskID]; ok {
		return
	}
	q.ids = append(q.ids, taskID)
	q.members[taskID] = struct{}{}
}

// Pop removes and returns the oldest task id.
func (q *fifoQueue) Pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.members, id)
	return id, true
}

// Remove deletes a task id from the queue, reporting whether it was queued.
func (q *fifoQueue) Remove(taskID string) bool {
	if _, ok := q.members[taskID]; !ok {
		return false
	}
	delete(q.members, taskID)
	for i, id := range q.ids {
		if id == taskID {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether a task id is queued.
func (q *fifoQueue) Contains(taskID string) bool {
	_, ok := q.members[taskID]
	return ok
}

// Len returns the number of queued task ids.
func (q *fifoQueue) Len() int { return len(q.ids) }
