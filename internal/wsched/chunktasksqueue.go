// Package wsched orders worker tasks for shared scans: tasks reading
// the same chunk are dispatched close together so table pages are
// reused, and scan tiers keep bulk work from starving interactive
// queries.
package wsched

import (
	"sort"

	"github.com/lsst/qserv/internal/wbase"
)

// ChunkTasksQueue groups queued tasks by chunk and serves them in a
// rolling sweep: all tasks of the active chunk first, then the next
// chunk in ascending order, wrapping around.
type ChunkTasksQueue struct {
	byChunk     map[int][]*wbase.Task
	activeChunk int
	haveActive  bool
	size        int
}

func NewChunkTasksQueue() *ChunkTasksQueue {
	return &ChunkTasksQueue{byChunk: make(map[int][]*wbase.Task)}
}

// Push queues a task under its chunk.
func (q *ChunkTasksQueue) Push(t *wbase.Task) {
	q.byChunk[t.ChunkId] = append(q.byChunk[t.ChunkId], t)
	q.size++
}

// Pop returns the next task of the sweep, or nil when empty.
func (q *ChunkTasksQueue) Pop() *wbase.Task {
	if q.size == 0 {
		return nil
	}
	if q.haveActive {
		if tasks, ok := q.byChunk[q.activeChunk]; ok && len(tasks) > 0 {
			return q.popFrom(q.activeChunk)
		}
	}
	chunk, ok := q.nextChunk()
	if !ok {
		return nil
	}
	q.activeChunk = chunk
	q.haveActive = true
	return q.popFrom(chunk)
}

func (q *ChunkTasksQueue) popFrom(chunk int) *wbase.Task {
	tasks := q.byChunk[chunk]
	t := tasks[0]
	if len(tasks) == 1 {
		delete(q.byChunk, chunk)
	} else {
		q.byChunk[chunk] = tasks[1:]
	}
	q.size--
	return t
}

// nextChunk finds the smallest chunk id at or after the active chunk,
// wrapping to the smallest overall.
func (q *ChunkTasksQueue) nextChunk() (int, bool) {
	if len(q.byChunk) == 0 {
		return 0, false
	}
	chunks := make([]int, 0, len(q.byChunk))
	for c := range q.byChunk {
		chunks = append(chunks, c)
	}
	sort.Ints(chunks)
	if q.haveActive {
		for _, c := range chunks {
			if c >= q.activeChunk {
				return c, true
			}
		}
	}
	return chunks[0], true
}

// Remove extracts all queued tasks matching the predicate.
func (q *ChunkTasksQueue) Remove(match func(*wbase.Task) bool) []*wbase.Task {
	var out []*wbase.Task
	for chunk, tasks := range q.byChunk {
		var keep []*wbase.Task
		for _, t := range tasks {
			if match(t) {
				out = append(out, t)
			} else {
				keep = append(keep, t)
			}
		}
		if len(keep) == 0 {
			delete(q.byChunk, chunk)
		} else {
			q.byChunk[chunk] = keep
		}
	}
	q.size -= len(out)
	return out
}

// Size reports queued tasks.
func (q *ChunkTasksQueue) Size() int { return q.size }
