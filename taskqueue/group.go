/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"context"
	"sync"
)

type queuedUnit struct {
	entry *taskEntry
	fn    Func
	ctx   context.Context
}

// groupQueue is the FIFO of one group plus the flag of its single live worker.
type groupQueue struct {
	key    string
	notify chan struct{}

	mu            sync.Mutex
	units         []*queuedUnit
	workerRunning bool
}

func newGroupQueue(key string) *groupQueue {
	return &groupQueue{key: key, notify: make(chan struct{}, 1)}
}

// push appends the unit and reports whether the caller has to start a worker for the group.
func (g *groupQueue) push(unit *queuedUnit) (startWorker bool) {
	g.mu.Lock()
	g.units = append(g.units, unit)
	if !g.workerRunning {
		g.workerRunning = true
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()
	select {
	case g.notify <- struct{}{}:
	default:
	}
	return false
}

// pop removes the head of the queue.
// If the queue is empty and exitIfEmpty is true, the worker is marked as stopped and exited is true.
func (g *groupQueue) pop(exitIfEmpty bool) (unit *queuedUnit, exited bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.units) > 0 {
		unit = g.units[0]
		g.units[0] = nil
		g.units = g.units[1:]
		return unit, false
	}
	if exitIfEmpty {
		g.workerRunning = false
		return nil, true
	}
	return nil, false
}

// drain removes all queued units and marks the worker as stopped.
func (g *groupQueue) drain() []*queuedUnit {
	g.mu.Lock()
	defer g.mu.Unlock()
	units := g.units
	g.units = nil
	g.workerRunning = false
	return units
}

func (g *groupQueue) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.units)
}

func (g *groupQueue) isWorkerRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.workerRunning
}
