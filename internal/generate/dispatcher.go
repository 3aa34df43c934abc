package generate

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/oaklatch/llamadash/internal/events"
	"github.com/oaklatch/llamadash/internal/slots"
)

// Dispatcher hands each generation request its own dedicated goroutine
// holding the target slot's context lock for the request's whole
// duration, adapted from a fixed-size round-robin worker pool: rather
// than queueing requests onto a small set of long-lived workers, every
// request gets a worker of one, and the slot table's own serialization
// (at most one load in flight, one locked context per model) is what
// bounds concurrency.
type Dispatcher struct {
	table *slots.Table
	log   logr.Logger
}

// NewDispatcher returns a Dispatcher driving requests against table.
func NewDispatcher(table *slots.Table, log logr.Logger) *Dispatcher {
	return &Dispatcher{table: table, log: log.WithName("dispatcher")}
}

// Submit resolves modelID to a loaded slot (or the most-recently-used
// slot if modelID is empty), locks its context exclusively, and runs the
// generation loop on a new goroutine. The returned channel receives every
// GenerateEvent the run produces and is closed when the run finishes,
// fails to resolve a slot, or goCtx is cancelled. The caller must drain
// it until closed, or cancel goCtx to abandon the run early.
func (d *Dispatcher) Submit(goCtx context.Context, modelID string, req Request) <-chan events.GenerateEvent {
	tx := events.NewTokenChan()

	ref, err := d.table.Resolve(modelID)
	if err != nil {
		go func() {
			defer close(tx)
			tx <- events.GenerateEvent{Err: fmt.Errorf("resolve model %q: %w", modelID, err)}
		}()
		return tx
	}

	go func() {
		defer close(tx)
		defer ref.Release()

		ref.Lock()
		defer ref.Unlock()

		d.log.V(1).Info("generation started", "model", ref.ID())
		d.table.Touch(ref.ID())

		Run(goCtx, ref.Model(), ref.Context(), req, tx)

		d.log.V(1).Info("generation finished", "model", ref.ID())
	}()

	return tx
}
