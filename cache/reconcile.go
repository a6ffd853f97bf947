package cache

import (
	"context"
	"fmt"

	"github.com/LandMarkVisits/FlowKit/state"
)

// Reconcile aligns the state machine with the warehouse after a restart.
// Completed is defined by the warehouse: any id whose target relation exists
// is forced to completed; any id left queued or executing by a crashed
// server, and any completed id whose relation has gone missing, is demoted
// to known. Nothing is re-enqueued automatically.
func (s *Store) Reconcile(ctx context.Context, machine *state.Machine) error {
	records, err := s.All(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	demoted, promoted := 0, 0
	for _, rec := range records {
		exists, err := s.db.TableExists(ctx, rec.Schema, rec.TableName)
		if err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		current, err := machine.Current(ctx, rec.QueryID)
		if err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		switch {
		case exists && current != state.Completed:
			if err := machine.ForceState(ctx, rec.QueryID, state.Completed); err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			promoted++
		case !exists && current == state.Completed:
			if err := machine.ForceState(ctx, rec.QueryID, state.Known); err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			demoted++
		}
	}

	// Work lost in flight: queued/executing ids from a previous process.
	inFlight, err := machine.QueuedOrExecuting(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	for _, id := range inFlight {
		exists, err := s.IsStored(ctx, id)
		if err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		target := state.Known
		if exists {
			target = state.Completed
		}
		if err := machine.ForceState(ctx, id, target); err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		demoted++
	}

	s.log.WithField("promoted", promoted).
		WithField("demoted", demoted).
		Info("startup reconciliation finished")
	return nil
}
