package broker

import (
	"context"

	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/metrics"
)

// State is the broker lifecycle state. Exactly one is active at a time and
// only the run loop assigns it: every step returns the next state instead of
// mutating shared fields.
type State int8

const (
	StateInit State = iota
	StateSyncNodeBarrier
	StateSyncBrokerBarrier
	StateStart
	StateRunning
	StateKill
	StateJoinNodeBarrier
	StateJoinBrokerBarrier
	StateTerminate
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSyncNodeBarrier:
		return "sync_node_barrier"
	case StateSyncBrokerBarrier:
		return "sync_broker_barrier"
	case StateStart:
		return "start"
	case StateRunning:
		return "running"
	case StateKill:
		return "kill"
	case StateJoinNodeBarrier:
		return "join_node_barrier"
	case StateJoinBrokerBarrier:
		return "join_broker_barrier"
	case StateTerminate:
		return "terminate"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Run drives the lifecycle to completion. Each step is bounded by the poll
// timeout, so a kill signal is picked up within one step no matter the state.
func (b *Broker) Run(ctx context.Context) error {
	state := StateInit
	b.observe(state)
	for state != StateDone {
		next, err := b.step(ctx, state)
		if err != nil {
			b.logger.Error("broker state failed",
				zap.Stringer("state", state), zap.Error(err))
			b.teardown()
			return err
		}
		if next != state {
			b.logger.Info("state transition",
				zap.Stringer("from_state", state), zap.Stringer("to_state", next))
			b.observe(next)
		}
		state = next
		b.state = state
	}
	return nil
}

func (b *Broker) observe(s State) {
	metrics.StateTransitions.WithLabelValues(s.String()).Inc()
}

// CurrentState is read by tests and the status log only; the run loop owns
// the field.
func (b *Broker) CurrentState() State {
	return b.state
}

func (b *Broker) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateInit:
		return b.runInit(ctx)
	case StateSyncNodeBarrier:
		return b.runSyncNodeBarrier()
	case StateSyncBrokerBarrier:
		return b.runSyncBrokerBarrier()
	case StateStart:
		return b.runStart()
	case StateRunning:
		return b.runRunning()
	case StateKill:
		return b.runKill()
	case StateJoinNodeBarrier:
		return b.runJoinNodeBarrier()
	case StateJoinBrokerBarrier:
		return b.runJoinBrokerBarrier()
	case StateTerminate:
		return b.runTerminate()
	default:
		return StateDone, nil
	}
}
