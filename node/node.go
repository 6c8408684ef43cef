// Package node implements the runtime shared by every process attached to a
// broker: producers publishing sensor snapshots, consumers receiving them,
// and the control-plane contract both follow (one handshake at startup, one
// END marker per producer, one EXIT request, no data-plane use after BYE).
package node

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/protocol"
	"github.com/maximyudayev/hermes-sub000/transport"
)

type Config struct {
	Name string
	// Broker endpoints.
	FanInEndpoint   string
	FanOutEndpoint  string
	ControlEndpoint string
	KillEndpoint    string
	// Topics are the prefixes a consumer subscribes to.
	Topics []string
	// Producer sampling parameters.
	Devices        []string
	SamplingPeriod float64
	ClockWidth     uint
	Staleness      int
	PollInterval   time.Duration
	Workers        int
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("node name is required")
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	// A zero threshold would mark every non-empty queue stale and flood the
	// stream with null-padded snapshots.
	if c.Staleness <= 0 {
		c.Staleness = 10
	}
	return nil
}

// base owns the control-plane lifecycle common to producers and consumers.
type base struct {
	name     string
	logger   *zap.Logger
	control  zmq4.Socket
	kill     zmq4.Socket
	controlC chan protocol.Frame
	killC    chan struct{}
}

func newBase(name string, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		name:     name,
		logger:   logger.With(zap.String("node_name", name)),
		controlC: make(chan protocol.Frame, 4),
		killC:    make(chan struct{}),
	}
}

// connectControl dials the broker's handshake and kill endpoints, retrying
// while the broker is still coming up.
func (n *base) connectControl(ctx context.Context, config Config) error {
	err := backoff.Retry(func() error {
		sock, err := transport.DialControl(ctx, config.ControlEndpoint, n.name)
		if err != nil {
			return err
		}
		n.control = sock
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return errors.Wrap(err, "unable to reach the broker control endpoint")
	}
	go n.readControl()

	if config.KillEndpoint != "" {
		sock, err := transport.DialKill(ctx, config.KillEndpoint)
		if err != nil {
			return err
		}
		n.kill = sock
		go n.watchKill()
	}
	return nil
}

func (n *base) readControl() {
	for {
		msg, err := n.control.Recv()
		if err != nil {
			return
		}
		frame, err := protocol.ParseDealer(msg)
		if err != nil {
			// A malformed handshake is a programming error on the
			// control plane; surface it loudly and stop.
			n.logger.Error("malformed control frame", zap.Error(err))
			return
		}
		n.controlC <- frame
	}
}

func (n *base) watchKill() {
	if _, err := n.kill.Recv(); err != nil {
		return
	}
	n.logger.Info("kill signal received")
	close(n.killC)
}

// handshake sends the single startup frame announcing this node.
func (n *base) handshake() error {
	return n.control.Send(protocol.Request(n.name, protocol.CmdHello))
}

// awaitGo blocks until the broker releases the start barrier. Returns false
// when the experiment was killed before it ever started.
func (n *base) awaitGo(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-n.killC:
			return false, nil
		case frame := <-n.controlC:
			if frame.Is(protocol.CmdGo) {
				n.logger.Info("go received")
				return true, nil
			}
			n.logger.Warn("unexpected command while waiting for go",
				zap.ByteString("command", frame.Command))
		}
	}
}

// exit requests release from the broker and blocks for BYE.
func (n *base) exit(ctx context.Context) error {
	if err := n.control.Send(protocol.Request(n.name, protocol.CmdExit)); err != nil {
		return errors.Wrap(err, "unable to send exit request")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-n.controlC:
			if frame.Is(protocol.CmdBye) {
				n.logger.Info("released by broker")
				return nil
			}
		}
	}
}

func (n *base) closeControl() {
	if n.control != nil {
		n.control.Close()
	}
	if n.kill != nil {
		n.kill.Close()
	}
}
