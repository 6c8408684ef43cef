package broker

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/protocol"
)

// runSyncNodeBarrier blocks until every expected local node has checked in
// with its handshake, one bounded poll per step.
func (b *Broker) runSyncNodeBarrier() (State, error) {
	if len(b.nodes) >= len(b.config.ExpectedNodes) {
		return StateSyncBrokerBarrier, nil
	}
	select {
	case <-b.killC:
		return StateKill, nil
	default:
	}
	ev, ok := b.poll()
	if !ok {
		b.logger.Info("waiting for local nodes",
			zap.Int("checked_in", len(b.nodes)), zap.Int("expected", len(b.config.ExpectedNodes)))
		return StateSyncNodeBarrier, nil
	}
	if ev.role != roleNodeControl {
		kill, err := b.handleEvent(ev)
		if kill {
			return StateKill, err
		}
		return StateSyncNodeBarrier, err
	}
	frame, err := protocol.ParseRouter(ev.msg)
	if err != nil {
		return StateSyncNodeBarrier, err
	}
	if !frame.Is(protocol.CmdHello) {
		b.logger.Warn("unexpected command before startup",
			zap.String("node_name", frame.Sender), zap.ByteString("command", frame.Command))
		return StateSyncNodeBarrier, nil
	}
	if _, seen := b.nodes[frame.Sender]; !seen {
		b.nodes[frame.Sender] = frame.ReturnAddress
		b.logger.Info("node checked in",
			zap.String("node_name", frame.Sender),
			zap.Int("checked_in", len(b.nodes)), zap.Int("expected", len(b.config.ExpectedNodes)))
	}
	if len(b.nodes) >= len(b.config.ExpectedNodes) {
		return StateSyncBrokerBarrier, nil
	}
	return StateSyncNodeBarrier, nil
}

// runSyncBrokerBarrier completes one HELLO/ACK handshake per configured
// peer: we greet the peers that subscribe to us, and acknowledge the peers
// we subscribe to. Retried indefinitely on the poll timeout.
func (b *Broker) runSyncBrokerBarrier() (State, error) {
	if b.peersDone(func(p *peerState) bool { return p.synced }) {
		return StateStart, nil
	}
	select {
	case <-b.killC:
		return StateKill, nil
	default:
	}
	b.greetPeers(func(p *peerState) bool { return p.synced })

	ev, ok := b.poll()
	if !ok {
		return StateSyncBrokerBarrier, nil
	}
	switch ev.role {
	case rolePeerReply:
		frame, err := protocol.ParseDealer(ev.msg)
		if err != nil {
			return StateSyncBrokerBarrier, err
		}
		if frame.Is(protocol.CmdAck) {
			b.markSynced(frame.Sender)
		}
	case rolePeerControl:
		frame, err := protocol.ParseRouter(ev.msg)
		if err != nil {
			return StateSyncBrokerBarrier, err
		}
		if frame.Is(protocol.CmdHello) {
			if err := b.post(rolePeerControl, frame.Sender, protocol.Reply(frame, b.config.ID, protocol.CmdAck)); err != nil {
				return StateSyncBrokerBarrier, err
			}
			b.markSynced(frame.Sender)
		}
	default:
		kill, err := b.handleEvent(ev)
		if kill {
			return StateKill, err
		}
		if err != nil {
			return StateSyncBrokerBarrier, err
		}
	}
	if b.peersDone(func(p *peerState) bool { return p.synced }) {
		return StateStart, nil
	}
	return StateSyncBrokerBarrier, nil
}

// runStart agrees on the start instant, busy-waits to it and releases the
// local nodes. The master computes the instant a fixed interval ahead and
// distributes it; everyone else blocks to receive it.
func (b *Broker) runStart() (State, error) {
	if b.startAt.IsZero() {
		if len(b.peers) == 0 {
			b.startAt = time.Now().Add(b.config.StartDelay)
		} else if b.config.Master {
			// Whole-second resolution on the wire; round up so the lead
			// time is never shortened by truncation.
			b.startAt = time.Unix(time.Now().Add(b.config.StartDelay).Unix()+1, 0)
			command := protocol.StartTimeCommand(b.startAt)
			for name := range b.peers {
				if err := b.post(rolePeerReply, name, protocol.Request(b.config.ID, command)); err != nil {
					return StateStart, err
				}
			}
			b.logger.Info("start time distributed", zap.Time("start_at", b.startAt))
		} else {
			next, err := b.awaitStartTime()
			if err != nil || b.startAt.IsZero() {
				return next, err
			}
		}
	}

	b.busyWait(b.startAt)

	// Flush whatever queued up during the barriers, then re-announce every
	// known subscription upstream before the nodes start publishing: a
	// producer whose socket missed the original interest frame would
	// otherwise drop its early samples.
	if err := b.drainPending(); err != nil {
		return StateStart, err
	}
	b.replayInterest()

	for name, address := range b.nodes {
		if err := b.post(roleNodeControl, name, protocol.Direct(address, b.config.ID, protocol.CmdGo)); err != nil {
			return StateStart, err
		}
	}
	b.logger.Info("experiment started", zap.Time("start_at", b.startAt), zap.Int("node_count", len(b.nodes)))
	if b.config.Duration > 0 {
		b.deadline = time.After(b.config.Duration)
	}
	return StateRunning, nil
}

func (b *Broker) awaitStartTime() (State, error) {
	select {
	case <-b.killC:
		return StateKill, nil
	default:
	}
	ev, ok := b.poll()
	if !ok {
		return StateStart, nil
	}
	if ev.role != rolePeerControl {
		kill, err := b.handleEvent(ev)
		if kill {
			return StateKill, err
		}
		return StateStart, err
	}
	frame, err := protocol.ParseRouter(ev.msg)
	if err != nil {
		return StateStart, err
	}
	switch {
	case frame.Is(protocol.CmdStartTime):
		at, err := protocol.ParseStartTime(frame.Command)
		if err != nil {
			return StateStart, err
		}
		b.startAt = at
		b.logger.Info("start time received",
			zap.String("peer_name", frame.Sender), zap.Time("start_at", at))
	case frame.Is(protocol.CmdHello):
		// A slow peer retrying the sync handshake; acknowledge again.
		if err := b.post(rolePeerControl, frame.Sender, protocol.Reply(frame, b.config.ID, protocol.CmdAck)); err != nil {
			return StateStart, err
		}
	}
	return StateStart, nil
}

func (b *Broker) drainPending() error {
	for {
		select {
		case ev := <-b.events:
			if _, err := b.handleEvent(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// busyWait spins down to the target instant with sub-millisecond resolution.
func (b *Broker) busyWait(target time.Time) {
	for {
		remaining := time.Until(target)
		if remaining <= 0 {
			return
		}
		if remaining > 5*time.Millisecond {
			time.Sleep(remaining - 5*time.Millisecond)
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// runKill latches the shutdown and broadcasts the kill signal. Local nodes
// and peer brokers share the broadcast endpoint; the latch makes any further
// kill signal a no-op.
func (b *Broker) runKill() (State, error) {
	b.killed = true
	b.Signal()
	if err := b.post(roleKill, "", zmq4.NewMsg(protocol.KillSignal)); err != nil {
		return StateKill, err
	}
	for _, peer := range b.peers {
		peer.retryAt = time.Time{}
		peer.retrier = nil
	}
	b.logger.Info("kill signal broadcast")
	return StateJoinNodeBarrier, nil
}

// runJoinNodeBarrier keeps forwarding in-flight data while releasing each
// local node once its end-of-stream marker (producers only) and its exit
// request have both been observed.
func (b *Broker) runJoinNodeBarrier() (State, error) {
	// Handshakes queued while the kill latched register below, so a node
	// that checked in late is not stranded without its release.
	if err := b.drainPending(); err != nil {
		return StateJoinNodeBarrier, err
	}
	b.releaseNodes()
	if len(b.nodes) == 0 {
		return StateJoinBrokerBarrier, nil
	}
	if ev, ok := b.poll(); ok {
		if _, err := b.handleEvent(ev); err != nil {
			return StateJoinNodeBarrier, err
		}
	}
	b.releaseNodes()
	if len(b.nodes) == 0 {
		return StateJoinBrokerBarrier, nil
	}
	return StateJoinNodeBarrier, nil
}

func (b *Broker) releaseNodes() {
	for name, address := range b.nodes {
		if !b.exitSeen[name] {
			continue
		}
		_, producer := b.brokered[name]
		if producer && !b.endSeen[name] {
			continue
		}
		if err := b.post(roleNodeControl, name, protocol.Direct(address, b.config.ID, protocol.CmdBye)); err != nil {
			b.logger.Warn("unable to release node", zap.String("node_name", name), zap.Error(err))
			continue
		}
		delete(b.nodes, name)
		b.logger.Info("node released",
			zap.String("node_name", name), zap.Bool("producer", producer),
			zap.Int("remaining", len(b.nodes)))
	}
}

// runJoinBrokerBarrier mirrors the sync barrier with a HELLO/BYE drain
// handshake, so no broker tears down before every peer finished draining.
func (b *Broker) runJoinBrokerBarrier() (State, error) {
	if b.peersDone(func(p *peerState) bool { return p.drained }) {
		return StateTerminate, nil
	}
	b.greetPeers(func(p *peerState) bool { return p.drained })

	ev, ok := b.poll()
	if !ok {
		return StateJoinBrokerBarrier, nil
	}
	if _, err := b.handleEvent(ev); err != nil {
		return StateJoinBrokerBarrier, err
	}
	if b.peersDone(func(p *peerState) bool { return p.drained }) {
		return StateTerminate, nil
	}
	return StateJoinBrokerBarrier, nil
}

// greetPeers re-sends HELLO to every publisher-role peer still waiting on
// the current barrier, paced by a per-peer backoff.
func (b *Broker) greetPeers(done func(*peerState) bool) {
	now := time.Now()
	for name, peer := range b.peers {
		if peer.Role != RolePublisher || done(peer) {
			continue
		}
		if now.Before(peer.retryAt) {
			continue
		}
		if peer.retrier == nil {
			peer.retrier = backoff.NewConstantBackOff(b.config.PollTimeout)
		}
		if err := b.post(rolePeerReply, name, protocol.Request(b.config.ID, protocol.CmdHello)); err != nil {
			b.logger.Warn("peer greeting failed", zap.String("peer_name", name), zap.Error(err))
		}
		peer.retryAt = now.Add(peer.retrier.NextBackOff())
	}
}

func (b *Broker) peersDone(done func(*peerState) bool) bool {
	for _, peer := range b.peers {
		if !done(peer) {
			return false
		}
	}
	return true
}

func (b *Broker) markSynced(name string) {
	if peer, ok := b.peers[name]; ok && !peer.synced {
		peer.synced = true
		b.logger.Info("peer synchronized", zap.String("peer_name", name))
	}
}
