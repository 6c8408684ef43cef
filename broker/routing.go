package broker

import (
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/metrics"
	"github.com/maximyudayev/hermes-sub000/protocol"
)

// runRunning forwards data-plane traffic until a kill signal, a propagated
// peer kill, or the optional configured duration.
func (b *Broker) runRunning() (State, error) {
	select {
	case <-b.killC:
		return StateKill, nil
	case <-b.deadline:
		b.logger.Info("configured duration elapsed")
		return StateKill, nil
	case ev := <-b.events:
		kill, err := b.handleEvent(ev)
		if err != nil {
			return StateRunning, err
		}
		if kill {
			return StateKill, nil
		}
		return StateRunning, nil
	case <-b.pollTimeout():
		return StateRunning, nil
	}
}

// handleEvent reacts to one socket event. It is shared by every state that
// keeps the fabric flowing; the returned flag requests the Kill transition.
func (b *Broker) handleEvent(ev event) (bool, error) {
	switch ev.role {
	case roleFanIn:
		return false, b.forwardLocal(ev)
	case roleRelayIn:
		// Remote data only fans out locally; re-relaying it would loop
		// between peers.
		metrics.PacketsForwarded.WithLabelValues("fan_out").Inc()
		return false, b.post(roleFanOut, "", ev.msg)
	case roleFanOut, roleRelayOut:
		return false, b.propagateInterest(ev)
	case roleNodeControl:
		return false, b.handleNodeControl(ev)
	case rolePeerControl:
		return false, b.handlePeerControl(ev)
	case rolePeerReply:
		return false, b.handlePeerReply(ev)
	case roleKill:
		if !b.killed {
			b.logger.Info("kill signal propagated from peer", zap.String("peer_name", ev.peer))
			return true, nil
		}
		return false, nil
	case roleOperator:
		if !b.killed {
			b.logger.Info("operator kill command received")
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

// forwardLocal fans a local producer's packet out to local consumers and the
// remote relay, and watches for end-of-stream markers.
func (b *Broker) forwardLocal(ev event) error {
	packet, err := protocol.ParsePacket(ev.msg)
	if err != nil {
		// Per-sample faults never interrupt the run loop.
		b.logger.Warn("unroutable data frame dropped", zap.Error(err))
		return nil
	}
	if err := b.post(roleFanOut, "", ev.msg); err != nil {
		return err
	}
	metrics.PacketsForwarded.WithLabelValues("fan_out").Inc()
	if err := b.post(roleRelayOut, "", ev.msg); err != nil {
		return err
	}
	metrics.PacketsForwarded.WithLabelValues("relay").Inc()

	if packet.End {
		node := protocol.Node(packet.Topic)
		b.endSeen[node] = true
		b.logger.Info("end of stream forwarded", zap.String("node_name", node))
	}
	return nil
}

// propagateInterest pushes a subscription frame upstream: always to the
// local fan-in, and for local consumer interest also to every subscribed
// peer relay. The observed topic prefix feeds the BrokeredNodes set.
func (b *Broker) propagateInterest(ev event) error {
	sub, ok := protocol.ParseSubscription(ev.msg)
	if !ok {
		b.logger.Warn("unexpected frame on subscription channel")
		return nil
	}
	if sub.Subscribe {
		b.brokered[protocol.Node(sub.Topic)] = struct{}{}
		b.interest[sub.Topic] = struct{}{}
	} else {
		delete(b.interest, sub.Topic)
	}
	metrics.SubscriptionsSeen.Inc()
	if err := b.post(roleFanIn, "", ev.msg); err != nil {
		return err
	}
	if ev.role == roleFanOut {
		for name := range b.relayIns {
			if err := b.post(roleRelayIn, name, ev.msg); err != nil {
				return err
			}
		}
	}
	b.logger.Debug("subscription propagated",
		zap.String("topic", sub.Topic), zap.Bool("subscribe", sub.Subscribe))
	return nil
}

func (b *Broker) replayInterest() {
	for topic := range b.interest {
		msg := protocol.Subscription{Topic: topic, Subscribe: true}.Msg()
		if err := b.post(roleFanIn, "", msg); err != nil {
			b.logger.Warn("interest replay failed", zap.String("topic", topic), zap.Error(err))
		}
		for name := range b.relayIns {
			if err := b.post(roleRelayIn, name, msg); err != nil {
				b.logger.Warn("interest replay failed",
					zap.String("topic", topic), zap.String("peer_name", name), zap.Error(err))
			}
		}
	}
}

func (b *Broker) handleNodeControl(ev event) error {
	frame, err := protocol.ParseRouter(ev.msg)
	if err != nil {
		return err
	}
	switch {
	case frame.Is(protocol.CmdExit):
		b.exitSeen[frame.Sender] = true
		b.logger.Info("node requested exit", zap.String("node_name", frame.Sender))
	case frame.Is(protocol.CmdHello):
		if !b.killed {
			b.logger.Warn("unexpected handshake outside the startup barrier",
				zap.String("node_name", frame.Sender))
			break
		}
		// A handshake landing after the kill latched still joins the table:
		// the node blocks on the release handshake, so it must get its BYE.
		if _, seen := b.nodes[frame.Sender]; !seen {
			b.nodes[frame.Sender] = frame.ReturnAddress
			b.logger.Info("node checked in during shutdown", zap.String("node_name", frame.Sender))
		}
	default:
		b.logger.Warn("unexpected node control command",
			zap.String("node_name", frame.Sender), zap.ByteString("command", frame.Command))
	}
	if b.killed {
		b.releaseNodes()
	}
	return nil
}

// handlePeerControl covers peer frames arriving outside the barrier that
// owns them: drain handshakes from peers that entered shutdown first.
func (b *Broker) handlePeerControl(ev event) error {
	frame, err := protocol.ParseRouter(ev.msg)
	if err != nil {
		return err
	}
	if frame.Is(protocol.CmdHello) && b.killed {
		return b.drainPeer(frame)
	}
	// The peer retries on its own pace; nothing to do yet.
	b.logger.Debug("peer control frame deferred",
		zap.String("peer_name", frame.Sender), zap.ByteString("command", frame.Command))
	return nil
}

func (b *Broker) handlePeerReply(ev event) error {
	frame, err := protocol.ParseDealer(ev.msg)
	if err != nil {
		return err
	}
	if frame.Is(protocol.CmdBye) && b.killed {
		b.markDrained(frame.Sender)
		return nil
	}
	b.logger.Debug("stale peer reply",
		zap.String("peer_name", frame.Sender), zap.ByteString("command", frame.Command))
	return nil
}

func (b *Broker) drainPeer(frame protocol.Frame) error {
	if err := b.post(rolePeerControl, frame.Sender, protocol.Reply(frame, b.config.ID, protocol.CmdBye)); err != nil {
		return err
	}
	b.markDrained(frame.Sender)
	return nil
}

func (b *Broker) markDrained(name string) {
	if peer, ok := b.peers[name]; ok && !peer.drained {
		peer.drained = true
		b.logger.Info("peer drained", zap.String("peer_name", name))
	}
}
