package node

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/protocol"
	"github.com/maximyudayev/hermes-sub000/transport"
)

// Transform maps one upstream payload to this node's output payload.
// Returning false drops the packet.
type Transform func(protocol.Packet) ([]byte, bool)

// Pipeline composes a consumer and a producer: it subscribes to upstream
// topic prefixes, runs every packet through its transform and republishes
// the result under its own name. Downstream consumers see it as a regular
// producer, end-of-stream marker included.
type Pipeline struct {
	base
	config    Config
	sub       zmq4.Socket
	pub       zmq4.Socket
	transform Transform
}

func NewPipeline(config Config, transform Transform, logger *zap.Logger) (*Pipeline, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		base:      newBase(config.Name, logger),
		config:    config,
		transform: transform,
	}, nil
}

func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.connectControl(ctx, p.config); err != nil {
		return err
	}
	defer p.closeControl()

	sub, err := transport.DialConsumer(ctx, p.config.FanOutEndpoint, p.config.Topics)
	if err != nil {
		return err
	}
	p.sub = sub
	defer sub.Close()

	pub, err := transport.DialProducer(ctx, p.config.FanInEndpoint)
	if err != nil {
		return err
	}
	p.pub = pub
	defer pub.Close()

	if err := p.handshake(); err != nil {
		return err
	}
	started, err := p.awaitGo(ctx)
	if err != nil {
		return err
	}
	if started {
		if err := p.relay(ctx); err != nil {
			return err
		}
	}

	if err := pub.Send(protocol.EndPacket(p.name).Msg()); err != nil {
		return err
	}
	p.logger.Info("end of stream published")
	return p.exit(ctx)
}

// relay runs until every upstream producer has signalled end-of-stream.
func (p *Pipeline) relay(ctx context.Context) error {
	dataC := make(chan zmq4.Msg, 64)
	go func() {
		defer close(dataC)
		for {
			msg, err := p.sub.Recv()
			if err != nil {
				return
			}
			select {
			case dataC <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	pending := make(map[string]bool, len(p.config.Topics))
	for _, topic := range p.config.Topics {
		pending[protocol.Node(topic)] = true
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-dataC:
			if !ok {
				return nil
			}
			packet, err := protocol.ParsePacket(msg)
			if err != nil {
				p.logger.Warn("undecodable packet dropped", zap.Error(err))
				continue
			}
			if packet.End {
				node := protocol.Node(packet.Topic)
				if pending[node] {
					delete(pending, node)
					p.logger.Info("upstream stream ended",
						zap.String("producer_name", node), zap.Int("pending", len(pending)))
				}
				continue
			}
			out, ok := p.process(packet)
			if !ok {
				continue
			}
			if err := p.pub.Send(out.Msg()); err != nil {
				return err
			}
		}
	}
	return nil
}

// process relabels one upstream packet under this node's topic prefix, with
// the upstream node name as suffix so downstream consumers can tell sources
// apart.
func (p *Pipeline) process(in protocol.Packet) (protocol.Packet, bool) {
	payload := in.Payload
	if p.transform != nil {
		out, ok := p.transform(in)
		if !ok {
			return protocol.Packet{}, false
		}
		payload = out
	}
	return protocol.Packet{
		Topic:   fmt.Sprintf("%s.%s", p.name, protocol.Node(in.Topic)),
		Payload: payload,
	}, true
}
