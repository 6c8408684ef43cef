package node

import (
	"context"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/protocol"
	"github.com/maximyudayev/hermes-sub000/transport"
)

// Consumer subscribes to topic prefixes on the broker fan-out and hands
// every packet to its handler. It exits once every subscribed producer has
// signalled end-of-stream, then follows the EXIT/BYE release handshake.
type Consumer struct {
	base
	config  Config
	sub     zmq4.Socket
	handler func(protocol.Packet)
}

func NewConsumer(config Config, handler func(protocol.Packet), logger *zap.Logger) (*Consumer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Consumer{
		base:    newBase(config.Name, logger),
		config:  config,
		handler: handler,
	}, nil
}

func (c *Consumer) Run(ctx context.Context) error {
	if err := c.connectControl(ctx, c.config); err != nil {
		return err
	}
	defer c.closeControl()

	sub, err := transport.DialConsumer(ctx, c.config.FanOutEndpoint, c.config.Topics)
	if err != nil {
		return err
	}
	c.sub = sub
	defer sub.Close()

	if err := c.handshake(); err != nil {
		return err
	}
	started, err := c.awaitGo(ctx)
	if err != nil {
		return err
	}
	if started {
		if err := c.consume(ctx); err != nil {
			return err
		}
	}
	return c.exit(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	dataC := make(chan zmq4.Msg, 64)
	go func() {
		defer close(dataC)
		for {
			msg, err := c.sub.Recv()
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
	return c.dispatch(ctx, dataC)
}

func (c *Consumer) dispatch(ctx context.Context, dataC <-chan zmq4.Msg) error {
	// One end-of-stream marker is expected per subscribed node prefix.
	pending := make(map[string]bool, len(c.config.Topics))
	for _, topic := range c.config.Topics {
		pending[protocol.Node(topic)] = true
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.killC:
			return c.drain(ctx, dataC, pending)
		case msg, ok := <-dataC:
			if !ok {
				return nil
			}
			c.deliver(msg, pending)
		}
	}
	return nil
}

// drain gives in-flight packets a bounded grace window after a kill, then
// falls through to the release handshake even if an end marker never arrives.
// A subscribed prefix no live producer serves must not hold the node hostage.
func (c *Consumer) drain(ctx context.Context, dataC <-chan zmq4.Msg, pending map[string]bool) error {
	deadline := time.After(10 * c.config.PollInterval)
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			c.logger.Warn("kill received with streams still pending", zap.Int("pending", len(pending)))
			return nil
		case msg, ok := <-dataC:
			if !ok {
				return nil
			}
			c.deliver(msg, pending)
		}
	}
	return nil
}

func (c *Consumer) deliver(msg zmq4.Msg, pending map[string]bool) {
	packet, err := protocol.ParsePacket(msg)
	if err != nil {
		c.logger.Warn("undecodable packet dropped", zap.Error(err))
		return
	}
	if packet.End {
		node := protocol.Node(packet.Topic)
		if pending[node] {
			delete(pending, node)
			c.logger.Info("producer stream ended",
				zap.String("producer_name", node), zap.Int("pending", len(pending)))
		}
		return
	}
	if c.handler != nil {
		c.handler(packet)
	}
}
