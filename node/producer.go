package node

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/align"
	"github.com/maximyudayev/hermes-sub000/pool"
	"github.com/maximyudayev/hermes-sub000/protocol"
	"github.com/maximyudayev/hermes-sub000/transport"
)

// Producer attaches a sensor source to the fabric: raw readings go through
// the counter converter into the aligned buffer, and every popped snapshot
// is published as one packet per device on `<name>.<device>`.
type Producer struct {
	base
	config    Config
	source    Source
	pub       zmq4.Socket
	workers   *pool.Pool
	converter *align.Converter
	buffer    *align.Buffer
}

func NewProducer(config Config, source Source, logger *zap.Logger) (*Producer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	p := &Producer{
		base:      newBase(config.Name, logger),
		config:    config,
		source:    source,
		workers:   pool.NewPool(config.Workers),
		converter: align.NewConverter(config.Devices, config.SamplingPeriod, config.ClockWidth),
	}
	p.buffer = align.NewBuffer(config.Devices, config.Staleness, p.logger)
	return p, nil
}

func (p *Producer) Run(ctx context.Context) error {
	if err := p.connectControl(ctx, p.config); err != nil {
		return err
	}
	defer p.closeControl()
	defer p.workers.Cancel()

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
		if err := p.produce(ctx); err != nil {
			return err
		}
	}

	// Shutdown contract: the last sample is already out, so publish exactly
	// one end-of-stream marker, request release and wait for it. The data
	// socket is not touched after BYE.
	if err := pub.Send(protocol.EndPacket(p.name).Msg()); err != nil {
		return err
	}
	p.logger.Info("end of stream published")
	return p.exit(ctx)
}

func (p *Producer) produce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sourceDone := make(chan struct{})
	if err := p.workers.Call(func() error {
		defer close(sourceDone)
		if err := p.source.Run(runCtx, p.ingest); err != nil {
			p.logger.Error("sensor source failed", zap.Error(err))
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	running := true
	for running {
		select {
		case <-sourceDone:
			running = false
		case <-p.killC:
			cancel()
			<-sourceDone
			running = false
		case <-ticker.C:
			if err := p.flush(true); err != nil {
				return err
			}
		}
	}
	return p.flush(false)
}

// ingest is the sensor callback: convert the wrapping clock reading to a
// logical index, drop bootstrap rejects silently, buffer the rest.
func (p *Producer) ingest(device string, raw uint64, payload []byte) {
	index, ok := p.converter.Convert(device, raw)
	if !ok {
		p.logger.Debug("sample dropped during clock bootstrap",
			zap.String("device", device), zap.Uint64("raw_timestamp", raw))
		return
	}
	p.buffer.Plop(device, payload, index)
}

func (p *Producer) flush(running bool) error {
	for {
		snapshot, index, ok := p.buffer.Yeet(running)
		if !ok {
			return nil
		}
		for device, payload := range snapshot {
			if payload == nil {
				continue
			}
			packet := protocol.Packet{
				Topic:   fmt.Sprintf("%s.%s", p.name, device),
				Payload: payload,
			}
			if err := p.pub.Send(packet.Msg()); err != nil {
				return err
			}
		}
		p.logger.Debug("snapshot published", zap.Uint64("snapshot_index", index))
	}
}
