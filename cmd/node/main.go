// The node binary runs a synthetic producer or a logging consumer against a
// broker, for dry runs and smoke tests of a fabric without sensor hardware.
package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/cli"
	"github.com/maximyudayev/hermes-sub000/node"
	"github.com/maximyudayev/hermes-sub000/protocol"
)

func nodeConfig(config *viper.Viper) node.Config {
	return node.Config{
		Name:            config.GetString("name"),
		FanInEndpoint:   config.GetString("fan-in"),
		FanOutEndpoint:  config.GetString("fan-out"),
		ControlEndpoint: config.GetString("control"),
		KillEndpoint:    config.GetString("kill"),
		Topics:          config.GetStringSlice("topic"),
		Devices:         config.GetStringSlice("device"),
		SamplingPeriod:  config.GetFloat64("sampling-period"),
		ClockWidth:      uint(config.GetInt("clock-width")),
		Staleness:       config.GetInt("staleness"),
		PollInterval:    config.GetDuration("poll-interval"),
	}
}

func main() {
	config := viper.New()
	root := &cobra.Command{Use: "node"}
	cli.AddLoggingFlags(root, config)

	root.PersistentFlags().StringP("name", "n", "", "Node name on the control plane")
	root.PersistentFlags().StringP("fan-in", "", "tcp://127.0.0.1:5550", "Broker fan-in endpoint")
	root.PersistentFlags().StringP("fan-out", "", "tcp://127.0.0.1:5551", "Broker fan-out endpoint")
	root.PersistentFlags().StringP("control", "", "tcp://127.0.0.1:5553", "Broker handshake endpoint")
	root.PersistentFlags().StringP("kill", "", "tcp://127.0.0.1:5555", "Broker kill broadcast endpoint")
	root.PersistentFlags().StringSliceP("topic", "t", nil, "Topic prefixes to subscribe to")
	for _, name := range []string{"name", "fan-in", "fan-out", "control", "kill", "topic"} {
		config.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	producer := &cobra.Command{
		Use:   "producer",
		Short: "Publish synthetic sensor snapshots",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := cli.Logger(config, "producer")
			defer logger.Sync()

			cfg := nodeConfig(config)
			source := &node.SyntheticSource{
				Devices:    cfg.Devices,
				Count:      config.GetInt("count"),
				Interval:   config.GetDuration("interval"),
				Period:     cfg.SamplingPeriod,
				ClockWidth: cfg.ClockWidth,
			}
			p, err := node.NewProducer(cfg, source, logger)
			if err != nil {
				logger.Fatal("invalid producer configuration", zap.Error(err))
			}
			if err := p.Run(context.Background()); err != nil {
				logger.Fatal("producer failed", zap.Error(err))
			}
		},
	}
	producer.Flags().StringSliceP("device", "", []string{"d0"}, "Simulated device keys")
	producer.Flags().Float64P("sampling-period", "", 10, "Sampling period in clock ticks")
	producer.Flags().IntP("clock-width", "", 32, "Hardware clock width in bits")
	producer.Flags().IntP("staleness", "", 10, "Staleness threshold in timesteps")
	producer.Flags().DurationP("poll-interval", "", 5*time.Millisecond, "Buffer poll interval")
	producer.Flags().IntP("count", "", 0, "Samples per device (0: until killed)")
	producer.Flags().DurationP("interval", "", 10*time.Millisecond, "Interval between samples")
	for _, name := range []string{"device", "sampling-period", "clock-width", "staleness", "poll-interval", "count", "interval"} {
		config.BindPFlag(name, producer.Flags().Lookup(name))
	}

	consumer := &cobra.Command{
		Use:   "consumer",
		Short: "Subscribe to topic prefixes and log every packet",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := cli.Logger(config, "consumer")
			defer logger.Sync()

			c, err := node.NewConsumer(nodeConfig(config), func(p protocol.Packet) {
				logger.Info("packet received",
					zap.String("topic", p.Topic), zap.Int("payload_size", len(p.Payload)))
			}, logger)
			if err != nil {
				logger.Fatal("invalid consumer configuration", zap.Error(err))
			}
			if err := c.Run(context.Background()); err != nil {
				logger.Fatal("consumer failed", zap.Error(err))
			}
		},
	}
	pipeline := &cobra.Command{
		Use:   "pipeline",
		Short: "Republish upstream packets under this node's name",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := cli.Logger(config, "pipeline")
			defer logger.Sync()

			p, err := node.NewPipeline(nodeConfig(config), nil, logger)
			if err != nil {
				logger.Fatal("invalid pipeline configuration", zap.Error(err))
			}
			if err := p.Run(context.Background()); err != nil {
				logger.Fatal("pipeline failed", zap.Error(err))
			}
		},
	}
	root.AddCommand(producer, consumer, pipeline)
	if err := root.Execute(); err != nil {
		panic(err)
	}
}
