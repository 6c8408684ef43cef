package main

import (
	"context"
	"strings"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/broker"
	"github.com/maximyudayev/hermes-sub000/cli"
	"github.com/maximyudayev/hermes-sub000/identity"
	"github.com/maximyudayev/hermes-sub000/metrics"
	"github.com/maximyudayev/hermes-sub000/protocol"
	"github.com/maximyudayev/hermes-sub000/transport"
)

func main() {
	config := viper.New()
	root := &cobra.Command{
		Use:   "broker",
		Short: "Run one host's data-acquisition broker",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := cli.Logger(config, "broker")
			defer logger.Sync()

			layout := transport.LayoutFromFlags(config)
			self := identity.New(config.GetString("id"), layout.Host, layout.PeerControl)
			logger.Info("broker starting",
				zap.String("broker_id", self.Name()),
				zap.String("handshake_address", self.Handshake().String()))

			peers, err := parsePeers(config.GetStringSlice("peer"))
			if err != nil {
				logger.Fatal("invalid peer definition", zap.Error(err))
			}
			spawns, err := parseSpawns(config.GetStringSlice("spawn"))
			if err != nil {
				logger.Fatal("invalid spawn definition", zap.Error(err))
			}

			b, err := broker.New(broker.Config{
				ID:            self.Name(),
				Master:        config.GetBool("master"),
				Layout:        layout,
				ExpectedNodes: config.GetStringSlice("expect"),
				SpawnNodes:    spawns,
				Peers:         peers,
				Duration:      config.GetDuration("duration"),
				StartDelay:    config.GetDuration("start-delay"),
				PollTimeout:   config.GetDuration("poll-timeout"),
			}, logger)
			if err != nil {
				logger.Fatal("invalid broker configuration", zap.Error(err))
			}

			if port := config.GetInt("metrics-port"); port > 0 {
				metrics.Serve(port)
			}
			go func() {
				<-cli.Notify()
				logger.Info("interrupt received")
				b.Signal()
			}()

			if err := b.Run(context.Background()); err != nil {
				logger.Fatal("broker failed", zap.Error(err))
			}
		},
	}

	cli.AddLoggingFlags(root, config)
	transport.RegisterFlags(root, config, 5550)

	root.Flags().StringP("id", "", "", "Broker identity on the control plane (generated when empty)")
	root.Flags().BoolP("master", "", false, "Compute and distribute the experiment start time")
	root.Flags().StringSliceP("expect", "e", nil, "Local node names awaited at the startup barrier")
	root.Flags().StringSliceP("spawn", "", nil, "Local node processes to start, as name=command")
	root.Flags().StringSliceP("peer", "p", nil,
		"Peer broker as name,role,control-endpoint[,relay-endpoint[,kill-endpoint]]")
	root.Flags().DurationP("duration", "", 0, "Stop the experiment after this long (0: until killed)")
	root.Flags().DurationP("start-delay", "", 0, "Lead time before the agreed start instant")
	root.Flags().DurationP("poll-timeout", "", 0, "Socket poll timeout of the run loop")
	root.Flags().IntP("metrics-port", "", 0, "Expose prometheus metrics on this port")
	for _, name := range []string{"id", "master", "expect", "spawn", "peer", "duration", "start-delay", "poll-timeout", "metrics-port"} {
		config.BindPFlag(name, root.Flags().Lookup(name))
	}

	kill := &cobra.Command{
		Use:   "kill",
		Short: "Send the operator kill command to a running broker",
		Run: func(cmd *cobra.Command, _ []string) {
			logger := cli.Logger(config, "broker-kill")
			defer logger.Sync()

			endpoint := config.GetString("operator-endpoint")
			sock, err := transport.DialOperator(context.Background(), endpoint)
			if err != nil {
				logger.Fatal("unable to reach the broker", zap.Error(err))
			}
			defer sock.Close()
			if err := sock.Send(zmq4.NewMsg(protocol.KillSignal)); err != nil {
				logger.Fatal("unable to send the kill command", zap.Error(err))
			}
			logger.Info("kill command sent", zap.String("operator_endpoint", endpoint))
		},
	}
	kill.Flags().StringP("operator-endpoint", "", "tcp://127.0.0.1:5556", "Broker operator endpoint")
	config.BindPFlag("operator-endpoint", kill.Flags().Lookup("operator-endpoint"))
	root.AddCommand(kill)

	if err := root.Execute(); err != nil {
		panic(err)
	}
}

func parsePeers(specs []string) ([]broker.Peer, error) {
	peers := make([]broker.Peer, 0, len(specs))
	for _, spec := range specs {
		fields := strings.Split(spec, ",")
		if len(fields) < 3 {
			return nil, errors.Errorf("peer %q: want name,role,control-endpoint", spec)
		}
		peer := broker.Peer{
			Name:            fields[0],
			Role:            broker.PeerRole(fields[1]),
			ControlEndpoint: fields[2],
		}
		if len(fields) > 3 {
			peer.RemoteEndpoint = fields[3]
		}
		if len(fields) > 4 {
			peer.KillEndpoint = fields[4]
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func parseSpawns(specs []string) ([]broker.NodeCommand, error) {
	spawns := make([]broker.NodeCommand, 0, len(specs))
	for _, spec := range specs {
		name, command, found := strings.Cut(spec, "=")
		if !found || len(strings.Fields(command)) == 0 {
			return nil, errors.Errorf("spawn %q: want name=command", spec)
		}
		spawns = append(spawns, broker.NodeCommand{
			Name:    name,
			Command: strings.Fields(command),
		})
	}
	return spawns, nil
}
