// Package transport builds the ZeroMQ sockets of the acquisition fabric.
// Per host: an XSUB fan-in for local producers, an XPUB fan-out for local
// consumers, an optional second XPUB relaying to remote peers, two ROUTER
// handshake endpoints (local nodes, peer brokers), a PUB kill broadcast and
// a PULL operator endpoint.
package transport

import (
	"context"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

func bind(sock zmq4.Socket, endpoint string) (zmq4.Socket, error) {
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, errors.Wrapf(err, "unable to bind %s", endpoint)
	}
	return sock, nil
}

func dial(sock zmq4.Socket, endpoint string) (zmq4.Socket, error) {
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, errors.Wrapf(err, "unable to dial %s", endpoint)
	}
	return sock, nil
}

// BindFanIn binds the XSUB endpoint local producers publish into.
func BindFanIn(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return bind(zmq4.NewXSub(ctx), endpoint)
}

// BindFanOut binds an XPUB endpoint consumers (local or remote brokers)
// subscribe to. Interest frames are read back off the returned socket.
func BindFanOut(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return bind(zmq4.NewXPub(ctx), endpoint)
}

// DialRemoteFanIn connects an XSUB to a peer broker's relay fan-out.
func DialRemoteFanIn(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return dial(zmq4.NewXSub(ctx), endpoint)
}

// BindControl binds a ROUTER handshake endpoint.
func BindControl(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return bind(zmq4.NewRouter(ctx), endpoint)
}

// DialControl connects a DEALER to a handshake endpoint, identifying as name
// so the ROUTER side can address replies.
func DialControl(ctx context.Context, endpoint, name string) (zmq4.Socket, error) {
	return dial(zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(name))), endpoint)
}

// BindKill binds the kill-signal broadcast endpoint.
func BindKill(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return bind(zmq4.NewPub(ctx), endpoint)
}

// DialKill subscribes to a kill-signal broadcast.
func DialKill(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	sock, err := dial(zmq4.NewSub(ctx), endpoint)
	if err != nil {
		return nil, err
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "unable to subscribe to kill broadcast")
	}
	return sock, nil
}

// BindOperator binds the point-to-point endpoint the operator kill command
// arrives on.
func BindOperator(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return bind(zmq4.NewPull(ctx), endpoint)
}

// DialOperator connects the operator-side kill command socket.
func DialOperator(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return dial(zmq4.NewPush(ctx), endpoint)
}

// DialProducer connects a producer's PUB socket to the broker fan-in.
func DialProducer(ctx context.Context, endpoint string) (zmq4.Socket, error) {
	return dial(zmq4.NewPub(ctx), endpoint)
}

// DialConsumer connects a consumer's SUB socket to the broker fan-out and
// subscribes it to the given topic prefixes.
func DialConsumer(ctx context.Context, endpoint string, topics []string) (zmq4.Socket, error) {
	sock, err := dial(zmq4.NewSub(ctx), endpoint)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			sock.Close()
			return nil, errors.Wrapf(err, "unable to subscribe to %q", topic)
		}
	}
	return sock, nil
}
