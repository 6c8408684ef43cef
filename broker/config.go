package broker

import (
	"time"

	"github.com/pkg/errors"

	"github.com/maximyudayev/hermes-sub000/transport"
)

// PeerRole describes the data relationship with one peer broker, from our
// point of view.
type PeerRole string

const (
	// RoleSubscriber: we subscribe to the peer's relay fan-out.
	RoleSubscriber PeerRole = "subscriber"
	// RolePublisher: the peer subscribes to our relay fan-out.
	RolePublisher PeerRole = "publisher"
)

// Peer is one statically configured peer broker.
type Peer struct {
	Name string
	Role PeerRole
	// ControlEndpoint is the peer's broker-to-broker handshake ROUTER.
	ControlEndpoint string
	// RemoteEndpoint is the peer's relay XPUB, dialed when Role is
	// RoleSubscriber.
	RemoteEndpoint string
	// KillEndpoint is the peer's kill broadcast, watched so a remote kill
	// propagates here.
	KillEndpoint string
}

// NodeCommand is a local node process the broker spawns at Init.
type NodeCommand struct {
	Name    string
	Command []string
}

type Config struct {
	ID     string
	Layout transport.Layout
	// Master marks the one broker that computes and distributes the start
	// time. Exactly one broker of an experiment runs as master.
	Master bool
	// ExpectedNodes are the local node names awaited at the startup barrier.
	ExpectedNodes []string
	// SpawnNodes are optional node commands started as child processes.
	SpawnNodes []NodeCommand
	Peers      []Peer
	// Duration optionally bounds the Running state; zero means "until
	// killed".
	Duration time.Duration
	// StartDelay is the lead time between computing the start instant and
	// the experiment starting.
	StartDelay time.Duration
	// PollTimeout bounds every state step so kill signals are never starved.
	PollTimeout time.Duration
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("broker id is required")
	}
	if c.StartDelay == 0 {
		c.StartDelay = 2 * time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 5 * time.Second
	}
	roles := map[PeerRole]bool{RoleSubscriber: true, RolePublisher: true}
	for _, peer := range c.Peers {
		if !roles[peer.Role] {
			return errors.Errorf("peer %s: unknown role %q", peer.Name, peer.Role)
		}
		if peer.Role == RoleSubscriber && peer.RemoteEndpoint == "" {
			return errors.Errorf("peer %s: subscriber role requires the peer's relay endpoint", peer.Name)
		}
	}
	return nil
}
