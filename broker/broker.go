package broker

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/maximyudayev/hermes-sub000/transport"
)

type socketRole int8

const (
	roleFanIn socketRole = iota
	roleFanOut
	roleRelayOut
	roleRelayIn
	roleNodeControl
	rolePeerControl
	rolePeerReply
	roleKill
	roleOperator
)

func (r socketRole) String() string {
	switch r {
	case roleFanIn:
		return "fan_in"
	case roleFanOut:
		return "fan_out"
	case roleRelayOut:
		return "relay_out"
	case roleRelayIn:
		return "relay_in"
	case roleNodeControl:
		return "node_control"
	case rolePeerControl:
		return "peer_control"
	case rolePeerReply:
		return "peer_reply"
	case roleKill:
		return "kill"
	case roleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// event is one message read off a socket, tagged with the socket's role so
// the run loop dispatches on role instead of socket identity.
type event struct {
	role socketRole
	peer string
	msg  zmq4.Msg
	err  error
}

type peerState struct {
	Peer
	synced  bool
	drained bool
	retryAt time.Time
	retrier backoff.BackOff
}

// Broker owns the pub-sub fan-out fabric of one host and the lifecycle state
// machine sequencing the experiment. All mutable state is owned by the single
// run loop goroutine; socket readers only feed the event channel.
type Broker struct {
	config Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	fanIn       zmq4.Socket
	fanOut      zmq4.Socket
	relayOut    zmq4.Socket
	nodeControl zmq4.Socket
	peerControl zmq4.Socket
	killOut     zmq4.Socket
	operator    zmq4.Socket
	peerDialers map[string]zmq4.Socket
	relayIns    map[string]zmq4.Socket
	killIns     map[string]zmq4.Socket

	events  chan event
	done    chan struct{}
	readers sync.WaitGroup

	state State

	// NodeAddress table: local node name -> control-plane identity. Filled
	// during the startup barrier, drained entry by entry at shutdown.
	nodes map[string][]byte
	// BrokeredNodes: topic prefixes with an active subscription. Never
	// shrinks while running.
	brokered map[string]struct{}
	// interest holds the currently subscribed full topics, replayed
	// upstream right before the start barrier releases.
	interest map[string]struct{}
	peers    map[string]*peerState

	processes []*exec.Cmd

	killC    chan struct{}
	killOnce sync.Once
	// killed latches the Kill transition: once past it, further kill
	// signals are ignored.
	killed   bool
	deadline <-chan time.Time

	startAt  time.Time
	endSeen  map[string]bool
	exitSeen map[string]bool

	// post sends a message out a role; overridable so the state machine is
	// testable without sockets.
	post func(role socketRole, target string, msg zmq4.Msg) error
}

func New(config Config, logger *zap.Logger) (*Broker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		config:      config,
		logger:      logger.With(zap.String("broker_id", config.ID)),
		peerDialers: make(map[string]zmq4.Socket),
		relayIns:    make(map[string]zmq4.Socket),
		killIns:     make(map[string]zmq4.Socket),
		events:      make(chan event, 1024),
		done:        make(chan struct{}),
		nodes:       make(map[string][]byte),
		brokered:    make(map[string]struct{}),
		interest:    make(map[string]struct{}),
		peers:       make(map[string]*peerState),
		killC:       make(chan struct{}),
		endSeen:     make(map[string]bool),
		exitSeen:    make(map[string]bool),
	}
	for i := range config.Peers {
		peer := config.Peers[i]
		b.peers[peer.Name] = &peerState{Peer: peer}
	}
	b.post = b.send
	return b, nil
}

// Signal funnels an external kill request (operator signal handler, test
// harness) into the state machine.
func (b *Broker) Signal() {
	b.killOnce.Do(func() {
		close(b.killC)
	})
}

// runInit activates the data-plane fabric and spawns the configured local
// node processes.
func (b *Broker) runInit(ctx context.Context) (State, error) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	if err := b.open(); err != nil {
		return StateInit, err
	}
	for _, node := range b.config.SpawnNodes {
		if len(node.Command) == 0 {
			return StateInit, errors.Errorf("node %s: empty command", node.Name)
		}
		cmd := exec.Command(node.Command[0], node.Command[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return StateInit, errors.Wrapf(err, "unable to spawn node %s", node.Name)
		}
		b.logger.Info("spawned local node",
			zap.String("node_name", node.Name), zap.Int("pid", cmd.Process.Pid))
		b.processes = append(b.processes, cmd)
	}
	return StateSyncNodeBarrier, nil
}

func (b *Broker) open() error {
	layout := b.config.Layout
	sockets := []struct {
		sock *zmq4.Socket
		open func() (zmq4.Socket, error)
		role socketRole
		peer string
	}{
		{&b.fanIn, func() (zmq4.Socket, error) { return transport.BindFanIn(b.ctx, layout.FanInEndpoint()) }, roleFanIn, ""},
		{&b.fanOut, func() (zmq4.Socket, error) { return transport.BindFanOut(b.ctx, layout.FanOutEndpoint()) }, roleFanOut, ""},
		{&b.relayOut, func() (zmq4.Socket, error) { return transport.BindFanOut(b.ctx, layout.RemoteEndpoint()) }, roleRelayOut, ""},
		{&b.nodeControl, func() (zmq4.Socket, error) { return transport.BindControl(b.ctx, layout.NodeControlEndpoint()) }, roleNodeControl, ""},
		{&b.peerControl, func() (zmq4.Socket, error) { return transport.BindControl(b.ctx, layout.PeerControlEndpoint()) }, rolePeerControl, ""},
		{&b.operator, func() (zmq4.Socket, error) { return transport.BindOperator(b.ctx, layout.OperatorEndpoint()) }, roleOperator, ""},
	}
	for _, s := range sockets {
		sock, err := s.open()
		if err != nil {
			return err
		}
		*s.sock = sock
		b.read(sock, s.role, s.peer)
	}

	killOut, err := transport.BindKill(b.ctx, layout.KillEndpoint())
	if err != nil {
		return err
	}
	b.killOut = killOut

	for name, peer := range b.peers {
		dialer, err := transport.DialControl(b.ctx, peer.ControlEndpoint, b.config.ID)
		if err != nil {
			return err
		}
		b.peerDialers[name] = dialer
		b.read(dialer, rolePeerReply, name)

		if peer.KillEndpoint != "" {
			killIn, err := transport.DialKill(b.ctx, peer.KillEndpoint)
			if err != nil {
				return err
			}
			b.killIns[name] = killIn
			b.read(killIn, roleKill, name)
		}
		if peer.Role == RoleSubscriber {
			relayIn, err := transport.DialRemoteFanIn(b.ctx, peer.RemoteEndpoint)
			if err != nil {
				return err
			}
			b.relayIns[name] = relayIn
			b.read(relayIn, roleRelayIn, name)
		}
	}
	return nil
}

// read pumps one socket into the event channel until teardown.
func (b *Broker) read(sock zmq4.Socket, role socketRole, peer string) {
	b.readers.Add(1)
	go func() {
		defer b.readers.Done()
		for {
			msg, err := sock.Recv()
			if err != nil {
				select {
				case <-b.done:
				default:
					b.logger.Debug("socket reader stopped",
						zap.Stringer("socket_role", role), zap.Error(err))
				}
				return
			}
			select {
			case b.events <- event{role: role, peer: peer, msg: msg}:
			case <-b.done:
				return
			}
		}
	}()
}

func (b *Broker) send(role socketRole, target string, msg zmq4.Msg) error {
	var sock zmq4.Socket
	switch role {
	case roleFanIn:
		sock = b.fanIn
	case roleFanOut:
		sock = b.fanOut
	case roleRelayOut:
		sock = b.relayOut
	case roleRelayIn:
		sock = b.relayIns[target]
	case roleNodeControl:
		sock = b.nodeControl
	case rolePeerControl:
		sock = b.peerControl
	case rolePeerReply:
		sock = b.peerDialers[target]
	case roleKill:
		sock = b.killOut
	}
	if sock == nil {
		return errors.Errorf("no socket for role %s target %q", role, target)
	}
	return sock.Send(msg)
}

// poll waits for one event, bounded by the configured timeout.
func (b *Broker) poll() (event, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	case <-b.pollTimeout():
		return event{}, false
	}
}

func (b *Broker) pollTimeout() <-chan time.Time {
	return time.After(b.config.PollTimeout)
}

// runTerminate joins the node subprocesses and closes every socket, in the
// reverse order they were opened.
func (b *Broker) runTerminate() (State, error) {
	for _, cmd := range b.processes {
		if err := cmd.Wait(); err != nil {
			b.logger.Warn("node process exited uncleanly", zap.Error(err))
		}
	}
	b.teardown()
	b.logger.Info("broker terminated")
	return StateDone, nil
}

func (b *Broker) teardown() {
	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	for name, sock := range b.killIns {
		sock.Close()
		delete(b.killIns, name)
	}
	for name, sock := range b.relayIns {
		sock.Close()
		delete(b.relayIns, name)
	}
	for name, sock := range b.peerDialers {
		sock.Close()
		delete(b.peerDialers, name)
	}
	for _, sock := range []zmq4.Socket{b.operator, b.killOut, b.peerControl, b.nodeControl, b.relayOut, b.fanOut, b.fanIn} {
		if sock != nil {
			sock.Close()
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.readers.Wait()
}
