package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Address is one host and port pair of the fabric layout.
type Address interface {
	Port() int
	Host() string
	String() string
}

type address struct {
	port    int
	host    string
	address string
}

func NewAddress(host string, port int) Address {
	return &address{host: host, port: port}
}

func (a *address) String() string {
	if a.address == "" {
		a.address = fmt.Sprintf("%s:%d", a.host, a.port)
	}
	return a.address
}
func (a *address) Host() string {
	return a.host
}
func (a *address) Port() int {
	return a.port
}

// Identity names one party of the experiment fabric and the handshake
// address it answers on.
type Identity interface {
	Name() string
	Handshake() Address
}

type party struct {
	name      string
	handshake Address
}

// New builds an identity. An empty name gets a generated one, so unnamed
// sensor nodes never collide on the control plane.
func New(name string, host string, port int) Identity {
	if name == "" {
		name = fmt.Sprintf("node-%s", uuid.New().String()[0:8])
	}
	return &party{
		name:      name,
		handshake: NewAddress(host, port),
	}
}

func (p *party) Name() string {
	return p.name
}
func (p *party) Handshake() Address {
	return p.handshake
}
