package transport

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maximyudayev/hermes-sub000/identity"
)

// Layout is the wire topology of one host: every endpoint role mapped to a
// port on a single bind address.
type Layout struct {
	Host        string
	FanIn       int
	FanOut      int
	Remote      int
	NodeControl int
	PeerControl int
	Kill        int
	Operator    int
}

// DefaultLayout lays the endpoint roles out on a contiguous port block.
func DefaultLayout(host string, base int) Layout {
	return Layout{
		Host:        host,
		FanIn:       base,
		FanOut:      base + 1,
		Remote:      base + 2,
		NodeControl: base + 3,
		PeerControl: base + 4,
		Kill:        base + 5,
		Operator:    base + 6,
	}
}

func (l Layout) endpoint(port int) string {
	return fmt.Sprintf("tcp://%s", identity.NewAddress(l.Host, port).String())
}

func (l Layout) FanInEndpoint() string       { return l.endpoint(l.FanIn) }
func (l Layout) FanOutEndpoint() string      { return l.endpoint(l.FanOut) }
func (l Layout) RemoteEndpoint() string      { return l.endpoint(l.Remote) }
func (l Layout) NodeControlEndpoint() string { return l.endpoint(l.NodeControl) }
func (l Layout) PeerControlEndpoint() string { return l.endpoint(l.PeerControl) }
func (l Layout) KillEndpoint() string        { return l.endpoint(l.Kill) }
func (l Layout) OperatorEndpoint() string    { return l.endpoint(l.Operator) }

func portFlagName(role string) string    { return fmt.Sprintf("%s-port", role) }
func hostFlagName() string               { return "bind-address" }
func roleDescription(role string) string { return fmt.Sprintf("Bind the %s endpoint on this port", role) }

// RegisterFlags declares the endpoint flags of one host layout.
func RegisterFlags(cmd *cobra.Command, config *viper.Viper, base int) {
	cmd.Flags().StringP(hostFlagName(), "", "127.0.0.1", "Bind every endpoint on this address")
	config.BindPFlag(hostFlagName(), cmd.Flags().Lookup(hostFlagName()))

	defaults := DefaultLayout("", base)
	for role, port := range map[string]int{
		"fan-in":       defaults.FanIn,
		"fan-out":      defaults.FanOut,
		"remote":       defaults.Remote,
		"node-control": defaults.NodeControl,
		"peer-control": defaults.PeerControl,
		"kill":         defaults.Kill,
		"operator":     defaults.Operator,
	} {
		name := portFlagName(role)
		cmd.Flags().IntP(name, "", port, roleDescription(role))
		config.BindPFlag(name, cmd.Flags().Lookup(name))
	}
}

// LayoutFromFlags resolves the registered endpoint flags.
func LayoutFromFlags(config *viper.Viper) Layout {
	return Layout{
		Host:        config.GetString(hostFlagName()),
		FanIn:       config.GetInt(portFlagName("fan-in")),
		FanOut:      config.GetInt(portFlagName("fan-out")),
		Remote:      config.GetInt(portFlagName("remote")),
		NodeControl: config.GetInt(portFlagName("node-control")),
		PeerControl: config.GetInt(portFlagName("peer-control")),
		Kill:        config.GetInt(portFlagName("kill")),
		Operator:    config.GetInt(portFlagName("operator")),
	}
}

// RandomFreePort asks the kernel for an unused port, for tests and unnamed
// layouts.
func RandomFreePort(host string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// RandomLayout binds a full endpoint layout on kernel-chosen free ports.
func RandomLayout(host string) (Layout, error) {
	l := Layout{Host: host}
	for _, port := range []*int{&l.FanIn, &l.FanOut, &l.Remote, &l.NodeControl, &l.PeerControl, &l.Kill, &l.Operator} {
		p, err := RandomFreePort(host)
		if err != nil {
			return Layout{}, err
		}
		*port = p
	}
	return l, nil
}
