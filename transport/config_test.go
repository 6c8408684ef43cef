package transport

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout("192.0.2.1", 5550)
	assert.Equal(t, "tcp://192.0.2.1:5550", l.FanInEndpoint())
	assert.Equal(t, "tcp://192.0.2.1:5551", l.FanOutEndpoint())
	assert.Equal(t, "tcp://192.0.2.1:5556", l.OperatorEndpoint())
}

func TestLayoutFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	config := viper.New()
	RegisterFlags(cmd, config, 5550)
	require.NoError(t, cmd.Flags().Set("fan-in-port", "6000"))

	l := LayoutFromFlags(config)
	assert.Equal(t, "127.0.0.1", l.Host)
	assert.Equal(t, 6000, l.FanIn)
	assert.Equal(t, 5551, l.FanOut)
	assert.Equal(t, 5555, l.Kill)
}

func TestRandomLayout(t *testing.T) {
	l, err := RandomLayout("127.0.0.1")
	require.NoError(t, err)
	ports := map[int]bool{}
	for _, p := range []int{l.FanIn, l.FanOut, l.Remote, l.NodeControl, l.PeerControl, l.Kill, l.Operator} {
		assert.NotZero(t, p)
		ports[p] = true
	}
	assert.Len(t, ports, 7)
}
