package node

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximyudayev/hermes-sub000/protocol"
)

func TestPipelineProcessRelabelsUnderOwnPrefix(t *testing.T) {
	p, err := NewPipeline(Config{Name: "filter", Topics: []string{"imu"}}, nil, nil)
	require.NoError(t, err)

	out, ok := p.process(protocol.Packet{Topic: "imu.d0", Payload: []byte("sample")})
	require.True(t, ok)
	assert.Equal(t, "filter.imu", out.Topic)
	assert.Equal(t, []byte("sample"), out.Payload)
}

func TestPipelineProcessAppliesTransform(t *testing.T) {
	upper := func(in protocol.Packet) ([]byte, bool) {
		return bytes.ToUpper(in.Payload), true
	}
	p, err := NewPipeline(Config{Name: "filter"}, upper, nil)
	require.NoError(t, err)

	out, ok := p.process(protocol.Packet{Topic: "imu.d0", Payload: []byte("sample")})
	require.True(t, ok)
	assert.Equal(t, []byte("SAMPLE"), out.Payload)
}

func TestPipelineProcessDropsOnTransformReject(t *testing.T) {
	reject := func(protocol.Packet) ([]byte, bool) { return nil, false }
	p, err := NewPipeline(Config{Name: "filter"}, reject, nil)
	require.NoError(t, err)

	_, ok := p.process(protocol.Packet{Topic: "imu.d0", Payload: []byte("sample")})
	assert.False(t, ok)
}
