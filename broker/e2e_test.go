package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximyudayev/hermes-sub000/node"
	"github.com/maximyudayev/hermes-sub000/protocol"
	"github.com/maximyudayev/hermes-sub000/transport"
)

// TestEndToEnd runs one master broker with no peers, two finite producers
// and one consumer subscribed to both, through the full lifecycle: every
// payload is delivered, both end markers arrive, and everybody is released
// cleanly.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end to end run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	layout, err := transport.RandomLayout("127.0.0.1")
	require.NoError(t, err)

	b, err := New(Config{
		ID:            "broker-0",
		Master:        true,
		Layout:        layout,
		ExpectedNodes: []string{"alpha", "beta", "sink"},
		StartDelay:    250 * time.Millisecond,
		PollTimeout:   250 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	brokerDone := make(chan error, 1)
	go func() { brokerDone <- b.Run(ctx) }()

	nodeConfig := func(name string) node.Config {
		return node.Config{
			Name:            name,
			FanInEndpoint:   layout.FanInEndpoint(),
			FanOutEndpoint:  layout.FanOutEndpoint(),
			ControlEndpoint: layout.NodeControlEndpoint(),
			KillEndpoint:    layout.KillEndpoint(),
			Devices:         []string{"d0"},
			SamplingPeriod:  10,
			ClockWidth:      32,
			Staleness:       8,
			PollInterval:    2 * time.Millisecond,
		}
	}

	producerDone := make(chan error, 2)
	for _, spec := range []struct {
		name  string
		count int
	}{
		{"alpha", 10},
		{"beta", 5},
	} {
		source := &node.SyntheticSource{
			Devices:    []string{"d0"},
			Count:      spec.count,
			Interval:   2 * time.Millisecond,
			Period:     10,
			ClockWidth: 32,
		}
		producer, err := node.NewProducer(nodeConfig(spec.name), source, nil)
		require.NoError(t, err)
		go func() { producerDone <- producer.Run(ctx) }()
	}

	var mu sync.Mutex
	received := map[string]int{}
	total := 0
	gotAll := make(chan struct{})
	handler := func(p protocol.Packet) {
		mu.Lock()
		defer mu.Unlock()
		received[protocol.Node(p.Topic)]++
		total++
		if total == 15 {
			close(gotAll)
		}
	}

	consumerConfig := nodeConfig("sink")
	consumerConfig.Topics = []string{"alpha", "beta"}
	consumer, err := node.NewConsumer(consumerConfig, handler, nil)
	require.NoError(t, err)
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Run(ctx) }()

	select {
	case <-gotAll:
	case <-ctx.Done():
		mu.Lock()
		t.Fatalf("timed out waiting for payloads, received %v", received)
	}
	b.Signal()

	for i := 0; i < 2; i++ {
		select {
		case err := <-producerDone:
			assert.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("producer never released")
		}
	}
	select {
	case err := <-consumerDone:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("consumer never released")
	}
	select {
	case err := <-brokerDone:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("broker never terminated")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, received["alpha"])
	assert.Equal(t, 5, received["beta"])
	assert.Equal(t, StateDone, b.CurrentState())
}
