package node

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"

	"github.com/maximyudayev/hermes-sub000/protocol"
)

func TestConsumerKillUnblocksMissingStream(t *testing.T) {
	c, err := NewConsumer(Config{
		Name:         "recorder",
		Topics:       []string{"ghost"},
		PollInterval: time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	// No producer ever serves the subscribed prefix, so no end marker will
	// come. The kill signal must still unblock the consumer.
	dataC := make(chan zmq4.Msg)
	done := make(chan error, 1)
	go func() { done <- c.dispatch(context.Background(), dataC) }()

	close(c.killC)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not unblock on kill")
	}
}

func TestConsumerDrainDeliversBufferedPackets(t *testing.T) {
	var got []protocol.Packet
	c, err := NewConsumer(Config{
		Name:         "recorder",
		Topics:       []string{"imu"},
		PollInterval: 10 * time.Millisecond,
	}, func(p protocol.Packet) { got = append(got, p) }, nil)
	require.NoError(t, err)

	dataC := make(chan zmq4.Msg, 2)
	dataC <- protocol.Packet{Topic: "imu.d0", Payload: []byte("sample")}.Msg()
	dataC <- protocol.EndPacket("imu").Msg()
	close(c.killC)

	require.NoError(t, c.dispatch(context.Background(), dataC))
	require.Len(t, got, 1)
	require.Equal(t, "imu.d0", got[0].Topic)
}
