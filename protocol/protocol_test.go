package protocol

import (
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlFrames(t *testing.T) {
	t.Run("router round trip", func(t *testing.T) {
		msg := Direct([]byte("imu-left"), "broker-0", CmdGo)
		frame, err := ParseRouter(msg)
		require.NoError(t, err)
		assert.Equal(t, []byte("imu-left"), frame.ReturnAddress)
		assert.Equal(t, "broker-0", frame.Sender)
		assert.True(t, frame.Is(CmdGo))
	})
	t.Run("dealer round trip", func(t *testing.T) {
		frame, err := ParseDealer(Request("imu-left", CmdExit))
		require.NoError(t, err)
		assert.Equal(t, "imu-left", frame.Sender)
		assert.True(t, frame.Is(CmdExit))
		assert.False(t, frame.Is(CmdHello))
	})
	t.Run("missing delimiter is fatal", func(t *testing.T) {
		_, err := ParseRouter(zmq4.NewMsgFrom([]byte("a"), []byte("x"), []byte("n"), CmdHello))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed")
	})
	t.Run("short frame is fatal", func(t *testing.T) {
		_, err := ParseDealer(zmq4.NewMsg(CmdHello))
		require.Error(t, err)
	})
}

func TestStartTimeCommand(t *testing.T) {
	at := time.Unix(1735689600, 0)
	cmd := StartTimeCommand(at)

	frame := Frame{Command: cmd}
	assert.True(t, frame.Is(CmdStartTime))

	decoded, err := ParseStartTime(cmd)
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), decoded.Unix())

	_, err = ParseStartTime(CmdStartTime)
	assert.Equal(t, ErrMalformedTime, err)
}

func TestPackets(t *testing.T) {
	t.Run("payload", func(t *testing.T) {
		p, err := ParsePacket(Packet{Topic: "insole.pressure", Payload: []byte{1, 2, 3}}.Msg())
		require.NoError(t, err)
		assert.Equal(t, "insole.pressure", p.Topic)
		assert.Equal(t, []byte{1, 2, 3}, p.Payload)
		assert.False(t, p.End)
	})
	t.Run("end marker", func(t *testing.T) {
		p, err := ParsePacket(EndPacket("insole").Msg())
		require.NoError(t, err)
		assert.True(t, p.End)
		assert.Equal(t, "insole", p.Topic)
	})
	t.Run("bogus trailer", func(t *testing.T) {
		_, err := ParsePacket(zmq4.NewMsgFrom([]byte("t"), []byte("p"), []byte("NOPE")))
		require.Error(t, err)
	})
}

func TestTopicNode(t *testing.T) {
	assert.Equal(t, "eye", Node("eye.gaze.left"))
	assert.Equal(t, "eye", Node("eye"))
}

func TestSubscriptionFrames(t *testing.T) {
	sub, ok := ParseSubscription(Subscription{Topic: "imu", Subscribe: true}.Msg())
	require.True(t, ok)
	assert.True(t, sub.Subscribe)
	assert.Equal(t, "imu", sub.Topic)

	unsub, ok := ParseSubscription(Subscription{Topic: "imu"}.Msg())
	require.True(t, ok)
	assert.False(t, unsub.Subscribe)

	_, ok = ParseSubscription(zmq4.NewMsgFrom([]byte("imu"), []byte("x")))
	assert.False(t, ok)
}
