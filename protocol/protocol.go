package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

// Control commands exchanged on the handshake sockets. They never appear on
// the data channel; EndOfStream is the one marker that does.
var (
	CmdHello     = []byte("HELLO")
	CmdAck       = []byte("ACK")
	CmdBye       = []byte("BYE")
	CmdGo        = []byte("GO")
	CmdStartTime = []byte("START_TIME")
	CmdExit      = []byte("EXIT")

	EndOfStream = []byte("END")

	// KillSignal is the broadcast frame that propagates shutdown to local
	// nodes and peer brokers.
	KillSignal = []byte("KILL")
)

var (
	ErrMalformedFrame = errors.New("malformed control frame")
	ErrMalformedTime  = errors.New("malformed start time payload")
)

// Frame is one decoded control message. ReturnAddress is the ROUTER envelope
// identity of the sender and is empty when the frame was read on a DEALER.
type Frame struct {
	ReturnAddress []byte
	Sender        string
	Command       []byte
}

// Is reports whether the frame carries the given command. START_TIME frames
// embed their payload in the command frame, so matching is prefix-based.
func (f Frame) Is(cmd []byte) bool {
	return bytes.HasPrefix(f.Command, cmd)
}

// Request builds a control frame as sent by a DEALER: the ROUTER on the other
// side prepends the sender identity itself.
func Request(sender string, command []byte) zmq4.Msg {
	return zmq4.NewMsgFrom([]byte{}, []byte(sender), command)
}

// Reply builds a control frame addressed back to the party a ROUTER read
// `to` from.
func Reply(to Frame, sender string, command []byte) zmq4.Msg {
	return Direct(to.ReturnAddress, sender, command)
}

// Direct builds a control frame for a ROUTER to a known peer identity.
func Direct(address []byte, sender string, command []byte) zmq4.Msg {
	return zmq4.NewMsgFrom(address, []byte{}, []byte(sender), command)
}

// ParseRouter decodes [return_address, empty, sender, command] as read on a
// ROUTER socket.
func ParseRouter(msg zmq4.Msg) (Frame, error) {
	if len(msg.Frames) != 4 || len(msg.Frames[1]) != 0 {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "router frame count=%d", len(msg.Frames))
	}
	return Frame{
		ReturnAddress: msg.Frames[0],
		Sender:        string(msg.Frames[2]),
		Command:       msg.Frames[3],
	}, nil
}

// ParseDealer decodes [empty, sender, command] as read on a DEALER socket,
// after the ROUTER envelope has been stripped.
func ParseDealer(msg zmq4.Msg) (Frame, error) {
	if len(msg.Frames) != 3 || len(msg.Frames[0]) != 0 {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "dealer frame count=%d", len(msg.Frames))
	}
	return Frame{
		Sender:  string(msg.Frames[1]),
		Command: msg.Frames[2],
	}, nil
}

// StartTimeCommand encodes the agreed start instant as
// START_TIME + 4-byte big-endian epoch seconds.
func StartTimeCommand(t time.Time) []byte {
	buf := make([]byte, len(CmdStartTime)+4)
	copy(buf, CmdStartTime)
	binary.BigEndian.PutUint32(buf[len(CmdStartTime):], uint32(t.Unix()))
	return buf
}

// ParseStartTime extracts the start instant from a START_TIME command frame.
func ParseStartTime(command []byte) (time.Time, error) {
	if !bytes.HasPrefix(command, CmdStartTime) || len(command) != len(CmdStartTime)+4 {
		return time.Time{}, ErrMalformedTime
	}
	secs := binary.BigEndian.Uint32(command[len(CmdStartTime):])
	return time.Unix(int64(secs), 0), nil
}

// Packet is one data-plane message: topic `<node>.<suffix>` plus an opaque
// payload. End marks the last packet a producer will ever publish.
type Packet struct {
	Topic   string
	Payload []byte
	End     bool
}

func (p Packet) Msg() zmq4.Msg {
	if p.End {
		return zmq4.NewMsgFrom([]byte(p.Topic), p.Payload, EndOfStream)
	}
	return zmq4.NewMsgFrom([]byte(p.Topic), p.Payload)
}

// EndPacket builds the end-of-stream marker a producer publishes on its own
// topic prefix once its last sample is out.
func EndPacket(node string) Packet {
	return Packet{Topic: node, Payload: []byte{}, End: true}
}

// ParsePacket decodes [topic, payload] or [topic, payload, END].
func ParsePacket(msg zmq4.Msg) (Packet, error) {
	switch len(msg.Frames) {
	case 2:
		return Packet{Topic: string(msg.Frames[0]), Payload: msg.Frames[1]}, nil
	case 3:
		if !bytes.Equal(msg.Frames[2], EndOfStream) {
			return Packet{}, errors.Wrap(ErrMalformedFrame, "trailing frame is not an end marker")
		}
		return Packet{Topic: string(msg.Frames[0]), Payload: msg.Frames[1], End: true}, nil
	default:
		return Packet{}, errors.Wrapf(ErrMalformedFrame, "data frame count=%d", len(msg.Frames))
	}
}

// Node returns the topic prefix identifying the publishing node.
func Node(topic string) string {
	if idx := strings.IndexByte(topic, '.'); idx >= 0 {
		return topic[:idx]
	}
	return topic
}

// Subscription is one XPUB-side interest frame: 0x01+topic on subscribe,
// 0x00+topic on unsubscribe.
type Subscription struct {
	Topic     string
	Subscribe bool
}

func (s Subscription) Msg() zmq4.Msg {
	flag := byte(0x00)
	if s.Subscribe {
		flag = 0x01
	}
	return zmq4.NewMsg(append([]byte{flag}, s.Topic...))
}

// ParseSubscription decodes an interest frame read off an XPUB socket. The
// second return is false for anything that is not an interest frame.
func ParseSubscription(msg zmq4.Msg) (Subscription, bool) {
	if len(msg.Frames) != 1 || len(msg.Frames[0]) == 0 {
		return Subscription{}, false
	}
	switch msg.Frames[0][0] {
	case 0x00:
		return Subscription{Topic: string(msg.Frames[0][1:])}, true
	case 0x01:
		return Subscription{Topic: string(msg.Frames[0][1:]), Subscribe: true}, true
	default:
		return Subscription{}, false
	}
}
