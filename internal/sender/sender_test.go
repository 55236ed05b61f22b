package sender

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliable-udp/internal/config"
	"reliable-udp/internal/metrics"
	"reliable-udp/internal/protocol"
	"reliable-udp/internal/transport"
)

func testRecorder() *metrics.Recorder {
	return metrics.NewRecorder(prometheus.NewRegistry(), "test-sender")
}

func TestFragmentPayloadAutoSize(t *testing.T) {
	payload := make([]byte, 3000)
	frags, size := fragmentPayload(payload, 0)
	assert.Equal(t, protocol.MaxPayload, size)
	require.Len(t, frags, 3)
	assert.Len(t, frags[0], 1463)
	assert.Len(t, frags[1], 1463)
	assert.Len(t, frags[2], 74)
}

func TestFragmentPayloadMessageMode(t *testing.T) {
	frags, size := fragmentPayload([]byte("hello"), 2)
	assert.Equal(t, 2, size)
	require.Len(t, frags, 3)
	assert.Equal(t, "he", string(frags[0]))
	assert.Equal(t, "ll", string(frags[1]))
	assert.Equal(t, "o", string(frags[2]))
}

func TestFragmentPayloadClampsOversizedRequest(t *testing.T) {
	frags, size := fragmentPayload([]byte("abc"), 1463)
	assert.Equal(t, 3, size)
	require.Len(t, frags, 1)
}

func TestMutateFirstByteIncrementsAndOverflows(t *testing.T) {
	p := []byte{0x01}
	mutateFirstByte(p)
	assert.Equal(t, byte(0x02), p[0])

	p = []byte{0xFF}
	mutateFirstByte(p)
	assert.Equal(t, byte(0xFE), p[0])
}

func TestHandshakeTimesOutWithoutEcho(t *testing.T) {
	a, b := transport.NewFakePair("sender", "black-hole", 4)
	defer a.Close()
	defer b.Close()

	sess := New(a, transport.FakeAddr("black-hole"), logrus.New(), testRecorder(), config.SenderConfig{
		Host: "black-hole", Port: 1, Payload: []byte("x"),
	})

	start := time.Now()
	err := sess.handshake()
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.IsType(t, HandshakeTimeoutError{}, err)
	assert.GreaterOrEqual(t, elapsed, config.DefaultHandshakeTimeout)
}

// fakeReceiver drains whatever the sender writes to peer and drives a
// scripted sequence of responses, simulating just enough receiver
// behaviour to exercise the sender's state machine in isolation.
func fakeReceiver(t *testing.T, conn *transport.FakeConn, respond func(f protocol.Fragment) (reply []byte, stop bool)) {
	t.Helper()
	buf := make([]byte, 8192)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		f, err := protocol.Parse(buf[:n])
		if err != nil {
			continue
		}
		reply, stop := respond(f)
		if reply != nil {
			_, _ = conn.WriteTo(reply, nil)
		}
		if stop {
			return
		}
	}
}

func TestRunHappyPathSingleBatch(t *testing.T) {
	senderSide, receiverSide := transport.NewFakePair("sender", "receiver", 16)
	defer senderSide.Close()
	defer receiverSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sawInit := false
		sawMeta := false
		dataCount := 0
		fakeReceiver(t, receiverSide, func(f protocol.Fragment) ([]byte, bool) {
			switch {
			case !sawInit && f.Type == protocol.TypeInit:
				sawInit = true
				return protocol.EncodeControl(protocol.TypeInit), false
			case sawInit && !sawMeta && f.Type == protocol.TypeData:
				sawMeta = true
				return nil, false
			case f.Type == protocol.TypeData:
				dataCount++
				if dataCount == 3 {
					return protocol.EncodeControl(protocol.TypeAck), true
				}
				return nil, false
			}
			return nil, false
		})
	}()

	sess := New(senderSide, transport.FakeAddr("receiver"), logrus.New(), testRecorder(), config.SenderConfig{
		Host: "receiver", Port: 1, Payload: []byte("hello"), FragmentSize: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var doneOK bool
	err := sess.Run(ctx, Callbacks{OnDone: func(ok bool) { doneOK = ok }})
	require.NoError(t, err)
	assert.True(t, doneOK)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fake receiver never completed")
	}
}

func TestSendAnotherBeforeHandshakeErrors(t *testing.T) {
	a, b := transport.NewFakePair("sender", "receiver", 4)
	defer a.Close()
	defer b.Close()

	sess := New(a, transport.FakeAddr("receiver"), logrus.New(), testRecorder(), config.SenderConfig{
		Host: "receiver", Port: 1,
	})
	err := sess.SendAnother(context.Background(), []byte("x"), "", Callbacks{})
	assert.Error(t, err)
}

func TestSendAnotherReusesHandshake(t *testing.T) {
	senderSide, receiverSide := transport.NewFakePair("sender", "receiver", 16)
	defer senderSide.Close()
	defer receiverSide.Close()

	var initCount int
	transferN := 0 // which transfer's METADATA/DATA phase is in flight
	go fakeReceiver(t, receiverSide, func(f protocol.Fragment) ([]byte, bool) {
		switch f.Type {
		case protocol.TypeInit:
			initCount++
			return protocol.EncodeControl(protocol.TypeInit), false
		case protocol.TypeData:
			transferN++
			// Each transfer here is a single fragment: the first TypeData
			// seen per transfer is METADATA, the second is the fragment
			// itself, which this fake ACKs immediately.
			if transferN%2 == 1 {
				return nil, false // METADATA, no reply expected
			}
			return protocol.EncodeControl(protocol.TypeAck), false
		}
		return nil, false
	})

	sess := New(senderSide, transport.FakeAddr("receiver"), logrus.New(), testRecorder(), config.SenderConfig{
		Host: "receiver", Port: 1, Payload: []byte("hi"), FragmentSize: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sess.Run(ctx, Callbacks{}))
	assert.True(t, sess.handshaken)
	firstCancel := sess.kaCancel
	require.NotNil(t, firstCancel)

	require.NoError(t, sess.SendAnother(ctx, []byte("ok"), "", Callbacks{}))

	assert.Equal(t, 1, initCount, "SendAnother must not trigger a second INIT handshake")
	require.NotNil(t, sess.kaCancel)
}

func TestRunRetransmitsOnNak(t *testing.T) {
	senderSide, receiverSide := transport.NewFakePair("sender", "receiver", 16)
	defer senderSide.Close()
	defer receiverSide.Close()

	sawInit := false
	sawMeta := false
	dataSeen := 0
	go fakeReceiver(t, receiverSide, func(f protocol.Fragment) ([]byte, bool) {
		switch {
		case !sawInit && f.Type == protocol.TypeInit:
			sawInit = true
			return protocol.EncodeControl(protocol.TypeInit), false
		case sawInit && !sawMeta && f.Type == protocol.TypeData:
			sawMeta = true
			return nil, false
		case f.Type == protocol.TypeData:
			dataSeen++
			if dataSeen == 1 {
				return protocol.EncodeNak([]uint16{0}), false
			}
			return protocol.EncodeControl(protocol.TypeAck), true
		}
		return nil, false
	})

	sess := New(senderSide, transport.FakeAddr("receiver"), logrus.New(), testRecorder(), config.SenderConfig{
		Host: "receiver", Port: 1, Payload: []byte("hi"), FragmentSize: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := sess.Run(ctx, Callbacks{})
	require.NoError(t, err)
}
