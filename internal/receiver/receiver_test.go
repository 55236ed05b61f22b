package receiver

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
	"reliable-udp/internal/sender"
	"reliable-udp/internal/transport"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testRecorder(role string) *metrics.Recorder {
	return metrics.NewRecorder(prometheus.NewRegistry(), role)
}

// runTransfer wires a sender and a receiver over an in-memory FakeConn
// pair and runs one end-to-end transfer, returning the delivery.
func runTransfer(t *testing.T, cfg config.SenderConfig) Delivery {
	t.Helper()
	senderSide, receiverSide := transport.NewFakePair("sender", "receiver", 64)
	defer senderSide.Close()
	defer receiverSide.Close()

	deliveries := make(chan Delivery, 1)
	recvDone := make(chan error, 1)
	go func() {
		rs := New(receiverSide, testLogger(), testRecorder("receiver"))
		recvDone <- rs.Run(Callbacks{OnDelivery: func(d Delivery) { deliveries <- d }})
	}()

	ss := sender.New(senderSide, transport.FakeAddr("receiver"), testLogger(), testRecorder("sender"), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ss.Run(ctx, sender.Callbacks{}))

	select {
	case d := <-deliveries:
		return d
	case err := <-recvDone:
		t.Fatalf("receiver exited before delivery: %v", err)
		return Delivery{}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestScenarioS1MessageModeNoLoss(t *testing.T) {
	d := runTransfer(t, config.SenderConfig{
		Host: "receiver", Port: 1, Payload: []byte("hello"), FragmentSize: 2,
	})
	assert.True(t, d.Complete)
	assert.Equal(t, "hello", string(d.Message))
}

func TestScenarioS2AutoSizing(t *testing.T) {
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	d := runTransfer(t, config.SenderConfig{
		Host: "receiver", Port: 1, Payload: payload, FragmentSize: 0,
	})
	assert.True(t, d.Complete)
	assert.Equal(t, payload, d.Message)
}

func TestScenarioS3CorruptedFragmentRecovered(t *testing.T) {
	d := runTransfer(t, config.SenderConfig{
		Host: "receiver", Port: 1, Payload: []byte("hello world this is a test payload"),
		FragmentSize: 5, InjectAlter: true,
	})
	assert.True(t, d.Complete)
	assert.Equal(t, "hello world this is a test payload", string(d.Message))
}

func TestScenarioS4MissingFragmentRecovered(t *testing.T) {
	d := runTransfer(t, config.SenderConfig{
		Host: "receiver", Port: 1, Payload: []byte("hello world this is a test payload"),
		FragmentSize: 5, InjectMiss: true,
	})
	assert.True(t, d.Complete)
	assert.Equal(t, "hello world this is a test payload", string(d.Message))
}

func TestScenarioS5FileMode(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	d := runTransfer(t, config.SenderConfig{
		Host: "receiver", Port: 1, Payload: payload, Filename: "data.bin", FragmentSize: 1463,
	})
	assert.True(t, d.Complete)
	assert.Equal(t, "data.bin", d.Filename)
	assert.Equal(t, payload, d.Data)
}

func TestRoundTripAcrossFragmentSizes(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
	for _, size := range []int{0, 1, 17, 1463} {
		size := size
		t.Run("", func(t *testing.T) {
			d := runTransfer(t, config.SenderConfig{
				Host: "receiver", Port: 1, Payload: payload, FragmentSize: size,
			})
			require.True(t, d.Complete)
			assert.Equal(t, string(payload), string(d.Message))
		})
	}
}
