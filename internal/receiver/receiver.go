// Package receiver implements the receiver half of the reliable
// datagram transport: handshake echo, metadata intake, batch
// accumulation with CRC validation, NAK/ACK emission, reassembly and
// post-delivery keep-alive tracking. Grounded on the teacher's
// serverudp.go request/dispatch loop shape, carrying this transport's
// batch/NAK semantics instead of the teacher's single-file REQ/NACK
// protocol.
package receiver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reliable-udp/internal/config"
	"reliable-udp/internal/metrics"
	"reliable-udp/internal/protocol"
	"reliable-udp/internal/transport"
)

// Delivery is one fully reassembled transfer handed to the driver.
type Delivery struct {
	Message  []byte // non-nil in message mode
	Filename string // non-empty in file mode
	Data     []byte // reassembled bytes (file mode)
	Complete bool   // false if reassembly hit a gap (spec §4.3 "silent best-effort")
}

// Callbacks lets the driver observe a session's progress.
type Callbacks struct {
	OnLog      func(string)
	OnDelivery func(Delivery)
}

func (c Callbacks) log(format string, args ...interface{}) {
	if c.OnLog != nil {
		c.OnLog(fmt.Sprintf(format, args...))
	}
}

// IdleTimeoutError reports that the post-delivery 30-second idle timer
// expired without a keep-alive or new METADATA fragment (spec §4.3
// "Post-delivery", §7 "Idle timeout (terminal)").
type IdleTimeoutError struct{}

func (IdleTimeoutError) Error() string { return "receiver: idle timeout, no activity from peer" }

// phase is the receiver's position in the Listening -> HandshakeSeen ->
// MetadataAwaited -> Receiving -> Delivered -> KeepAlive -> Listening
// cycle (spec §4.3).
type phase int

const (
	phaseListening phase = iota
	phaseHandshakeSeen
	phaseMetadataAwaited
	phaseReceiving
	phaseDelivered
	phaseKeepAlive
)

// reception holds the per-transfer accumulation state (spec §3
// "Reception (receiver-side session)").
type reception struct {
	totalN       uint16
	fragmentSize uint16
	filename     string
	received     map[uint16][]byte

	counter      uint16 // fragments in the current batch buffer
	totalCounter uint16 // fragments attempted this session
	batchOrders  []uint16
	failed       []uint16

	pendingFragments []protocol.Fragment // buffered fragments awaiting boundary validation
}

func newReception(totalN uint16, filename string) *reception {
	return &reception{
		totalN:   totalN,
		filename: filename,
		received: make(map[uint16][]byte),
	}
}

// Session drives one receiver-side run over a bound socket, looping
// across transfers until an idle timeout or a fatal I/O error ends it.
type Session struct {
	id      string
	conn    transport.PacketConn
	log     logrus.FieldLogger
	metrics *metrics.Recorder

	peer net.Addr
	rec  *reception
}

// New builds a receiver Session bound to conn. The peer address is
// learned from the first inbound INIT, so it starts nil. Each Session gets a
// random session ID threaded into every log line, correlating a run's
// log output with whichever sender it ends up talking to.
func New(conn transport.PacketConn, log logrus.FieldLogger, rec *metrics.Recorder) *Session {
	id := uuid.NewString()
	return &Session{id: id, conn: conn, log: log.WithField("session_id", id), metrics: rec}
}

// Run drives the state machine from Listening through the first
// delivery into KeepAlive; each further METADATA then re-enters
// Receiving directly (Listening is not revisited), until a fatal error
// or an idle timeout ends the session.
func (s *Session) Run(cb Callbacks) error {
	state := phaseListening
	buf := make([]byte, protocol.HeaderSize+protocol.MaxPayload+protocol.CRCSize)

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("receiver: clearing read deadline: %w", err)
	}

	for {
		switch state {
		case phaseListening:
			if err := s.awaitHandshake(buf); err != nil {
				return err
			}
			s.log.WithField("peer", s.peer.String()).Debug("handshake echoed")
			cb.log("handshake echoed to %s", s.peer)
			state = phaseMetadataAwaited

		case phaseMetadataAwaited:
			if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
				return fmt.Errorf("receiver: clearing read deadline: %w", err)
			}
			if err := s.awaitMetadata(buf, cb); err != nil {
				return err
			}
			state = phaseReceiving

		case phaseReceiving:
			done, err := s.receiveBatches(buf, cb)
			if err != nil {
				return err
			}
			if done {
				state = phaseDelivered
			}

		case phaseDelivered:
			s.deliver(cb)
			state = phaseKeepAlive

		case phaseKeepAlive:
			next, err := s.awaitKeepAliveOrRestart(buf, cb)
			if err != nil {
				return err
			}
			state = next
		}
	}
}

// awaitHandshake blocks for the first inbound INIT datagram and echoes
// it back verbatim (spec §4.3 "Handshake").
func (s *Session) awaitHandshake(buf []byte) error {
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("receiver: awaiting handshake: %w", err)
		}
		if n >= 1 && protocol.FragmentType(buf[0]) == protocol.TypeInit {
			s.peer = addr
			if _, err := s.conn.WriteTo(append([]byte(nil), buf[:n]...), addr); err != nil {
				return fmt.Errorf("receiver: echoing INIT: %w", err)
			}
			return nil
		}
		// Anything else before the first INIT is ignored.
	}
}

// awaitMetadata blocks for the METADATA fragment that opens (or
// re-opens, per spec §4.3 "Post-delivery") a transfer.
func (s *Session) awaitMetadata(buf []byte, cb Callbacks) error {
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("receiver: awaiting METADATA: %w", err)
		}
		f, perr := protocol.Parse(buf[:n])
		if perr != nil {
			continue
		}
		if f.Type != protocol.TypeData {
			continue
		}
		totalN, filename, derr := protocol.DecodeMeta(f)
		if derr != nil {
			continue
		}
		s.rec = newReception(totalN, filename)
		mode := "message"
		if filename != "" {
			mode = "file"
		}
		cb.log("METADATA received: %s mode, %d fragments, filename=%q", mode, totalN, filename)
		return nil
	}
}

// receiveBatches runs the 1-second inter-fragment timer loop,
// accumulating fragments into the batch buffer and validating at each
// boundary, until totalCounter reaches totalN.
func (s *Session) receiveBatches(buf []byte, cb Callbacks) (done bool, err error) {
	r := s.rec
	if err := s.conn.SetReadDeadline(time.Now().Add(config.DefaultInterFragTimeout)); err != nil {
		return false, fmt.Errorf("receiver: arming inter-fragment timer: %w", err)
	}

	n, _, err := s.conn.ReadFrom(buf)
	if err != nil {
		if isTimeout(err) {
			s.onBatchTimeout(cb)
			return false, nil
		}
		return false, fmt.Errorf("receiver: receiving fragment: %w", err)
	}

	f, perr := protocol.Parse(buf[:n])
	if perr != nil {
		// Malformed header: discarded, treated as a missing index
		// (spec §7) — simply does not advance the counters.
		return false, nil
	}
	if f.Type != protocol.TypeData {
		// Stray control fragment mid-transfer; ignore.
		return false, nil
	}

	if r.fragmentSize == 0 {
		r.fragmentSize = f.DataLength
	}
	r.counter++
	r.totalCounter++
	r.batchOrders = append(r.batchOrders, f.Order)
	// Defensive copy: buf is reused by the next ReadFrom.
	tail := append([]byte(nil), f.Tail...)
	f.Tail = tail
	r.pendingFragments = append(r.pendingFragments, f)

	if r.counter == config.BatchSize || r.totalCounter == r.totalN {
		s.validateBatch(cb)
	}

	return r.totalCounter == r.totalN && len(r.failed) == 0 && r.counter == 0, nil
}

// onBatchTimeout handles a missed batch deadline (spec §4.3 "Timeout
// handling"): synthesize a NAK for the indices still outstanding,
// bounded per spec §9 ambiguity 1, then rewind to retry the batch.
func (s *Session) onBatchTimeout(cb Callbacks) {
	r := s.rec
	remaining := r.totalN - (r.totalCounter - r.counter)
	n := remaining
	if n > config.BatchSize {
		n = config.BatchSize
	}
	start := r.totalCounter - r.counter
	missing := make([]uint16, 0, n)
	for i := uint16(0); i < n; i++ {
		missing = append(missing, start+i)
	}

	cb.log("inter-fragment timeout; synthesizing NAK for %v", missing)
	s.metrics.BatchesNaked.Inc()
	_, _ = s.conn.WriteTo(protocol.EncodeNak(missing), s.peer)

	r.totalCounter -= r.counter
	r.counter = 0
	r.batchOrders = r.batchOrders[:0]
	r.pendingFragments = nil
}

// validateBatch runs spec §4.3's "Batch validation (at boundary)":
// CRC-check every buffered fragment, insert valid ones into the
// index-keyed map, and emit a single ACK or NAK for the whole batch.
func (s *Session) validateBatch(cb Callbacks) {
	r := s.rec
	r.failed = r.failed[:0]

	for _, f := range r.pendingFragments {
		payload, order, valid, err := protocol.DecodeData(f)
		if err != nil || !valid {
			r.totalCounter--
			r.failed = append(r.failed, f.Order)
			s.metrics.CRCFailures.Inc()
			continue
		}
		r.received[order] = payload
		s.metrics.FragmentsReceived.Inc()
	}

	if len(r.failed) == 0 {
		_, _ = s.conn.WriteTo(protocol.EncodeControl(protocol.TypeAck), s.peer)
		s.metrics.BatchesAcked.Inc()
	} else {
		cb.log("batch failed CRC for %v", r.failed)
		_, _ = s.conn.WriteTo(protocol.EncodeNak(r.failed), s.peer)
		s.metrics.BatchesNaked.Inc()
	}

	r.counter = 0
	r.batchOrders = r.batchOrders[:0]
	r.pendingFragments = nil
}

// deliver reassembles the payload from the index-keyed map (spec §4.3
// "Completion"): a gap silently truncates the output.
func (s *Session) deliver(cb Callbacks) {
	r := s.rec
	out := make([]byte, 0, int(r.totalN)*int(r.fragmentSize))
	complete := true
	for i := uint16(0); i < r.totalN; i++ {
		chunk, ok := r.received[i]
		if !ok {
			complete = false
			break
		}
		out = append(out, chunk...)
	}

	d := Delivery{Complete: complete}
	if r.filename == "" {
		d.Message = out
	} else {
		d.Filename = r.filename
		d.Data = out
	}
	s.log.WithField("complete", complete).WithField("bytes", len(out)).Info("reassembly finished")
	cb.log("delivery complete=%v bytes=%d filename=%q", complete, len(out), r.filename)
	if cb.OnDelivery != nil {
		cb.OnDelivery(d)
	}
}

// awaitKeepAliveOrRestart arms the 30-second post-delivery idle timer
// (spec §4.3 "Post-delivery"). A KEEPALIVE resets it; a fresh METADATA
// cycles the session back into MetadataAwaited without a new handshake
// (the original app.py reuses the connection the same way).
func (s *Session) awaitKeepAliveOrRestart(buf []byte, cb Callbacks) (phase, error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(config.DefaultIdleTimeout)); err != nil {
			return phaseKeepAlive, fmt.Errorf("receiver: arming idle timer: %w", err)
		}
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				s.metrics.IdleTimeouts.Inc()
				return phaseKeepAlive, IdleTimeoutError{}
			}
			return phaseKeepAlive, fmt.Errorf("receiver: awaiting keep-alive: %w", err)
		}
		f, perr := protocol.Parse(buf[:n])
		if perr != nil {
			continue
		}
		switch f.Type {
		case protocol.TypeKeepAlive:
			s.metrics.KeepAlivesSeen.Inc()
			continue
		case protocol.TypeData:
			totalN, filename, derr := protocol.DecodeMeta(f)
			if derr != nil {
				continue
			}
			s.rec = newReception(totalN, filename)
			cb.log("new METADATA received during keep-alive; restarting reception")
			return phaseReceiving, nil
		default:
			continue
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
