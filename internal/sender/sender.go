// Package sender implements the sender half of the reliable datagram
// transport: handshake, metadata, batched transmission with
// retransmission on NAK, and keep-alive. Each phase of the state
// machine is a blocking read loop with its own deadline, grounded on
// the teacher's transferOnce/Config/Callbacks shape but carrying the
// protocol semantics of this transport rather than the teacher's REQ/
// META request-response flow.
package sender

import (
	"context"
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

// Callbacks lets the driver observe progress without the state machine
// depending on any particular UI.
type Callbacks struct {
	OnLog      func(string)
	OnProgress func(sent, total int)
	OnDone     func(success bool)
}

func (c Callbacks) log(format string, args ...interface{}) {
	if c.OnLog != nil {
		c.OnLog(fmt.Sprintf(format, args...))
	}
}

// HandshakeTimeoutError reports that no INIT echo arrived within the
// 2-second handshake window. The transfer fails fatally; the driver
// decides whether to start a fresh attempt (spec §9 ambiguity 4: no
// automatic recursive retry here).
type HandshakeTimeoutError struct{}

func (HandshakeTimeoutError) Error() string { return "sender: handshake timed out waiting for INIT echo" }

// Session is one sender-side run of the protocol over an already
// opened socket. Once Run completes a transfer, SendAnother may be
// called any number of times to push further payloads over the same
// handshake — the "send another" continuation flow from
// original_source/app.py's `display_end_menu` ("send data to the same
// server"), which reuses the connected socket rather than repeating
// the handshake.
type Session struct {
	id      string
	conn    transport.PacketConn
	raddr   net.Addr
	log     logrus.FieldLogger
	metrics *metrics.Recorder
	cfg     config.SenderConfig

	handshaken bool
	kaCancel   context.CancelFunc
}

// New builds a Session. cfg.InjectAlter/InjectMiss select the ALTERED
// and MISSING error-injection hooks (spec §4.5); both are fields on
// this session's config, never a package-level toggle. Each Session
// gets a random session ID threaded into every log line, so a single
// receiver's logs can be correlated with the sender that produced them.
func New(conn transport.PacketConn, raddr net.Addr, log logrus.FieldLogger, rec *metrics.Recorder, cfg config.SenderConfig) *Session {
	id := uuid.NewString()
	return &Session{id: id, conn: conn, raddr: raddr, log: log.WithField("session_id", id), metrics: rec, cfg: cfg}
}

// Run drives one complete transfer: Idle -> Handshaking -> Metadata ->
// Transmitting -> Draining, then launches the keep-alive loop and
// returns. The keep-alive goroutine keeps running until ctx is
// cancelled, matching the cancellation-token model of spec §5.
func (s *Session) Run(ctx context.Context, cb Callbacks) error {
	s.log.WithField("dest", s.raddr.String()).Debug("starting handshake")
	cb.log("starting handshake with %s", s.raddr)
	if err := s.handshake(); err != nil {
		if _, ok := err.(HandshakeTimeoutError); ok {
			s.metrics.HandshakeTimeouts.Inc()
		}
		s.log.WithError(err).Warn("handshake failed")
		if cb.OnDone != nil {
			cb.OnDone(false)
		}
		return err
	}
	s.handshaken = true

	return s.transferPayload(ctx, cb)
}

// SendAnother pushes a further payload over a Session that has already
// completed a handshake, skipping straight to Metadata -> Transmitting
// -> Draining without re-sending INIT. It is an error to call this
// before Run has completed a handshake at least once.
func (s *Session) SendAnother(ctx context.Context, payload []byte, filename string, cb Callbacks) error {
	if !s.handshaken {
		return fmt.Errorf("sender: SendAnother called before a successful handshake")
	}
	s.cfg.Payload = payload
	s.cfg.Filename = filename
	s.log.Debug("sending another payload over the existing connection, no re-handshake")
	return s.transferPayload(ctx, cb)
}

// transferPayload runs Metadata -> Transmitting -> Draining for
// whatever payload/filename currently sit in s.cfg, then (re)starts
// the keep-alive loop. Shared by Run (after a fresh handshake) and
// SendAnother (reusing one already established).
func (s *Session) transferPayload(ctx context.Context, cb Callbacks) error {
	// A prior transfer's keep-alive loop (if any) stops here, before the
	// new transfer starts: the new transfer over the same connection
	// supersedes it, and Draining re-arms a fresh 25-second timer of its
	// own.
	if s.kaCancel != nil {
		s.kaCancel()
		s.kaCancel = nil
	}

	fragments, fragSize := fragmentPayload(s.cfg.Payload, s.cfg.FragmentSize)
	totalN := uint16(len(fragments))
	s.log.WithField("fragments", totalN).WithField("fragment_size", fragSize).Debug("fragmented payload")
	cb.log("fragmented %d bytes into %d fragments of size %d", len(s.cfg.Payload), totalN, fragSize)

	if err := s.sendMetadata(totalN); err != nil {
		if cb.OnDone != nil {
			cb.OnDone(false)
		}
		return err
	}

	if err := s.transmit(fragments, totalN, fragSize, cb); err != nil {
		s.log.WithError(err).Warn("transmission failed")
		if cb.OnDone != nil {
			cb.OnDone(false)
		}
		return err
	}

	kaCtx, cancel := context.WithCancel(ctx)
	s.kaCancel = cancel

	s.log.Info("transfer delivered; entering keep-alive")
	go s.runKeepAlive(kaCtx, cb)
	if cb.OnDone != nil {
		cb.OnDone(true)
	}
	return nil
}

// handshake sends INIT and blocks up to 2 seconds for any datagram
// whose first byte is the INIT type. No retry on timeout (spec §9
// ambiguity 4 fixes the source's recursive re-entry into a single
// fatal failure reported to the caller).
func (s *Session) handshake() error {
	if _, err := s.conn.WriteTo(protocol.EncodeControl(protocol.TypeInit), s.raddr); err != nil {
		return fmt.Errorf("sender: sending INIT: %w", err)
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(config.DefaultHandshakeTimeout)); err != nil {
		return fmt.Errorf("sender: arming handshake timer: %w", err)
	}
	buf := make([]byte, protocol.HeaderSize)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				return HandshakeTimeoutError{}
			}
			return fmt.Errorf("sender: reading INIT echo: %w", err)
		}
		if n >= 1 && protocol.FragmentType(buf[0]) == protocol.TypeInit {
			return nil
		}
		// Anything else arriving before the echo is stale noise; keep
		// waiting until the 2-second deadline fires.
	}
}

// sendMetadata emits the METADATA fragment describing the transfer:
// message mode when Filename is empty, file mode otherwise.
func (s *Session) sendMetadata(totalN uint16) error {
	frag := protocol.EncodeMeta(totalN, s.cfg.Filename)
	if _, err := s.conn.WriteTo(frag, s.raddr); err != nil {
		return fmt.Errorf("sender: sending METADATA: %w", err)
	}
	return nil
}

// fragmentPayload applies the fragmentation policy from spec §4.2: a
// requested size of 0 means auto-size to min(L, MaxPayload); otherwise
// the request is clamped to the payload length. The final fragment may
// be shorter than the rest.
func fragmentPayload(payload []byte, requested int) (fragments [][]byte, fragmentSize int) {
	l := len(payload)
	size := requested
	if size == 0 {
		size = l
		if size > protocol.MaxPayload {
			size = protocol.MaxPayload
		}
	} else if size > l {
		size = l
	}
	if size == 0 {
		size = 1 // degenerate empty-payload case still yields one fragment slot
	}
	n := (l + size - 1) / size
	if n == 0 {
		n = 1
	}
	fragments = make([][]byte, 0, n)
	for i := 0; i < l; i += size {
		end := i + size
		if end > l {
			end = l
		}
		fragments = append(fragments, payload[i:end])
	}
	if len(fragments) == 0 {
		fragments = append(fragments, nil)
	}
	return fragments, size
}

// transmit runs the batched selective-repeat loop: dequeue up to 10
// pending indices, send each (applying error injection), then block
// for the batch's single ACK/NAK and requeue NAK-ed indices behind
// whatever is still fresh-pending.
func (s *Session) transmit(fragments [][]byte, totalN uint16, fragSize int, cb Callbacks) error {
	pending := make([]uint16, len(fragments))
	for i := range pending {
		pending[i] = uint16(i)
	}

	alterRemaining := 0
	if s.cfg.InjectAlter {
		alterRemaining = 10
	}
	missPending := s.cfg.InjectMiss
	// attempted tracks which indices have already gone out at least
	// once. ALTERED only mutates a fragment's first transmission
	// attempt: re-corrupting a NAK-triggered retransmission would
	// make recovery impossible, contradicting spec scenario S3's
	// guarantee that a retransmitted fragment is accepted.
	attempted := make(map[uint16]bool, len(fragments))

	sent := 0
	for len(pending) > 0 {
		batchLen := len(pending)
		if batchLen > config.BatchSize {
			batchLen = config.BatchSize
		}
		batch := pending[:batchLen]
		pending = pending[batchLen:]

		for pos, idx := range batch {
			payload := append([]byte(nil), fragments[idx]...)
			fresh := !attempted[idx]
			attempted[idx] = true
			if fresh && alterRemaining > 0 && pos%2 == 0 {
				mutateFirstByte(payload)
				alterRemaining--
			}
			frag := protocol.EncodeData(totalN, idx, uint16(fragSize), payload)

			if missPending {
				missPending = false
				cb.log("MISSING injection: skipping transmission of fragment %d", idx)
				continue
			}
			if _, err := s.conn.WriteTo(frag, s.raddr); err != nil {
				return fmt.Errorf("sender: sending fragment %d: %w", idx, err)
			}
			s.metrics.FragmentsSent.Inc()
			sent++
		}
		if cb.OnProgress != nil {
			cb.OnProgress(sent, len(fragments))
		}

		acked, missing, err := s.awaitBatchResult()
		if err != nil {
			return err
		}
		if acked {
			s.metrics.BatchesAcked.Inc()
			continue
		}
		s.metrics.BatchesNaked.Inc()
		s.metrics.Retransmissions.Add(float64(len(missing)))
		cb.log("NAK received for %d fragments: %v", len(missing), missing)
		pending = append(pending, missing...)
	}
	return nil
}

// mutateFirstByte applies the ALTERED injection's "increment; decrement
// on overflow" rule to payload's first byte.
func mutateFirstByte(payload []byte) {
	if len(payload) == 0 {
		return
	}
	if payload[0] == 0xFF {
		payload[0]--
	} else {
		payload[0]++
	}
}

// awaitBatchResult blocks for the destination's single ACK or NAK
// datagram for the most recently sent batch, per spec §4.2 step 2.
func (s *Session) awaitBatchResult() (acked bool, missing []uint16, err error) {
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return false, nil, fmt.Errorf("sender: clearing read deadline: %w", err)
	}
	buf := make([]byte, protocol.HeaderSize+2*config.BatchSize)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return false, nil, fmt.Errorf("sender: awaiting batch result: %w", err)
		}
		f, perr := protocol.Parse(buf[:n])
		if perr != nil {
			continue // malformed datagram, keep waiting
		}
		switch f.Type {
		case protocol.TypeAck:
			return true, nil, nil
		case protocol.TypeNak:
			idx, derr := protocol.DecodeNak(f)
			if derr != nil {
				continue
			}
			return false, idx, nil
		default:
			continue
		}
	}
}

// runKeepAlive emits a KEEPALIVE fragment every 25 seconds until ctx
// is cancelled, the post-draining cancellation token from spec §5.
func (s *Session) runKeepAlive(ctx context.Context, cb Callbacks) {
	ticker := time.NewTicker(config.DefaultKeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.conn.WriteTo(protocol.EncodeControl(protocol.TypeKeepAlive), s.raddr); err != nil {
				cb.log("keep-alive send failed: %v", err)
				return
			}
			s.metrics.KeepAlivesSent.Inc()
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
