package node

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshworks/overmesh/src/config"
	"github.com/meshworks/overmesh/src/graph"
	"github.com/meshworks/overmesh/src/peers"
	"github.com/meshworks/overmesh/src/wire"
)

type dialFunc func(addr string, timeout time.Duration) (net.Conn, error)

// probe is one outstanding heartbeat. The timer fires the nonce into
// the session's timeout channel unless it is stopped by the matching
// response or by session teardown.
type probe struct {
	sentAt time.Time
	timer  *time.Timer
}

// session drives one TCP connection: handshake, steady-state
// heartbeats and gossip forwarding, then shutdown. It owns the socket
// exclusively; the controller only holds the command channel.
//
// The main loop is the sole mutator of session state. The read loop
// converts inbound frames into deliveries on msgCh, heartbeat timers
// deliver on timeoutCh, and the controller delivers on cmdCh; the main
// loop selects across all of them.
type session struct {
	id        peers.PeerID
	direction peers.Direction
	identity  peers.NodeInfo
	conf      *config.Config
	logger    *logrus.Entry

	// conn is adopted at spawn for inbound sessions; outbound
	// sessions dial remoteAddr first. connMu covers the race between
	// adoption and a controller-initiated abort.
	connMu     sync.Mutex
	conn       net.Conn
	aborted    bool
	remoteAddr string
	attempt    int
	dial       dialFunc

	cmdCh chan command
	evtCh chan<- event

	framed *wire.Framed
	state  peers.PeerState
	remote peers.NodeInfo

	nonce   uint64
	pending map[uint64]*probe

	msgCh     chan wire.Message
	readErrCh chan error
	timeoutCh chan uint64
	doneCh    chan struct{}

	hbTick *time.Ticker
	tickC  <-chan time.Time
	hsC    <-chan time.Time
}

func (s *session) run() {
	if s.direction == peers.Outbound {
		s.logger.WithFields(logrus.Fields{
			"addr":    s.remoteAddr,
			"attempt": s.attempt,
		}).Debug("Dialing")

		conn, err := s.dial(s.remoteAddr, s.conf.DialTimeout)
		if err != nil {
			s.state = peers.Closed
			s.emit(peerFailed{id: s.id, reason: fmt.Sprintf("dial %s: %v", s.remoteAddr, err)})
			return
		}
		if !s.adopt(conn) {
			// the controller aborted us while the dial was in flight
			s.state = peers.Closed
			return
		}
	}

	s.framed = wire.NewFramed(s.conn)
	s.state = peers.Handshaking

	if err := s.write(&wire.Handshake{Version: wire.ProtocolVersion, Node: s.identity}); err != nil {
		s.fail(fmt.Sprintf("sending handshake: %v", err))
		return
	}

	go s.readLoop()

	hsTimer := time.NewTimer(s.conf.HandshakeTimeout)
	defer hsTimer.Stop()
	s.hsC = hsTimer.C

	for s.state != peers.Closed {
		select {
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		case msg := <-s.msgCh:
			s.handleMessage(msg, hsTimer)
		case err := <-s.readErrCh:
			s.fail(fmt.Sprintf("read: %v", err))
		case <-s.hsC:
			s.fail("handshake timeout")
		case <-s.tickC:
			s.sendHeartbeat()
		case nonce := <-s.timeoutCh:
			// A stopped timer may already have fired; the nonce only
			// counts while its probe is still outstanding.
			if _, ok := s.pending[nonce]; ok {
				s.fail("heartbeat")
			}
		}
	}
}

// readLoop feeds inbound frames to the main loop. Unknown message
// kinds are logged and dropped; anything else fatal surfaces once on
// readErrCh.
func (s *session) readLoop() {
	for {
		msg, err := s.framed.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownTag) {
				s.logger.WithError(err).Warn("Dropping message")
				continue
			}
			select {
			case s.readErrCh <- err:
			case <-s.doneCh:
			}
			return
		}
		select {
		case s.msgCh <- msg:
		case <-s.doneCh:
			return
		}
	}
}

func (s *session) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case shutdown:
		s.logger.WithField("reason", c.reason).Debug("Shutting down session")
		s.state = peers.Closing
		// best effort; the remote may already be gone
		if err := s.write(&wire.Goodbye{Reason: c.reason}); err != nil {
			s.logger.WithError(err).Debug("Sending goodbye")
		}
		s.close()
	case sendContactsRequest:
		if s.state != peers.Ready {
			return
		}
		if err := s.write(&wire.ContactsRequest{Graph: c.g}); err != nil {
			s.fail(fmt.Sprintf("sending contacts request: %v", err))
		}
	case sendContactsResponse:
		if s.state != peers.Ready {
			return
		}
		if err := s.write(&wire.ContactsResponse{Graph: c.g}); err != nil {
			s.fail(fmt.Sprintf("sending contacts response: %v", err))
		}
	}
}

func (s *session) handleMessage(msg wire.Message, hsTimer *time.Timer) {
	switch m := msg.(type) {
	case *wire.Handshake:
		if s.state != peers.Handshaking {
			s.fail("protocol: handshake repeated")
			return
		}
		if m.Version != wire.ProtocolVersion {
			s.fail(fmt.Sprintf("protocol: version %d not supported", m.Version))
			return
		}
		hsTimer.Stop()
		s.hsC = nil
		s.remote = m.Node
		s.state = peers.Ready
		s.hbTick = time.NewTicker(s.conf.HeartbeatInterval)
		s.tickC = s.hbTick.C
		s.logger.WithField("remote", m.Node.String()).Debug("Handshake complete")
		s.emit(peerReady{id: s.id, remote: m.Node})

	case *wire.HeartbeatRequest:
		if s.state != peers.Ready {
			return
		}
		if err := s.write(&wire.HeartbeatResponse{Nonce: m.Nonce}); err != nil {
			s.fail(fmt.Sprintf("sending heartbeat response: %v", err))
		}

	case *wire.HeartbeatResponse:
		p, ok := s.pending[m.Nonce]
		if !ok {
			// late response; its deadline already fired
			return
		}
		p.timer.Stop()
		delete(s.pending, m.Nonce)
		s.emit(peerRTT{id: s.id, rtt: time.Since(p.sentAt)})

	case *wire.ContactsRequest:
		if s.state != peers.Ready {
			return
		}
		s.emit(peerContactsRequest{id: s.id, g: graph.FromWire(m.Graph)})

	case *wire.ContactsResponse:
		if s.state != peers.Ready {
			return
		}
		s.emit(peerContactsResponse{id: s.id, g: graph.FromWire(m.Graph)})

	case *wire.Goodbye:
		s.logger.WithField("reason", m.Reason).Debug("Remote closed the session")
		s.state = peers.Closing
		s.close()
	}
}

// sendHeartbeat emits a probe with a fresh nonce and arms its
// deadline.
func (s *session) sendHeartbeat() {
	s.nonce++
	nonce := s.nonce
	sentAt := time.Now()

	if err := s.write(&wire.HeartbeatRequest{Nonce: nonce, SentAt: sentAt.UnixMicro()}); err != nil {
		s.fail(fmt.Sprintf("sending heartbeat request: %v", err))
		return
	}

	timer := time.AfterFunc(s.conf.HeartbeatTimeout, func() {
		select {
		case s.timeoutCh <- nonce:
		case <-s.doneCh:
		}
	})
	s.pending[nonce] = &probe{sentAt: sentAt, timer: timer}
}

func (s *session) write(msg wire.Message) error {
	s.framed.SetWriteDeadline(time.Now().Add(s.conf.HeartbeatTimeout))
	return s.framed.WriteMessage(msg)
}

// fail tears the session down and reports the error. Per-session
// errors never travel further than this one event.
func (s *session) fail(reason string) {
	if s.state == peers.Closed {
		return
	}
	s.logger.WithField("reason", reason).Debug("Session failed")
	s.state = peers.Closing
	s.teardown()
	s.emit(peerFailed{id: s.id, reason: reason})
}

// close tears the session down after a clean goodbye in either
// direction.
func (s *session) close() {
	if s.state == peers.Closed {
		return
	}
	s.teardown()
	s.emit(peerClosed{id: s.id})
}

// teardown stops timers, unblocks the read loop, and closes the
// socket. Heartbeat deadline timers never outlive their session.
func (s *session) teardown() {
	if s.hbTick != nil {
		s.hbTick.Stop()
	}
	for _, p := range s.pending {
		p.timer.Stop()
	}
	close(s.doneCh)
	if s.framed != nil {
		s.framed.Close()
	} else if s.conn != nil {
		s.conn.Close()
	}
	s.state = peers.Closed
}

// adopt installs the session's socket. It returns false if the
// controller already aborted the session, in which case the socket is
// closed.
func (s *session) adopt(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.aborted {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

// abort resets the session's socket from outside the session loop. Any
// blocked read or write fails immediately and the loop winds down on
// its own.
func (s *session) abort() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.aborted = true
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *session) emit(evt event) {
	// Blocking send: if the controller inbox is full, the session
	// waits rather than growing an unbounded buffer.
	s.evtCh <- evt
}
