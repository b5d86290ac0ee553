package transport

import (
	"meshtun/internal/proto"
)

// QueuedSender implements peermap.TCPSender over a bounded channel and a
// single writer goroutine. Enqueue never blocks: when the queue is full
// the newest message is dropped (spec §5: "overflow drops... newest
// (try-send fails silently)").
type QueuedSender struct {
	queue  chan proto.Message
	conn   *FramedConn
	closed chan struct{}
}

// NewQueuedSender starts the writer goroutine and returns the sender
// handle to install into a PeerMap entry. onWriteError is invoked (once)
// if a write fails, so the caller can tear down the owning session.
func NewQueuedSender(conn *FramedConn, capacity int, onWriteError func(error)) *QueuedSender {
	s := &QueuedSender{
		queue:  make(chan proto.Message, capacity),
		conn:   conn,
		closed: make(chan struct{}),
	}
	go s.pump(onWriteError)
	return s
}

func (s *QueuedSender) pump(onWriteError func(error)) {
	for {
		select {
		case msg, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.conn.Send(msg); err != nil {
				if onWriteError != nil {
					onWriteError(err)
				}
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Send enqueues msg for delivery; returns false if the queue was full or
// the sender is closed, matching the try-send/drop-newest policy.
func (s *QueuedSender) Send(msg proto.Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

func (s *QueuedSender) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		s.conn.Close()
	}
}
