package schedule

// Session is the coordinator's record of one live client connection. All
// fields are owned by the coordinator loop; the transport only reads the
// identity, the capacity and the closed channel.
type Session struct {
	id       string
	capacity int
	assigned map[uint64]struct{}
	closed   chan struct{}
}

// ID returns the client identity (its remote address).
func (s *Session) ID() string { return s.id }

// Capacity returns the maximum number of concurrently assigned batches.
func (s *Session) Capacity() int { return s.capacity }

// Closed is closed by the coordinator once the session should shut down,
// either because all work is done or the coordinator is stopping.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
