package distributed

import "sync"

// Sub is a ready-made Subscription for Transport implementations. The
// transport's receive goroutine calls End when it stops.
type Sub struct {
	done    chan struct{}
	once    sync.Once
	closed  sync.Once
	mu      sync.Mutex
	err     error
	closeFn func() error
}

var _ Subscription = (*Sub)(nil)

// NewSub returns a live subscription. closeFn releases the transport
// resources and is called at most once, by Close.
func NewSub(closeFn func() error) *Sub {
	return &Sub{done: make(chan struct{}), closeFn: closeFn}
}

// End marks the subscription finished with err. Only the first call counts.
func (s *Sub) End(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Sub) Done() <-chan struct{} { return s.done }

func (s *Sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription and ends it without error.
func (s *Sub) Close() error {
	s.End(nil)
	var err error
	s.closed.Do(func() {
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}
