package action

import "sync"

// Serial admits one holder at a time, in the order Reserve was called.
// Each Thing owns one so that its actions never overlap and start in
// submission order.
type Serial struct {
	mu   sync.Mutex
	tail chan struct{}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Reserve takes the next place in line. The caller must wait on the
// returned channel before entering, and call release exactly once when done.
func (s *Serial) Reserve() (wait <-chan struct{}, release func()) {
	next := make(chan struct{})

	s.mu.Lock()
	prev := s.tail
	s.tail = next
	s.mu.Unlock()

	if prev == nil {
		prev = closedCh
	}
	var once sync.Once
	return prev, func() { once.Do(func() { close(next) }) }
}
