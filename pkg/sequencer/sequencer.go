// Package sequencer hands out the monotonic per-session sample sequence
// numbers that both the recorder and the transport order their writes by.
// It is the same single-writer-actor shape as pkg/identitystore and
// pkg/truststore, scaled down to a single counter held for the lifetime
// of one session.
package sequencer

// Sequencer mints strictly increasing sample_seq values, starting at 0,
// serialized onto one owning goroutine.
type Sequencer struct {
	cmds chan chan int64
	done chan struct{}
}

// New starts a sequencer at 0.
func New() *Sequencer {
	s := &Sequencer{
		cmds: make(chan chan int64),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sequencer) run() {
	var next int64
	for {
		select {
		case <-s.done:
			return
		case reply := <-s.cmds:
			reply <- next
			next++
		}
	}
}

// Next returns the current value and advances the sequence by one.
func (s *Sequencer) Next() int64 {
	reply := make(chan int64, 1)
	s.cmds <- reply
	return <-reply
}

// Close stops the sequencer's goroutine.
func (s *Sequencer) Close() {
	close(s.done)
}
