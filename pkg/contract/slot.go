package contract

import "sync/atomic"

// noFree is the free-list sentinel meaning "end of list."
const noFree = ^uint32(0)

// slot is one element of a Pool. generation and state are packed into a
// single atomic word so that a CAS transitions both together, closing the
// race window a separate (generation atomic, state atomic) pair would
// leave between validating a handle's generation and acting on the
// observed state.
type slot struct {
	word     atomic.Uint64 // generation:32 | state:32
	nextFree atomic.Uint32 // free-list link, noFree = end

	execType ExecType
	work     WorkFunc
	name     string
}

func packWord(gen uint32, st State) uint64 {
	return uint64(gen)<<32 | uint64(uint32(st))
}

func unpackWord(w uint64) (gen uint32, st State) {
	return uint32(w >> 32), State(uint32(w))
}

func (s *slot) load() (gen uint32, st State) {
	return unpackWord(s.word.Load())
}

func (s *slot) init(gen uint32) {
	s.word.Store(packWord(gen, StateFree))
	s.nextFree.Store(noFree)
}
