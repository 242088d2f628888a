package terminal

// DefaultMaxScrollback is the scrollback byte budget per terminal.
const DefaultMaxScrollback = 512 * 1024

// Scrollback is a byte-budgeted chunk buffer for terminal output. Eviction
// is whole-chunk from the oldest end; a chunk is never split. Not
// self-synchronized: the owning Instance guards it, which is what makes
// replay-then-attach atomic against concurrent output.
type Scrollback struct {
	chunks [][]byte
	size   int
	max    int
}

// NewScrollback creates a buffer with the given byte budget.
func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = DefaultMaxScrollback
	}
	return &Scrollback{max: max}
}

// Append stores a copy of the chunk, evicting oldest chunks until the
// total is back under budget. A single chunk larger than the whole budget
// replaces the buffer contents.
func (s *Scrollback) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := append([]byte(nil), data...)
	s.chunks = append(s.chunks, chunk)
	s.size += len(chunk)
	for s.size > s.max && len(s.chunks) > 1 {
		s.size -= len(s.chunks[0])
		s.chunks = s.chunks[1:]
	}
	if s.size > s.max && len(s.chunks) == 1 {
		// Keep the lone oversized chunk; truncating mid-chunk would split
		// an escape sequence.
		return
	}
}

// Chunks returns the buffered chunks in arrival order. The returned slice
// shares the stored chunks; callers must not mutate them.
func (s *Scrollback) Chunks() [][]byte {
	return s.chunks
}

// Size is the buffered byte total.
func (s *Scrollback) Size() int { return s.size }

// Len is the buffered chunk count.
func (s *Scrollback) Len() int { return len(s.chunks) }
