package fragment

import (
	"bytes"
	"fmt"
)

// MaxPatternLen bounds the split pattern; anything longer than a read buffer
// fraction makes straddle tracking pointless.
const MaxPatternLen = 4096

// Segment is a run of bytes to forward as-is. Split marks that a packet
// boundary must be forced immediately after it, before the next segment (or
// the next read buffer) is written.
type Segment struct {
	Data  []byte
	Split bool
}

// Scanner finds occurrences of a fixed byte pattern in a stream that arrives
// as successive read buffers. It keeps only the length of the pattern prefix
// already emitted, so a match straddling any number of buffer boundaries is
// still detected without copying or re-reading.
type Scanner struct {
	pattern     []byte
	matchOffset int
}

// NewScanner returns a scanner for the given pattern. The pattern must be
// between 1 and MaxPatternLen bytes.
func NewScanner(pattern []byte) (*Scanner, error) {
	if len(pattern) == 0 || len(pattern) > MaxPatternLen {
		return nil, fmt.Errorf("split pattern must be 1..%d bytes, got %d", MaxPatternLen, len(pattern))
	}
	return &Scanner{pattern: pattern}, nil
}

// Scan consumes one read buffer and returns the segments to forward, in
// order. Segments alias buf and must be written out before the next call.
//
// At most one split is reported per buffer: once an occurrence is found, the
// rest of the buffer is forwarded unscanned and the pending match is reset,
// so a further occurrence in that same buffer is not split.
func (s *Scanner) Scan(buf []byte) []Segment {
	if len(buf) == 0 {
		return nil
	}
	p := s.pattern

	// Continuation of a prefix carried over from earlier buffers. With no
	// pending prefix this degenerates to a match (full or partial) at the
	// very start of the buffer.
	m := len(p) - s.matchOffset
	if m > len(buf) {
		m = len(buf)
	}
	if bytes.Equal(p[s.matchOffset:s.matchOffset+m], buf[:m]) {
		s.matchOffset += m
		if s.matchOffset < len(p) {
			// m == len(buf): the whole buffer extends the prefix.
			return []Segment{{Data: buf}}
		}
		s.matchOffset = 0
		segs := []Segment{{Data: buf[:m], Split: true}}
		if m < len(buf) {
			segs = append(segs, Segment{Data: buf[m:]})
		}
		return segs
	}

	// Occurrence fully inside the buffer.
	if i := bytes.Index(buf, p); i >= 0 {
		s.matchOffset = 0
		end := i + len(p)
		segs := []Segment{{Data: buf[:end], Split: true}}
		if end < len(buf) {
			segs = append(segs, Segment{Data: buf[end:]})
		}
		return segs
	}

	// Prime the next buffer: the longest buffer suffix that is a proper
	// pattern prefix becomes the pending match.
	maxL := len(buf)
	if len(p) < maxL {
		maxL = len(p)
	}
	for l := maxL - 1; l >= 1; l-- {
		if bytes.Equal(buf[len(buf)-l:], p[:l]) {
			s.matchOffset = l
			return []Segment{{Data: buf}}
		}
	}
	s.matchOffset = 0
	return []Segment{{Data: buf}}
}
