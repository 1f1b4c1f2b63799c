// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import "errors"

// ErrNeedMoreData indicates the sequence ended before a value was complete.
var ErrNeedMoreData = errors.New("need more data")

// Sequence is a read cursor over a run of possibly discontiguous byte segments, such as
// those filled by scatter/gather reads. Segments are never copied or merged.
type Sequence struct {
	segs [][]byte
	seg  int // index of the current segment
	off  int // offset within the current segment
	n    int // total bytes consumed
}

// Mark is a saved cursor position.
type Mark struct {
	seg, off, n int
}

// NewSequence returns a sequence reading over the given segments in order.
func NewSequence(segs ...[]byte) *Sequence {
	s := new(Sequence)
	for _, b := range segs {
		s.Append(b)
	}
	return s
}

// Append adds a segment to the end of the sequence.
func (s *Sequence) Append(b []byte) {
	if len(b) > 0 {
		s.segs = append(s.segs, b)
	}
}

// ReadByte reads the next byte, or returns ErrNeedMoreData.
func (s *Sequence) ReadByte() (byte, error) {
	for s.seg < len(s.segs) {
		if s.off < len(s.segs[s.seg]) {
			b := s.segs[s.seg][s.off]
			s.off++
			s.n++
			return b, nil
		}
		s.seg++
		s.off = 0
	}

	return 0, ErrNeedMoreData
}

// Read reads up to len(p) bytes, returning ErrNeedMoreData if none are available.
func (s *Sequence) Read(p []byte) (int, error) {
	var n int
	for n < len(p) && s.seg < len(s.segs) {
		c := copy(p[n:], s.segs[s.seg][s.off:])
		n += c
		s.off += c
		if s.off == len(s.segs[s.seg]) {
			s.seg++
			s.off = 0
		}
	}

	s.n += n
	if n == 0 && len(p) > 0 {
		return 0, ErrNeedMoreData
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (s *Sequence) Len() int {
	var l int
	for i := s.seg; i < len(s.segs); i++ {
		l += len(s.segs[i])
	}
	return l - s.off
}

// Consumed returns the number of bytes read since the sequence was created.
func (s *Sequence) Consumed() int {
	return s.n
}

// Mark returns the current cursor position.
func (s *Sequence) Mark() Mark {
	return Mark{seg: s.seg, off: s.off, n: s.n}
}

// Rewind returns the cursor to a previously marked position.
func (s *Sequence) Rewind(m Mark) {
	s.seg, s.off, s.n = m.seg, m.off, m.n
}

// Compact releases segments which have been fully read. Marks taken before
// compacting are invalidated.
func (s *Sequence) Compact() {
	if s.seg == 0 {
		return
	}

	s.segs = append(s.segs[:0], s.segs[s.seg:]...)
	s.seg = 0
}
