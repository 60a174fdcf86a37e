package protocol

// OutputBuffer collects encoded frames
type OutputBuffer interface {
	// Output appends data
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// Update overwrites a byte already written
	Update(pos int, val byte)

	// DataSince returns the bytes written after pos
	DataSince(pos int) []byte

	// Truncate drops everything written after pos
	Truncate(pos int)
}

// ScratchOutput is a fixed-size OutputBuffer that never allocates.
// Writes past the end are dropped.
type ScratchOutput struct {
	buf [MessageMax]byte
	pos int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

func (s *ScratchOutput) Truncate(pos int) {
	if pos >= 0 && pos < s.pos {
		s.pos = pos
	}
}

// Result returns everything written since the last Reset
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Full reports whether the buffer has no room left
func (s *ScratchOutput) Full() bool {
	return s.pos == len(s.buf)
}

func (s *ScratchOutput) Reset() {
	s.pos = 0
}
