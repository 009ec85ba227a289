package reasm

// Flags describe how a fragment relates to the rest of its reassembly.
// They accumulate on the fragment itself and on the owning list.
type Flags uint8

const (
	// FlagOverlap marks a fragment whose byte range was already covered by
	// earlier-accepted data. Retransmissions are kept, not rejected.
	FlagOverlap Flags = 1 << iota
	// FlagOverlapConflict marks an overlap whose bytes disagree with the
	// earlier-accepted data in the overlapping region.
	FlagOverlapConflict
	// FlagMultipleTails marks a reassembly that saw more than one distinct
	// end-of-message fragment.
	FlagMultipleTails
	// FlagTooLong marks a fragment extending past a fixed total length.
	FlagTooLong
	// FlagSubsetView marks a fragment whose bytes are a view into the
	// completed buffer rather than an owned copy.
	FlagSubsetView
)

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var s []byte
	appendFlag := func(set Flags, name string) {
		if f&set == 0 {
			return
		}
		if len(s) > 0 {
			s = append(s, '|')
		}
		s = append(s, name...)
	}
	appendFlag(FlagOverlap, "overlap")
	appendFlag(FlagOverlapConflict, "conflict")
	appendFlag(FlagMultipleTails, "multiple-tails")
	appendFlag(FlagTooLong, "too-long")
	appendFlag(FlagSubsetView, "subset")
	return string(s)
}

// fragment is one contiguous byte range contributed by one frame. The data
// slice is an owned copy, decoupled from the capture buffer; it is released
// when the list defragments and restored as a subset view on reopen.
type fragment struct {
	frame   uint32
	offset  uint32 // byte offset, or block number in sequence mode
	size    uint32 // length in bytes, valid even after data is released
	data    []byte
	flags   Flags
	arrival int // insertion order within the list; the first writer wins
}

func (f *fragment) end() uint32 { return f.offset + f.size }

// FragmentView is the read-only per-fragment record exposed for diagnostic
// display of a reassembly. Mutating engine state through it is not possible.
type FragmentView struct {
	Frame  uint32
	Offset uint32
	Len    uint32
	Flags  Flags
}
