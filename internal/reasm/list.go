package reasm

import (
	"bytes"
	"math"
	"sort"
)

// List is the reassembly head for one in-progress or completed reassembly:
// an offset-sorted sequence of fragments plus the completion bookkeeping.
//
// The sorted sequence carries a cursor optimization for in-order traffic:
// frags[:firstGap] is the run of fragments forming the longest unbroken
// prefix from offset zero, and contig caches how far that prefix reaches
// (bytes in offset mode, block count in sequence mode). Insertion starts at
// the cursor instead of the head whenever the new fragment lands at or after
// it, which makes ordered arrival amortized O(1). Any structural change in
// front of the cursor re-derives it by walking forward again.
type List struct {
	key     Key
	id      uint32
	seqMode bool

	frags   []*fragment
	arrival int

	total      uint32 // total byte length, or the tail block number in sequence mode
	totalKnown bool
	partial    bool // reassembly may grow past a previously known total

	firstGap int
	contig   uint32

	maxFrame  uint32
	lastFrame uint32

	// sequence-mode bookkeeping
	nextSeq  uint32 // implicit numbering: next block number to hand out
	baseID   uint32 // self-numbering streams: identifier of the first block
	headless bool   // self-numbering reassembly whose first block is missing

	flags        Flags
	defragmented bool
	data         []byte
	doneFrame    uint32
	doneLayer    int

	err  error
	refs int
}

func newList(key Key, id uint32, seqMode bool) *List {
	return &List{key: key, id: id, seqMode: seqMode}
}

// link inserts a fragment keeping the list sorted by offset. Fragments with
// equal offsets keep arrival order, so the earliest stays first.
func (l *List) link(f *fragment) {
	f.arrival = l.arrival
	l.arrival++

	pos := 0
	if f.offset >= l.contig {
		pos = l.firstGap
	}
	for pos < len(l.frags) && l.frags[pos].offset <= f.offset {
		pos++
	}

	l.frags = append(l.frags, nil)
	copy(l.frags[pos+1:], l.frags[pos:])
	l.frags[pos] = f

	if pos < l.firstGap {
		// Landed inside the contiguous prefix. The prefix stays unbroken;
		// the new data may push its reach further.
		l.firstGap++
		if l.seqMode {
			if f.offset == l.contig {
				l.contig++
			}
		} else if end := f.end(); end > l.contig {
			l.contig = end
		}
	}
	l.advance()

	if f.frame > l.maxFrame {
		l.maxFrame = f.frame
	}
	l.lastFrame = f.frame
}

// advance walks the cursor forward as far as the data allows.
func (l *List) advance() {
	for l.firstGap < len(l.frags) {
		f := l.frags[l.firstGap]
		if f.offset > l.contig {
			return
		}
		if l.seqMode {
			if f.offset == l.contig {
				l.contig++
			}
		} else if end := f.end(); end > l.contig {
			l.contig = end
		}
		l.firstGap++
	}
}

// recompute rebuilds the cursor from scratch after a structural change in
// front of it invalidated the cached prefix.
func (l *List) recompute() {
	l.firstGap = 0
	l.contig = 0
	l.advance()
}

// markTail fixes the total length from an end-of-message fragment. A second,
// disagreeing tail is kept but flagged; the first assertion wins unless the
// reassembly was explicitly marked as growing.
func (l *List) markTail(total uint32) {
	if l.totalKnown && l.total != total {
		if l.partial && total > l.total {
			l.total = total
			return
		}
		l.flags |= FlagMultipleTails
		return
	}
	l.total = total
	l.totalKnown = true
	l.partial = false
}

// complete reports whether every byte (or block) up to the known total has
// been seen.
func (l *List) complete() bool {
	if !l.totalKnown || l.headless {
		return false
	}
	if l.seqMode {
		return l.contig > l.total
	}
	return l.contig >= l.total
}

// defragment consumes the fragments into one contiguous buffer. Overlapping
// data is resolved first-writer-wins: a later fragment never overwrites bytes
// an earlier one already supplied, it is only flagged. Fragment-owned copies
// are released; the descriptors stay for diagnostic display.
func (l *List) defragment(info *FrameInfo, maxBytes int) error {
	var buf []byte
	var agg Flags
	if l.seqMode {
		buf, agg = l.assembleBlocks()
	} else {
		buf, agg = assemble(l.frags, l.total, true)
	}
	if maxBytes > 0 && len(buf) > maxBytes {
		return reassemblyErrorf(info.Number, l.id, "reassembled size %d exceeds limit %d", len(buf), maxBytes)
	}
	l.flags |= agg
	l.data = buf
	l.defragmented = true
	l.doneFrame = info.Number
	l.doneLayer = info.Layer
	for _, f := range l.frags {
		f.data = nil
	}
	return nil
}

// assemble copies fragments into a buffer of the given size in arrival order,
// tracking per-byte coverage so the first writer for each position wins.
func assemble(frags []*fragment, size uint32, setFlags bool) ([]byte, Flags) {
	buf := make([]byte, size)
	cover := make([]byte, (int(size)+7)/8)
	order := make([]*fragment, len(frags))
	copy(order, frags)
	sort.Slice(order, func(i, j int) bool { return order[i].arrival < order[j].arrival })

	var agg Flags
	for _, f := range order {
		if f.data == nil {
			continue
		}
		lo, hi := f.offset, f.end()
		if lo >= size || hi > size {
			if setFlags {
				f.flags |= FlagTooLong
				agg |= FlagTooLong
			}
			if lo >= size {
				continue
			}
			hi = size
		}
		overlapped, conflict := false, false
		for i := lo; i < hi; i++ {
			b := f.data[i-f.offset]
			if cover[i/8]&(1<<(i%8)) != 0 {
				overlapped = true
				if buf[i] != b {
					conflict = true
				}
				continue
			}
			buf[i] = b
			cover[i/8] |= 1 << (i % 8)
		}
		if setFlags {
			if overlapped {
				f.flags |= FlagOverlap
				agg |= FlagOverlap
			}
			if conflict {
				f.flags |= FlagOverlapConflict
				agg |= FlagOverlapConflict
			}
		}
	}
	return buf, agg
}

// assembleBlocks concatenates sequence-mode blocks in block-number order.
// Duplicate blocks keep the earliest arrival; blocks past the tail are
// excluded and flagged.
func (l *List) assembleBlocks() ([]byte, Flags) {
	var out []byte
	var agg Flags
	for i := 0; i < len(l.frags); {
		f := l.frags[i]
		blk := f.offset
		if l.totalKnown && blk > l.total {
			for ; i < len(l.frags); i++ {
				l.frags[i].flags |= FlagTooLong
			}
			agg |= FlagTooLong
			break
		}
		j := i + 1
		win := f
		for j < len(l.frags) && l.frags[j].offset == blk {
			if l.frags[j].arrival < win.arrival {
				win = l.frags[j]
			}
			j++
		}
		for k := i; k < j; k++ {
			g := l.frags[k]
			if g == win {
				continue
			}
			g.flags |= FlagOverlap
			agg |= FlagOverlap
			if !bytes.Equal(g.data, win.data) {
				g.flags |= FlagOverlapConflict
				agg |= FlagOverlapConflict
			}
		}
		out = append(out, win.data...)
		i = j
	}
	return out, agg
}

// truncate shrinks a completed reassembly to a shorter total, dividing the
// fragment straddling the new boundary and dropping fragments entirely past
// it.
func (l *List) truncate(n uint32) error {
	if !l.defragmented {
		return ErrNotCompleted
	}
	if l.seqMode {
		return reassemblyErrorf(l.doneFrame, l.id, "cannot truncate a block-sequence reassembly")
	}
	if n > uint32(len(l.data)) {
		return reassemblyErrorf(l.doneFrame, l.id, "truncate to %d exceeds length %d", n, len(l.data))
	}
	l.data = l.data[:n]
	kept := l.frags[:0]
	for _, f := range l.frags {
		if f.offset >= n {
			continue
		}
		if f.end() > n {
			f.size = n - f.offset
			if f.data != nil {
				f.data = f.data[:f.size]
			}
		}
		kept = append(kept, f)
	}
	l.frags = kept
	l.total = n
	l.totalKnown = true
	l.recompute()
	return nil
}

// reopen undoes completion so the reassembly can accept trailing data. The
// consumed fragments become subset views into the old buffer, keeping the
// already-validated bytes without another copy.
func (l *List) reopen() error {
	if l.seqMode {
		return reassemblyErrorf(l.doneFrame, l.id, "cannot reopen a block-sequence reassembly")
	}
	size := uint32(len(l.data))
	for _, f := range l.frags {
		if f.data != nil {
			continue
		}
		lo := f.offset
		if lo > size {
			lo = size
		}
		hi := f.end()
		if hi > size {
			hi = size
		}
		f.data = l.data[lo:hi]
		f.size = hi - lo
		f.flags |= FlagSubsetView
	}
	l.data = nil
	l.defragmented = false
	l.totalKnown = false
	l.partial = true
	l.flags |= FlagSubsetView
	return nil
}

// spliceFrom merges another sorted list into this one with every offset
// shifted by delta, two-pointer style. Used when a late-discovered boundary
// relocates a run of fragments to a different reassembly.
func (l *List) spliceFrom(other *List, delta uint32) error {
	for _, f := range other.frags {
		if uint64(f.offset)+uint64(delta) > math.MaxUint32 {
			return reassemblyErrorf(f.frame, l.id, "offset overflow while merging")
		}
	}
	merged := make([]*fragment, 0, len(l.frags)+len(other.frags))
	i, j := 0, 0
	for i < len(l.frags) || j < len(other.frags) {
		if j >= len(other.frags) {
			merged = append(merged, l.frags[i])
			i++
			continue
		}
		shifted := other.frags[j].offset + delta
		if i < len(l.frags) && l.frags[i].offset <= shifted {
			merged = append(merged, l.frags[i])
			i++
			continue
		}
		f := other.frags[j]
		f.offset = shifted
		f.arrival += l.arrival
		merged = append(merged, f)
		j++
	}
	l.frags = merged
	l.arrival += other.arrival
	l.flags |= other.flags
	if other.totalKnown {
		l.markTail(other.total + delta)
	}
	if other.maxFrame > l.maxFrame {
		l.maxFrame = other.maxFrame
	}
	if other.lastFrame > l.lastFrame {
		l.lastFrame = other.lastFrame
	}
	l.recompute()
	other.frags = nil
	return nil
}

// assembledPrefix returns a copy of the unbroken prefix accumulated so far.
func (l *List) assembledPrefix() []byte {
	if l.defragmented {
		out := make([]byte, len(l.data))
		copy(out, l.data)
		return out
	}
	if l.seqMode {
		var out []byte
		seen := uint32(0)
		for _, f := range l.frags[:l.firstGap] {
			if f.offset == seen {
				out = append(out, f.data...)
				seen++
			}
		}
		return out
	}
	buf, _ := assemble(l.frags[:l.firstGap], l.contig, false)
	return buf
}

// ─── Read-only accessors ───

// Defragmented reports whether the reassembly has completed.
func (l *List) Defragmented() bool { return l.defragmented }

// Data returns the contiguous reassembled buffer, nil until completion.
func (l *List) Data() []byte { return l.data }

// Flags returns the union of all fragment flags plus list-level conditions.
func (l *List) Flags() Flags { return l.flags }

// TotalLen returns the total length and whether it is known yet. In sequence
// mode the value is the tail block number.
func (l *List) TotalLen() (uint32, bool) { return l.total, l.totalKnown }

// ContiguousLen returns the cached length of the unbroken prefix.
func (l *List) ContiguousLen() uint32 { return l.contig }

// MaxFrame returns the highest frame number contributing so far.
func (l *List) MaxFrame() uint32 { return l.maxFrame }

// ReassembledIn returns the frame and dissection layer in which completion
// occurred.
func (l *List) ReassembledIn() (uint32, int) { return l.doneFrame, l.doneLayer }

// ID returns the reassembly identifier.
func (l *List) ID() uint32 { return l.id }

// Err returns the sticky error recorded on this reassembly, if any.
func (l *List) Err() error { return l.err }

// Fragments enumerates the fragments for diagnostic display.
func (l *List) Fragments() []FragmentView {
	out := make([]FragmentView, len(l.frags))
	for i, f := range l.frags {
		out[i] = FragmentView{Frame: f.frame, Offset: f.offset, Len: f.size, Flags: f.flags}
	}
	return out
}
