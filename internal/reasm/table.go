package reasm

import (
	"bytes"
	"math"

	"firestige.xyz/reasm/internal/log"
)

// Config bounds one reassembly table. Zero values select the defaults.
type Config struct {
	MaxFragments int    // fragments per reassembly before it is poisoned
	MaxBytes     int    // largest reassembled buffer the table will build
	AgeLimit     uint32 // frames of silence before a self-numbering reassembly is abandoned (0 = never)
	MaxSeqScan   int    // identifier back-scan bound for self-numbering streams
}

const (
	defaultMaxFragments = 8192
	defaultMaxBytes     = 16 << 20
	defaultMaxSeqScan   = 64
)

func (c Config) withDefaults() Config {
	if c.MaxFragments <= 0 {
		c.MaxFragments = defaultMaxFragments
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MaxSeqScan <= 0 {
		c.MaxSeqScan = defaultMaxSeqScan
	}
	return c
}

// completedKey indexes completed reassemblies by contributing frame, so a
// later pass over any frame that fed a reassembly finds the same result.
type completedKey struct {
	frame uint32
	id    uint32
}

// Table maps conversation keys to in-progress reassemblies and contributing
// frames to completed ones. One table serves one fragmentation discipline for
// one capture session; it is driven synchronously by the session's single
// dissection pass and needs no locking.
type Table struct {
	strategy   KeyStrategy
	cfg        Config
	inProgress map[Key]*List
	completed  map[completedKey]*List
	stats      Stats
	lg         log.Logger
}

// NewTable creates a reassembly table scoped to one capture session.
func NewTable(strategy KeyStrategy, cfg Config) *Table {
	return &Table{
		strategy:   strategy,
		cfg:        cfg.withDefaults(),
		inProgress: make(map[Key]*List),
		completed:  make(map[completedKey]*List),
		lg:         log.GetLogger().WithField("component", "reasm"),
	}
}

// Stats returns a copy of the table's counters.
func (t *Table) Stats() Stats { return t.stats }

// AddFragment links one offset-addressed fragment into the reassembly
// identified by the frame's endpoints and id. payload is the remaining
// captured bytes of the current frame; fragLen is how many of them the
// dissector claims belong to this fragment. more=false marks the tail
// fragment and fixes the total length.
//
// Returns the completed reassembly once every byte up to the total has been
// seen, nil while incomplete.
func (t *Table) AddFragment(info *FrameInfo, id, offset uint32, payload []byte, fragLen int, more bool) (*List, error) {
	return t.add(info, id, offset, payload, fragLen, more, false)
}

// AddFragmentChecked is the idempotent variant: a frame the session has
// already visited, or a re-invocation within the current frame, consults only
// the completed index and never mutates in-progress state, so repeat passes
// reproduce the first pass's answer exactly. On the first pass, when no
// reassembly is in progress, a caller-supplied fallback frame number may
// re-associate the fragment with an already-completed reassembly instead of
// starting a fresh one (late retransmission). An in-progress reassembly
// always takes precedence over the fallback path.
func (t *Table) AddFragmentChecked(info *FrameInfo, id, fallback, offset uint32, payload []byte, fragLen int, more bool) (*List, error) {
	if t.inProgress == nil {
		return nil, ErrTableClosed
	}
	if done := t.completed[completedKey{frame: info.Number, id: id}]; done != nil {
		return done, nil
	}
	if info.Visited {
		// Never seen a completion for this frame on the first pass; the
		// answer stays "pending".
		return nil, nil
	}
	key := t.strategy.MakeKey(info, id)
	if t.inProgress[key] == nil && fallback != 0 {
		if done := t.completed[completedKey{frame: fallback, id: id}]; done != nil {
			return t.addLate(info, done, offset, payload, fragLen)
		}
	}
	return t.add(info, id, offset, payload, fragLen, more, false)
}

// addLate records a retransmitted fragment against an already-completed
// reassembly: the bytes are compared with the final buffer, the new frame is
// indexed as a contributor, and nothing is re-assembled.
func (t *Table) addLate(info *FrameInfo, done *List, offset uint32, payload []byte, fragLen int) (*List, error) {
	if err := checkBounds(info, payload, fragLen); err != nil {
		return nil, err
	}
	f := &fragment{
		frame:  info.Number,
		offset: offset,
		size:   uint32(fragLen),
		flags:  FlagOverlap | FlagSubsetView,
	}
	done.flags |= FlagOverlap
	lo, hi := offset, offset+uint32(fragLen)
	size := uint32(len(done.data))
	if hi > size {
		f.flags |= FlagTooLong
		done.flags |= FlagTooLong
		hi = size
	}
	if lo > hi {
		lo = hi
	}
	if !bytes.Equal(done.data[lo:hi], payload[:hi-lo]) {
		f.flags |= FlagOverlapConflict
		done.flags |= FlagOverlapConflict
		t.stats.Conflicts++
	}
	done.link(f)
	t.index(info.Number, done)
	return done, nil
}

func checkBounds(info *FrameInfo, payload []byte, fragLen int) error {
	if fragLen < 0 || fragLen > len(payload) {
		return &BoundsError{Frame: info.Number, Claimed: fragLen, Captured: len(payload)}
	}
	return nil
}

func (t *Table) add(info *FrameInfo, id, offset uint32, payload []byte, fragLen int, more, seqMode bool) (*List, error) {
	if t.inProgress == nil {
		return nil, ErrTableClosed
	}
	if err := checkBounds(info, payload, fragLen); err != nil {
		return nil, err
	}
	if !seqMode && uint64(offset)+uint64(fragLen) > math.MaxUint32 {
		return nil, reassemblyErrorf(info.Number, id, "offset %d + length %d overflows", offset, fragLen)
	}

	key := t.strategy.MakeKey(info, id)
	l := t.inProgress[key]
	if l == nil {
		l = newList(key, id, seqMode)
		t.inProgress[key] = l
		t.stats.Created++
	}
	if l.err != nil {
		return nil, l.err
	}
	if len(l.frags) >= t.cfg.MaxFragments {
		l.err = reassemblyErrorf(info.Number, id, "fragment count exceeds limit %d", t.cfg.MaxFragments)
		return nil, l.err
	}

	if !more {
		if seqMode {
			l.markTail(offset)
		} else {
			l.markTail(offset + uint32(fragLen))
		}
	} else if !seqMode && l.totalKnown && !l.partial && offset+uint32(fragLen) > l.total {
		return nil, reassemblyErrorf(info.Number, id,
			"fragment end %d exceeds fixed total %d", offset+uint32(fragLen), l.total)
	}

	data := make([]byte, fragLen)
	copy(data, payload[:fragLen])
	l.link(&fragment{frame: info.Number, offset: offset, size: uint32(fragLen), data: data})
	t.stats.Fragments++

	if !l.complete() {
		return nil, nil
	}
	return t.finalize(info, key, l)
}

// finalize builds the contiguous buffer, retires the in-progress entry and
// indexes the result under every contributing frame.
func (t *Table) finalize(info *FrameInfo, key Key, l *List) (*List, error) {
	if err := l.defragment(info, t.cfg.MaxBytes); err != nil {
		l.err = err
		return nil, err
	}
	delete(t.inProgress, key)
	for _, f := range l.frags {
		t.index(f.frame, l)
	}
	t.index(info.Number, l)
	t.stats.Completed++
	if l.flags&FlagOverlapConflict != 0 {
		t.stats.Conflicts++
	}
	if t.lg.IsDebugEnabled() {
		t.lg.WithFields(map[string]interface{}{
			"id":    l.id,
			"frame": info.Number,
			"len":   len(l.data),
			"flags": l.flags.String(),
		}).Debug("reassembly completed")
	}
	return l, nil
}

// index adds one completed-index entry; entries for the same frame share the
// reference count of the list they point at.
func (t *Table) index(frame uint32, l *List) {
	k := completedKey{frame: frame, id: l.id}
	if t.completed[k] == l {
		return
	}
	t.completed[k] = l
	l.refs++
}

// GetInProgress returns the in-progress reassembly for the frame's key, or
// nil.
func (t *Table) GetInProgress(info *FrameInfo, id uint32) *List {
	if t.inProgress == nil {
		return nil
	}
	return t.inProgress[t.strategy.MakeKey(info, id)]
}

// GetCompletedByFrame returns the completed reassembly any of whose fragments
// came from the given frame, or nil. This is the only lookup repeat passes
// need.
func (t *Table) GetCompletedByFrame(frame, id uint32) *List {
	return t.completed[completedKey{frame: frame, id: id}]
}

// SetTotalLength fixes the total length out of band, for dissectors that
// learn it from a header rather than a tail fragment. Conflicting assertions
// are an error unless the reassembly was marked as growing. If the fixed
// total makes the reassembly complete it is finalized immediately.
func (t *Table) SetTotalLength(info *FrameInfo, id, total uint32) (*List, error) {
	if t.inProgress == nil {
		return nil, ErrTableClosed
	}
	key := t.strategy.MakeKey(info, id)
	l := t.inProgress[key]
	if l == nil {
		return nil, ErrNotFound
	}
	if l.err != nil {
		return nil, l.err
	}
	if l.totalKnown && l.total != total && !l.partial {
		return nil, reassemblyErrorf(info.Number, id,
			"conflicting total length %d, already fixed at %d", total, l.total)
	}
	l.total = total
	l.totalKnown = true
	l.partial = false
	if !l.complete() {
		return nil, nil
	}
	return t.finalize(info, key, l)
}

// Truncate shrinks an already-completed reassembly to a shorter total, for
// callers that later determine the true message length was smaller.
func (t *Table) Truncate(frame, id, newLen uint32) error {
	l := t.GetCompletedByFrame(frame, id)
	if l == nil {
		return ErrNotFound
	}
	if l.err != nil {
		return l.err
	}
	return l.truncate(newLen)
}

// MarkPartial permits a reassembly to grow past its known total. An
// in-progress reassembly simply accepts trailing fragments from now on; a
// completed one is reopened, its buffer converted back into fragment views,
// and put back in progress.
func (t *Table) MarkPartial(info *FrameInfo, id uint32) error {
	if t.inProgress == nil {
		return ErrTableClosed
	}
	key := t.strategy.MakeKey(info, id)
	if l := t.inProgress[key]; l != nil {
		if l.err != nil {
			return l.err
		}
		l.partial = true
		l.totalKnown = false
		return nil
	}
	l := t.GetCompletedByFrame(info.Number, id)
	if l == nil {
		return ErrNotFound
	}
	if l.err != nil {
		return l.err
	}
	if err := l.reopen(); err != nil {
		return err
	}
	t.inProgress[key] = l
	return nil
}

// Delete discards an in-progress reassembly and returns whatever unbroken
// prefix had been accumulated. A subsequent add with the same key starts
// fresh.
func (t *Table) Delete(info *FrameInfo, id uint32) []byte {
	if t.inProgress == nil {
		return nil
	}
	key := t.strategy.MakeKey(info, id)
	l := t.inProgress[key]
	if l == nil {
		return nil
	}
	delete(t.inProgress, key)
	t.stats.Deleted++
	return l.assembledPrefix()
}

// Close tears the table down, dropping every in-progress reassembly and
// releasing every completed-index entry. The table rejects further use.
func (t *Table) Close() {
	for k := range t.inProgress {
		delete(t.inProgress, k)
	}
	for k, l := range t.completed {
		l.refs--
		delete(t.completed, k)
	}
	t.inProgress = nil
	t.completed = nil
}
