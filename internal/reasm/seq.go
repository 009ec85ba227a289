package reasm

// Sequence/block reassembly: the same table contract as the byte-offset
// discipline, but fragments are addressed by a block sequence number and a
// reassembly is complete once every block from zero through the tail's number
// has a contributor. The list keeps blocks number-sorted independent of
// arrival order, so out-of-order delivery needs no special casing here.

// AddBlock links a block carrying an explicit sequence number. more=false
// marks the tail block and fixes the total block count.
func (t *Table) AddBlock(info *FrameInfo, id, seq uint32, payload []byte, fragLen int, more bool) (*List, error) {
	return t.add(info, id, seq, payload, fragLen, more, true)
}

// AddBlockChecked is to AddBlock what AddFragmentChecked is to AddFragment:
// visited frames and re-invocations within one frame read only the completed
// index.
func (t *Table) AddBlockChecked(info *FrameInfo, id, seq uint32, payload []byte, fragLen int, more bool) (*List, error) {
	if t.inProgress == nil {
		return nil, ErrTableClosed
	}
	if done := t.completed[completedKey{frame: info.Number, id: id}]; done != nil {
		return done, nil
	}
	if info.Visited {
		return nil, nil
	}
	return t.add(info, id, seq, payload, fragLen, more, true)
}

// AddBlockNext links a block for a stream with no explicit numbering: the
// engine assigns the next expected number itself, which only works for
// strictly in-order delivery. A block from a frame older than the newest
// contribution is a straggling retransmission; it is flagged on the
// reassembly and dropped rather than linked out of place.
func (t *Table) AddBlockNext(info *FrameInfo, id uint32, payload []byte, fragLen int, more bool) (*List, error) {
	if t.inProgress == nil {
		return nil, ErrTableClosed
	}
	key := t.strategy.MakeKey(info, id)
	if l := t.inProgress[key]; l != nil {
		if l.err != nil {
			return nil, l.err
		}
		if info.Number < l.lastFrame {
			l.flags |= FlagOverlap | FlagOverlapConflict
			t.stats.Conflicts++
			return nil, nil
		}
	}
	seq := uint32(0)
	if l := t.inProgress[key]; l != nil {
		seq = l.nextSeq
	}
	done, err := t.add(info, id, seq, payload, fragLen, more, true)
	if err != nil {
		return nil, err
	}
	if l := t.inProgress[key]; l != nil {
		l.nextSeq = seq + 1
	}
	return done, nil
}

// AddBlockSingle handles link-layer fragmentation without a visible block
// index: every block carries its own sequential identifier and only
// first/last markers. The reassembly is keyed by the first block's
// identifier; a block arriving before its first is held speculatively under
// its own identifier and merged in once the true start is known. The table's
// AgeLimit abandons a reassembly whose most recent contribution is too many
// frames old.
func (t *Table) AddBlockSingle(info *FrameInfo, id uint32, payload []byte, fragLen int, first, last bool) (*List, error) {
	if t.inProgress == nil {
		return nil, ErrTableClosed
	}
	if err := checkBounds(info, payload, fragLen); err != nil {
		return nil, err
	}

	if first {
		return t.addSingleFirst(info, id, payload, fragLen, last)
	}
	return t.addSingleFollow(info, id, payload, fragLen, last)
}

func (t *Table) addSingleFirst(info *FrameInfo, id uint32, payload []byte, fragLen int, last bool) (*List, error) {
	key := t.strategy.MakeKey(info, id)
	if old := t.inProgress[key]; old != nil {
		// A stale or restarted reassembly under the same identifier; the new
		// first block supersedes it.
		delete(t.inProgress, key)
		t.stats.Deleted++
	}

	l := newList(key, id, true)
	l.baseID = id
	t.inProgress[key] = l
	t.stats.Created++

	data := make([]byte, fragLen)
	copy(data, payload[:fragLen])
	l.link(&fragment{frame: info.Number, offset: 0, size: uint32(fragLen), data: data})
	t.stats.Fragments++
	if last {
		l.markTail(0)
	}

	// Blocks that ran ahead of their first were parked under their own
	// identifiers; absorb every run that now lines up.
	for {
		specKey := t.strategy.MakeKey(info, l.baseID+uint32(l.contig))
		spec := t.inProgress[specKey]
		if spec == nil || !spec.headless || t.aged(info, spec) {
			break
		}
		delete(t.inProgress, specKey)
		if err := l.spliceFrom(spec, l.contig); err != nil {
			l.err = err
			return nil, err
		}
	}

	if !l.complete() {
		return nil, nil
	}
	return t.finalize(info, key, l)
}

func (t *Table) addSingleFollow(info *FrameInfo, id uint32, payload []byte, fragLen int, last bool) (*List, error) {
	// Walk identifiers backwards looking for the reassembly expecting exactly
	// this block next.
	var l *List
	var key Key
	for i := uint32(1); i <= uint32(t.cfg.MaxSeqScan) && i <= id; i++ {
		k := t.strategy.MakeKey(info, id-i)
		cand := t.inProgress[k]
		if cand == nil || !cand.seqMode {
			continue
		}
		if t.aged(info, cand) {
			delete(t.inProgress, k)
			t.stats.Deleted++
			t.stats.Aged++
			continue
		}
		if cand.baseID+uint32(cand.contig) == id {
			l, key = cand, k
			break
		}
	}

	seq := uint32(0)
	if l == nil {
		// No open reassembly wants this block yet; park it under its own
		// identifier until the first block shows up.
		key = t.strategy.MakeKey(info, id)
		l = newList(key, id, true)
		l.baseID = id
		l.headless = true
		t.inProgress[key] = l
		t.stats.Created++
	} else {
		if l.err != nil {
			return nil, l.err
		}
		seq = id - l.baseID
	}

	data := make([]byte, fragLen)
	copy(data, payload[:fragLen])
	l.link(&fragment{frame: info.Number, offset: seq, size: uint32(fragLen), data: data})
	t.stats.Fragments++
	if last {
		l.markTail(seq)
	}

	if !l.complete() {
		return nil, nil
	}
	return t.finalize(info, key, l)
}

// aged reports whether a reassembly's most recent contribution is older than
// the configured frame window.
func (t *Table) aged(info *FrameInfo, l *List) bool {
	return t.cfg.AgeLimit > 0 && info.Number > l.lastFrame && info.Number-l.lastFrame > t.cfg.AgeLimit
}
