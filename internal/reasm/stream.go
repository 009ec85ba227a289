package reasm

// Streaming multi-segment PDU reconstruction. A Stream wraps a reassembly
// table for one direction of a continuous byte stream whose message
// boundaries only the upper-layer parser can find. On the first pass the
// parser is invoked incrementally and its "need more" signals drive the
// creation of multi-segment PDU (MSP) records; on later passes the recorded
// MSP chain is replayed by frame number so the boundary decisions are never
// re-derived — the parser may be stateful, so re-asking it could answer
// differently.

// NeedMoreSegment is the Need value for "one more segment, total unknown".
const NeedMoreSegment = -1

// ParseOutcome is the upper-layer parser's verdict on one chunk of stream
// data. Consumed is the length of the first complete PDU at the head of the
// chunk, zero if none is complete yet; the engine re-invokes the parser for
// whatever follows. Need describes the bytes still missing for the pending
// PDU: zero when nothing is pending, NeedMoreSegment when the size is
// unknown, or the exact number of additional bytes required beyond the end
// of the chunk.
type ParseOutcome struct {
	Consumed int
	Need     int
}

// UpperParser is the callback into the protocol dissector that owns the
// message boundary logic.
type UpperParser interface {
	Parse(info *FrameInfo, data []byte) (ParseOutcome, error)
}

// MSP records one multi-segment PDU: where it began, where it ended, how
// long it grew, and the reassembly identifier minted for it. Records form a
// singly linked history per stream, newest first.
type MSP struct {
	ID          uint32
	FirstFrame  uint32
	LastFrame   uint32
	StartOffset int // byte offset of the MSP within its first frame's chunk
	EndOffset   int // bytes of the last frame's chunk consumed by the MSP
	Length      int
	Total       int // 0 while the total size is still unknown
	Prev        *MSP
}

// frameSpan records how one frame's chunk was carved up on the first pass.
type frameSpan struct {
	closes      *MSP // MSP finishing with this frame's leading bytes
	opens       *MSP // MSP starting inside this frame
	contributes *MSP // MSP owning the whole chunk
}

// Pdu is one reconstructed message handed back to the caller. List is set
// when the PDU spanned multiple segments.
type Pdu struct {
	Data       []byte
	FirstFrame uint32
	LastFrame  uint32
	List       *List
}

// Stream reconstructs PDUs for one direction of one conversation.
type Stream struct {
	table   *Table
	parser  UpperParser
	nextID  uint32
	cur     *MSP
	history *MSP
	byFrame map[uint32]*frameSpan
}

// NewStream creates a streaming reconstructor on top of the given table. The
// table should be keyed by addresses and ports; MSP identifiers minted here
// keep concurrent MSPs on the same conversation apart.
func NewStream(table *Table, parser UpperParser) *Stream {
	return &Stream{
		table:   table,
		parser:  parser,
		byFrame: make(map[uint32]*frameSpan),
	}
}

// History returns the newest MSP record, linked back through all older ones.
func (s *Stream) History() *MSP { return s.history }

// FeedSegment hands the stream the current frame's chunk and returns every
// PDU that completed inside it. Visited frames are answered from the
// recorded MSP chain and the completed index alone.
func (s *Stream) FeedSegment(info *FrameInfo, data []byte) ([]Pdu, error) {
	if info.Visited {
		return s.replay(info, data)
	}
	return s.firstPass(info, data)
}

func (s *Stream) firstPass(info *FrameInfo, data []byte) ([]Pdu, error) {
	var out []Pdu
	rem := data
	base := 0

	if s.cur != nil {
		pdus, n, err := s.continueMSP(info, rem)
		if err != nil {
			return out, err
		}
		out = append(out, pdus...)
		if n == len(rem) {
			return out, nil
		}
		rem = rem[n:]
		base += n
	}

	for len(rem) > 0 {
		outcome, err := s.parser.Parse(info, rem)
		if err != nil {
			return out, err
		}
		if outcome.Consumed > 0 {
			out = append(out, Pdu{
				Data:       rem[:outcome.Consumed],
				FirstFrame: info.Number,
				LastFrame:  info.Number,
			})
			rem = rem[outcome.Consumed:]
			base += outcome.Consumed
			continue
		}
		if outcome.Need == 0 {
			return out, reassemblyErrorf(info.Number, 0,
				"stream parser consumed nothing and asked for nothing with %d bytes left", len(rem))
		}
		return out, s.openMSP(info, rem, base, outcome.Need)
	}
	return out, nil
}

// openMSP mints a fresh reassembly identifier for the unconsumed tail of the
// current frame and stores the first fragment.
func (s *Stream) openMSP(info *FrameInfo, rem []byte, base, need int) error {
	s.nextID++
	msp := &MSP{
		ID:          s.nextID,
		FirstFrame:  info.Number,
		StartOffset: base,
		Length:      len(rem),
		Prev:        s.history,
	}
	if need > 0 {
		msp.Total = len(rem) + need
	}
	s.cur = msp
	s.history = msp
	s.span(info.Number).opens = msp

	if _, err := s.table.AddFragment(info, msp.ID, 0, rem, len(rem), true); err != nil {
		return err
	}
	if msp.Total > 0 {
		if _, err := s.table.SetTotalLength(info, msp.ID, uint32(msp.Total)); err != nil {
			return err
		}
	}
	return nil
}

// continueMSP feeds the open MSP from the current chunk. It returns any PDU
// completed here and how many leading bytes the MSP consumed.
func (s *Stream) continueMSP(info *FrameInfo, data []byte) ([]Pdu, int, error) {
	msp := s.cur

	if msp.Total == 0 {
		// Size still unknown: re-present the accumulated bytes plus the new
		// chunk to the parser and see whether the boundary is visible now.
		acc := s.accumulated(info, msp)
		combined := make([]byte, 0, len(acc)+len(data))
		combined = append(combined, acc...)
		combined = append(combined, data...)
		outcome, err := s.parser.Parse(info, combined)
		if err != nil {
			return nil, 0, err
		}
		switch {
		case outcome.Consumed > len(acc):
			msp.Total = outcome.Consumed
		case outcome.Need == NeedMoreSegment:
			n := len(data)
			if _, err := s.table.AddFragment(info, msp.ID, uint32(msp.Length), data, n, true); err != nil {
				return nil, 0, err
			}
			msp.Length += n
			s.span(info.Number).contributes = msp
			return nil, n, nil
		case outcome.Need > 0:
			msp.Total = len(combined) + outcome.Need
		default:
			return nil, 0, reassemblyErrorf(info.Number, msp.ID,
				"stream parser made no progress on %d accumulated bytes", len(combined))
		}
	}

	want := msp.Total - msp.Length
	if want > len(data) {
		n := len(data)
		if _, err := s.table.AddFragment(info, msp.ID, uint32(msp.Length), data, n, true); err != nil {
			return nil, 0, err
		}
		if _, err := s.table.SetTotalLength(info, msp.ID, uint32(msp.Total)); err != nil {
			return nil, 0, err
		}
		msp.Length += n
		s.span(info.Number).contributes = msp
		return nil, n, nil
	}

	done, err := s.table.AddFragment(info, msp.ID, uint32(msp.Length), data, want, false)
	if err != nil {
		return nil, 0, err
	}
	msp.Length = msp.Total
	msp.LastFrame = info.Number
	msp.EndOffset = want
	s.span(info.Number).closes = msp
	s.cur = nil
	if done == nil {
		return nil, want, reassemblyErrorf(info.Number, msp.ID, "multi-segment pdu did not complete at its recorded end")
	}
	return []Pdu{{
		Data:       done.Data(),
		FirstFrame: msp.FirstFrame,
		LastFrame:  info.Number,
		List:       done,
	}}, want, nil
}

// accumulated returns the bytes gathered for the open MSP so far.
func (s *Stream) accumulated(info *FrameInfo, msp *MSP) []byte {
	if l := s.table.GetInProgress(info, msp.ID); l != nil {
		return l.assembledPrefix()
	}
	return nil
}

// replay answers a visited frame from the recorded spans without re-deriving
// any boundary. Standalone regions are re-parsed — with the full region
// present the parser consumes it whole, so the outcome cannot drift.
func (s *Stream) replay(info *FrameInfo, data []byte) ([]Pdu, error) {
	var out []Pdu
	span := s.byFrame[info.Number]
	rem := data

	if span != nil {
		if span.contributes != nil {
			return nil, nil
		}
		if msp := span.closes; msp != nil {
			done := s.table.GetCompletedByFrame(info.Number, msp.ID)
			if done == nil {
				return nil, reassemblyErrorf(info.Number, msp.ID, "recorded multi-segment pdu has no completed entry")
			}
			out = append(out, Pdu{
				Data:       done.Data(),
				FirstFrame: msp.FirstFrame,
				LastFrame:  msp.LastFrame,
				List:       done,
			})
			if msp.EndOffset > len(rem) {
				return out, reassemblyErrorf(info.Number, msp.ID, "recorded end offset %d exceeds chunk size %d", msp.EndOffset, len(rem))
			}
			rem = rem[msp.EndOffset:]
		}
		if msp := span.opens; msp != nil {
			cut := msp.StartOffset
			if closed := span.closes; closed != nil {
				cut -= closed.EndOffset
			}
			if cut < 0 || cut > len(rem) {
				return out, reassemblyErrorf(info.Number, msp.ID, "recorded start offset out of range")
			}
			rem = rem[:cut]
		}
	}

	for len(rem) > 0 {
		outcome, err := s.parser.Parse(info, rem)
		if err != nil {
			return out, err
		}
		if outcome.Consumed <= 0 {
			return out, reassemblyErrorf(info.Number, 0, "stream parser diverged on replay with %d bytes left", len(rem))
		}
		out = append(out, Pdu{
			Data:       rem[:outcome.Consumed],
			FirstFrame: info.Number,
			LastFrame:  info.Number,
		})
		rem = rem[outcome.Consumed:]
	}
	return out, nil
}

func (s *Stream) span(frame uint32) *frameSpan {
	sp := s.byFrame[frame]
	if sp == nil {
		sp = &frameSpan{}
		s.byFrame[frame] = sp
	}
	return sp
}
