// Package analyze drives the reassembly engine over an offline capture. It
// owns the per-session tables, decodes frames with gopacket, feeds IPv4
// fragments to the offset-discipline table and SIP-over-TCP segments to the
// streaming layer, and can run a second pass to prove the replay guarantee
// on real captures.
package analyze

import (
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/reasm/internal/config"
	"firestige.xyz/reasm/internal/log"
	"firestige.xyz/reasm/internal/reasm"
)

// frame is one captured unit kept in memory so the session can traverse the
// capture twice.
type frame struct {
	number uint32
	data   []byte
}

// streamKey identifies one direction of one TCP conversation.
type streamKey struct {
	src, dst     netip.Addr
	sport, dport uint16
}

// Summary aggregates one pass's results.
type Summary struct {
	Frames    int
	Datagrams int // IPv4 datagrams reassembled from fragments
	Pdus      int // stream PDUs reconstructed
	Messages  int // PDUs gosip recognized as SIP messages
	Errors    int
}

// Session owns all reassembly state for one capture file. Everything here is
// torn down together by Close; nothing survives into another session.
type Session struct {
	cfg      *config.Config
	lg       log.Logger
	linkType layers.LinkType
	frames   []frame

	ip      *ipDefrag
	streams map[streamKey]*sipStream

	results map[uint32]passResult // per-frame outcome of the first pass
}

// passResult is what a frame produced on the first pass; the second pass
// must reproduce it exactly.
type passResult struct {
	datagramLen int
	pduLens     []int
}

// NewSession creates a session with fresh tables.
func NewSession(cfg *config.Config) *Session {
	engine := reasm.Config{
		MaxFragments: cfg.Engine.MaxFragments,
		MaxBytes:     cfg.Engine.MaxBytes,
		AgeLimit:     cfg.Engine.AgeLimit,
	}
	return &Session{
		cfg:     cfg,
		lg:      log.GetLogger().WithField("component", "analyze"),
		ip:      newIPDefrag(engine),
		streams: make(map[streamKey]*sipStream),
		results: make(map[uint32]passResult),
	}
}

// Close tears down every table owned by the session.
func (s *Session) Close() {
	s.ip.table.Close()
	for _, st := range s.streams {
		st.table.Close()
	}
	s.frames = nil
	s.streams = nil
	s.results = nil
}

// LoadCapture reads every frame of a pcap file into the session.
func (s *Session) LoadCapture(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("analyze: open capture: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("analyze: read capture %s: %w", path, err)
	}
	s.linkType = r.LinkType()

	var n uint32
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("analyze: read frame %d: %w", n+1, err)
		}
		n++
		owned := make([]byte, len(data))
		copy(owned, data)
		s.frames = append(s.frames, frame{number: n, data: owned})
	}
	s.lg.WithField("frames", n).Info("capture loaded")
	return nil
}

// RunPass traverses the loaded frames once. visited=false is the building
// pass; visited=true replays from the completed index and MSP chains and
// verifies the recorded first-pass results.
func (s *Session) RunPass(visited bool) (Summary, error) {
	var sum Summary
	for _, fr := range s.frames {
		sum.Frames++
		if err := s.dissect(&sum, fr, visited); err != nil {
			// A malformed frame aborts its own dissection only; the session
			// continues with the next frame.
			sum.Errors++
			s.lg.WithError(err).WithField("frame", fr.number).Warn("frame dissection aborted")
		}
	}
	return sum, nil
}

// dissect decodes a single frame and routes its payload into the engine.
func (s *Session) dissect(sum *Summary, fr frame, visited bool) error {
	pkt := gopacket.NewPacket(fr.data, s.linkType, gopacket.Lazy)

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil
	}
	ip := ipLayer.(*layers.IPv4)

	info := &reasm.FrameInfo{
		Number:  fr.number,
		Visited: visited,
		Src:     addrOf(ip.SrcIP),
		Dst:     addrOf(ip.DstIP),
	}

	payload := ip.Payload
	fragmented := ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
	if fragmented {
		done, err := s.ip.add(info, ip)
		if err != nil {
			return err
		}
		if done != nil {
			// The completed index answers for every contributing frame, so
			// on the replay pass the leading fragments resolve too. Only the
			// frame the datagram completed in owns its payload; the others
			// stay contributors on both passes.
			if doneFrame, _ := done.ReassembledIn(); doneFrame != fr.number {
				done = nil
			}
		}
		if done == nil {
			return s.recordDatagram(fr.number, visited, 0)
		}
		sum.Datagrams++
		if err := s.recordDatagram(fr.number, visited, len(done.Data())); err != nil {
			return err
		}
		if s.cfg.Analyze.ShowFrags && !visited {
			s.lg.Info(renderList(done))
		}
		payload = done.Data()
	}

	if ip.Protocol != layers.IPProtocolTCP {
		return nil
	}
	return s.dissectTCP(sum, fr, info, payload)
}

// dissectTCP feeds a TCP segment into its direction's stream when the port
// is configured as SIP.
func (s *Session) dissectTCP(sum *Summary, fr frame, info *reasm.FrameInfo, ipPayload []byte) error {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(ipPayload, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	if len(tcp.Payload) == 0 {
		return nil
	}
	if !s.sipPort(uint16(tcp.SrcPort)) && !s.sipPort(uint16(tcp.DstPort)) {
		return nil
	}

	info.SrcPort = uint16(tcp.SrcPort)
	info.DstPort = uint16(tcp.DstPort)

	key := streamKey{src: info.Src, dst: info.Dst, sport: info.SrcPort, dport: info.DstPort}
	st := s.streams[key]
	if st == nil {
		st = newSIPStream(reasm.Config{
			MaxFragments: s.cfg.Engine.MaxFragments,
			MaxBytes:     s.cfg.Engine.MaxBytes,
		})
		s.streams[key] = st
	}

	pdus, err := st.stream.FeedSegment(info, tcp.Payload)
	if err != nil {
		return err
	}

	lens := make([]int, 0, len(pdus))
	for _, pdu := range pdus {
		sum.Pdus++
		lens = append(lens, len(pdu.Data))
		if msg := st.describe(pdu.Data); msg != "" {
			sum.Messages++
			if !info.Visited {
				s.lg.WithFields(map[string]interface{}{
					"frames": fmt.Sprintf("%d-%d", pdu.FirstFrame, pdu.LastFrame),
					"len":    len(pdu.Data),
				}).Info(msg)
			}
		}
		if s.cfg.Analyze.ShowFrags && pdu.List != nil && !info.Visited {
			s.lg.Info(renderList(pdu.List))
		}
	}
	return s.recordPdus(fr.number, info.Visited, lens)
}

// recordDatagram stores the first pass's datagram outcome for a frame, or
// verifies it on the replay pass. n is zero for frames that only contribute
// fragments.
func (s *Session) recordDatagram(frameNo uint32, visited bool, n int) error {
	if !visited {
		r := s.results[frameNo]
		r.datagramLen = n
		s.results[frameNo] = r
		return nil
	}
	if want := s.results[frameNo]; want.datagramLen != n {
		return fmt.Errorf("analyze: frame %d: datagram length %d on replay, %d on first pass",
			frameNo, n, want.datagramLen)
	}
	return nil
}

// recordPdus stores or verifies the stream PDUs a frame produced. The replay
// comparison is exact in both directions: a missing PDU is as much a
// divergence as an extra one.
func (s *Session) recordPdus(frameNo uint32, visited bool, lens []int) error {
	if !visited {
		r := s.results[frameNo]
		r.pduLens = append(r.pduLens, lens...)
		s.results[frameNo] = r
		return nil
	}
	want := s.results[frameNo]
	if len(lens) != len(want.pduLens) {
		return fmt.Errorf("analyze: frame %d: %d pdus on replay, %d on first pass",
			frameNo, len(lens), len(want.pduLens))
	}
	for i, n := range lens {
		if n != want.pduLens[i] {
			return fmt.Errorf("analyze: frame %d: pdu %d is %d bytes on replay, %d on first pass",
				frameNo, i, n, want.pduLens[i])
		}
	}
	return nil
}

func (s *Session) sipPort(p uint16) bool {
	for _, want := range s.cfg.Analyze.SIPPorts {
		if p == want {
			return true
		}
	}
	return false
}

// Stats sums the counters of every table in the session.
func (s *Session) Stats() reasm.Stats {
	total := s.ip.table.Stats()
	for _, st := range s.streams {
		x := st.table.Stats()
		total.Created += x.Created
		total.Completed += x.Completed
		total.Deleted += x.Deleted
		total.Aged += x.Aged
		total.Fragments += x.Fragments
		total.Conflicts += x.Conflicts
	}
	return total
}

func addrOf(ip []byte) netip.Addr {
	if a, ok := netip.AddrFromSlice(ip); ok {
		return a.Unmap()
	}
	return netip.Addr{}
}
