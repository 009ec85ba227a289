package analyze

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/reasm/internal/config"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	s := NewSession(cfg)
	s.linkType = layers.LinkTypeEthernet
	return s
}

func loadFrames(s *Session, frames ...[]byte) {
	for i, data := range frames {
		s.frames = append(s.frames, frame{number: uint32(i + 1), data: data})
	}
}

func buildFrame(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

func testEthernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func fragFrame(t *testing.T, id uint16, offsetUnits uint16, more bool, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        64,
		Id:         id,
		Protocol:   layers.IPProtocolUDP,
		SrcIP:      net.IP{10, 0, 0, 1},
		DstIP:      net.IP{10, 0, 0, 2},
		FragOffset: offsetUnits,
	}
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}
	return buildFrame(t, testEthernet(), ip, gopacket.Payload(payload))
}

func sipFrame(t *testing.T, seq uint32, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{192, 168, 1, 10},
		DstIP:    net.IP{192, 168, 1, 20},
	}
	tcp := &layers.TCP{
		SrcPort: 49152,
		DstPort: 5060,
		Seq:     seq,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("tcp checksum layer: %v", err)
	}
	return buildFrame(t, testEthernet(), ip, tcp, gopacket.Payload(payload))
}

func TestSessionTwoPassFragmentedDatagram(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	loadFrames(s,
		fragFrame(t, 77, 0, true, bytes.Repeat([]byte{0x11}, 16)),
		fragFrame(t, 77, 2, false, bytes.Repeat([]byte{0x22}, 8)),
	)

	first, err := s.RunPass(false)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.Frames != 2 || first.Datagrams != 1 || first.Errors != 0 {
		t.Fatalf("first pass %+v", first)
	}

	replay, err := s.RunPass(true)
	if err != nil {
		t.Fatalf("replay pass: %v", err)
	}
	if replay.Errors != first.Errors {
		t.Errorf("replay errors %d, first pass %d", replay.Errors, first.Errors)
	}
	if replay.Datagrams != first.Datagrams {
		t.Errorf("replay datagrams %d, first pass %d", replay.Datagrams, first.Datagrams)
	}
}

func TestSessionTwoPassSIPOverTCP(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	msg := sipInvite(32)
	cut := len(msg) - 20
	loadFrames(s,
		sipFrame(t, 1000, []byte(msg[:cut])),
		sipFrame(t, 1000+uint32(cut), []byte(msg[cut:])),
	)

	first, err := s.RunPass(false)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.Pdus != 1 || first.Messages != 1 || first.Errors != 0 {
		t.Fatalf("first pass %+v", first)
	}

	replay, err := s.RunPass(true)
	if err != nil {
		t.Fatalf("replay pass: %v", err)
	}
	if replay.Errors != 0 {
		t.Errorf("replay errors %d", replay.Errors)
	}
	if replay.Pdus != first.Pdus || replay.Messages != first.Messages {
		t.Errorf("replay %+v, first pass %+v", replay, first)
	}
}

func TestSessionReplayChecksDatagramsBothWays(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	loadFrames(s,
		fragFrame(t, 5, 0, true, bytes.Repeat([]byte{0x33}, 16)),
		fragFrame(t, 5, 2, false, bytes.Repeat([]byte{0x44}, 8)),
	)
	if _, err := s.RunPass(false); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Claim the contributing frame produced a datagram on the first pass; a
	// replay that cannot reproduce it must flag the disagreement rather than
	// pass silently.
	r := s.results[1]
	r.datagramLen = 999
	s.results[1] = r

	replay, err := s.RunPass(true)
	if err != nil {
		t.Fatalf("replay pass: %v", err)
	}
	if replay.Errors == 0 {
		t.Error("replay accepted a recorded datagram it did not reproduce")
	}
}

func TestSessionReplayChecksPdusBothWays(t *testing.T) {
	s := newTestSession(t)
	defer s.Close()

	msg := sipInvite(32)
	cut := len(msg) - 20
	loadFrames(s,
		sipFrame(t, 1000, []byte(msg[:cut])),
		sipFrame(t, 1000+uint32(cut), []byte(msg[cut:])),
	)
	if _, err := s.RunPass(false); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Claim the opening frame emitted a PDU; the replay produces none there
	// and must report the mismatch.
	r := s.results[1]
	r.pduLens = []int{10}
	s.results[1] = r

	replay, err := s.RunPass(true)
	if err != nil {
		t.Fatalf("replay pass: %v", err)
	}
	if replay.Errors == 0 {
		t.Error("replay accepted recorded pdus it did not reproduce")
	}
}
