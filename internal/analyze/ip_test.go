package analyze

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"

	"firestige.xyz/reasm/internal/reasm"
)

func frameInfoForTest(n uint32) *reasm.FrameInfo {
	return &reasm.FrameInfo{
		Number:  n,
		Src:     netip.MustParseAddr("10.0.0.1"),
		Dst:     netip.MustParseAddr("10.0.0.2"),
		SrcPort: 5060,
		DstPort: 49152,
	}
}

func fragIPv4(id uint16, offsetUnits uint16, more bool, payload []byte) *layers.IPv4 {
	ip := &layers.IPv4{
		SrcIP:      net.IP{10, 0, 0, 1},
		DstIP:      net.IP{10, 0, 0, 2},
		Id:         id,
		Protocol:   layers.IPProtocolUDP,
		FragOffset: offsetUnits,
	}
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}
	ip.BaseLayer = layers.BaseLayer{Payload: payload}
	return ip
}

func TestIPDefragTwoFragments(t *testing.T) {
	d := newIPDefrag(reasm.Config{})
	defer d.table.Close()

	first := bytes.Repeat([]byte{0xaa}, 8)
	second := bytes.Repeat([]byte{0xbb}, 5)

	done, err := d.add(frameInfoForTest(1), fragIPv4(0x1234, 0, true, first))
	if err != nil || done != nil {
		t.Fatalf("first fragment: done=%v err=%v", done, err)
	}
	done, err = d.add(frameInfoForTest(2), fragIPv4(0x1234, 1, false, second))
	if err != nil {
		t.Fatalf("last fragment: %v", err)
	}
	if done == nil {
		t.Fatal("datagram did not complete")
	}
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(done.Data(), want) {
		t.Errorf("datagram payload %x", done.Data())
	}
}

func TestIPDefragProtocolSeparatesIds(t *testing.T) {
	d := newIPDefrag(reasm.Config{})
	defer d.table.Close()

	udp := fragIPv4(0x0042, 0, true, []byte("udp-half"))
	tcp := fragIPv4(0x0042, 0, true, []byte("tcp-half"))
	tcp.Protocol = layers.IPProtocolTCP

	if _, err := d.add(frameInfoForTest(1), udp); err != nil {
		t.Fatal(err)
	}
	if _, err := d.add(frameInfoForTest(2), tcp); err != nil {
		t.Fatal(err)
	}
	// Completing the UDP datagram must not touch the TCP one.
	done, err := d.add(frameInfoForTest(3), fragIPv4(0x0042, 1, false, []byte("rest")))
	if err != nil || done == nil {
		t.Fatalf("udp completion: done=%v err=%v", done, err)
	}
	if got := string(done.Data()); got != "udp-halfrest" {
		t.Errorf("payload %q", got)
	}
}

func TestIPDefragVisitedReplay(t *testing.T) {
	d := newIPDefrag(reasm.Config{})
	defer d.table.Close()

	if _, err := d.add(frameInfoForTest(1), fragIPv4(7, 0, true, []byte("12345678"))); err != nil {
		t.Fatal(err)
	}
	done, err := d.add(frameInfoForTest(2), fragIPv4(7, 1, false, []byte("end")))
	if err != nil || done == nil {
		t.Fatal("completion failed")
	}

	info := frameInfoForTest(1)
	info.Visited = true
	again, err := d.add(info, fragIPv4(7, 0, true, []byte("12345678")))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again != done {
		t.Error("replay did not resolve to the first pass's reassembly")
	}
}
