package reasm

import "net/netip"

// FrameInfo carries the per-frame inputs the engine consumes from the calling
// dissector: the capture-order frame number, whether this frame has been
// analyzed before, the conversation endpoints, and the dissection layer
// instance (one frame may invoke reassembly more than once, e.g. for nested
// protocols).
type FrameInfo struct {
	Number  uint32
	Visited bool
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Layer   int
}

// Key identifies one in-progress reassembly. netip.Addr is a comparable value
// type, so keys work directly as Go map keys: the hash/equality callbacks and
// the temporary-vs-durable key copies of the reference design collapse into
// plain value semantics here.
type Key struct {
	src     netip.Addr
	dst     netip.Addr
	srcPort uint16
	dstPort uint16
	id      uint32
}

// KeyStrategy decides which parts of the frame metadata disambiguate
// concurrent reassemblies. Different protocols need different parts: IP
// defragmentation keys on addresses alone, TCP-carried protocols also need
// the ports.
type KeyStrategy interface {
	MakeKey(info *FrameInfo, id uint32) Key
}

type addrStrategy struct{}

func (addrStrategy) MakeKey(info *FrameInfo, id uint32) Key {
	return Key{src: info.Src, dst: info.Dst, id: id}
}

type addrPortStrategy struct{}

func (addrPortStrategy) MakeKey(info *FrameInfo, id uint32) Key {
	return Key{
		src:     info.Src,
		dst:     info.Dst,
		srcPort: info.SrcPort,
		dstPort: info.DstPort,
		id:      id,
	}
}

// ByAddress keys reassemblies on endpoint addresses plus the identifier.
var ByAddress KeyStrategy = addrStrategy{}

// ByAddressPort keys reassemblies on endpoint addresses, ports and the
// identifier.
var ByAddressPort KeyStrategy = addrPortStrategy{}
