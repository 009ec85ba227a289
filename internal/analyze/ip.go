package analyze

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/reasm/internal/reasm"
)

// ipDefrag feeds IPv4 fragments into an offset-discipline table keyed by the
// endpoint addresses plus the datagram identification.
type ipDefrag struct {
	table *reasm.Table
}

func newIPDefrag(cfg reasm.Config) *ipDefrag {
	return &ipDefrag{table: reasm.NewTable(reasm.ByAddress, cfg)}
}

// add links one fragment and returns the reassembled datagram payload once
// complete. The identification field alone can recur across protocols on the
// same endpoint pair, so the protocol number is folded into the identifier.
func (d *ipDefrag) add(info *reasm.FrameInfo, ip *layers.IPv4) (*reasm.List, error) {
	id := uint32(ip.Id)<<8 | uint32(ip.Protocol)
	offset := uint32(ip.FragOffset) * 8
	more := ip.Flags&layers.IPv4MoreFragments != 0
	return d.table.AddFragmentChecked(info, id, 0, offset, ip.Payload, len(ip.Payload), more)
}
