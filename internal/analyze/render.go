package analyze

import (
	"fmt"
	"strings"

	"firestige.xyz/reasm/internal/reasm"
)

// renderList produces the diagnostic fragment table for a completed
// reassembly: one line per fragment with its frame, range and flags.
func renderList(l *reasm.List) string {
	var b strings.Builder
	total, _ := l.TotalLen()
	doneFrame, _ := l.ReassembledIn()
	fmt.Fprintf(&b, "reassembly id=%#x len=%d completed-in=%d flags=%s\n",
		l.ID(), total, doneFrame, l.Flags())
	for _, f := range l.Fragments() {
		fmt.Fprintf(&b, "  frame %-6d [%d:%d) %s\n", f.Frame, f.Offset, f.Offset+f.Len, f.Flags)
	}
	return strings.TrimRight(b.String(), "\n")
}
