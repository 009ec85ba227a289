package reasm

// Stats counts table activity for the session summary.
type Stats struct {
	Created   uint64 // reassemblies started
	Completed uint64 // reassemblies finished
	Deleted   uint64 // reassemblies discarded by the caller
	Aged      uint64 // reassemblies abandoned by the aging policy
	Fragments uint64 // fragments accepted
	Conflicts uint64 // reassemblies with conflicting overlaps
}
