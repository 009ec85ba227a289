package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/reasm/internal/reasm"
)

func TestRenderListShowsFragments(t *testing.T) {
	tbl := reasm.NewTable(reasm.ByAddress, reasm.Config{})
	defer tbl.Close()

	_, err := tbl.AddFragment(frameInfoForTest(1), 0x42, 0, []byte("abcdef"), 6, true)
	require.NoError(t, err)
	done, err := tbl.AddFragment(frameInfoForTest(2), 0x42, 6, []byte("ghij"), 4, false)
	require.NoError(t, err)
	require.NotNil(t, done)

	out := renderList(done)
	assert.Contains(t, out, "id=0x42")
	assert.Contains(t, out, "len=10")
	assert.Contains(t, out, "completed-in=2")
	assert.Contains(t, out, "frame 1")
	assert.Contains(t, out, "[0:6)")
	assert.Contains(t, out, "[6:10)")
}

func TestRenderListShowsConflictFlags(t *testing.T) {
	tbl := reasm.NewTable(reasm.ByAddress, reasm.Config{})
	defer tbl.Close()

	_, err := tbl.AddFragment(frameInfoForTest(1), 0x43, 0, []byte("abcdef"), 6, true)
	require.NoError(t, err)
	done, err := tbl.AddFragment(frameInfoForTest(2), 0x43, 6, []byte("tail"), 4, false)
	require.NoError(t, err)
	require.NotNil(t, done)

	// A differing late retransmission of the tail marks the conflict.
	_, err = tbl.AddFragmentChecked(frameInfoForTest(3), 0x43, 2, 6, []byte("TAIL"), 4, false)
	require.NoError(t, err)

	out := renderList(done)
	assert.Contains(t, out, "conflict")
}
