package arena

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	dir := t.TempDir()
	r, err := Create(dir, "arena-test.region", 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Destroy() })
	return r
}

func TestAllocatorAllocFreeRoundTrip(t *testing.T) {
	r := newTestRegion(t)
	a, err := Init(r)
	require.NoError(t, err)

	before := a.AllocatedBytes()
	require.EqualValues(t, 0, before)

	off, err := a.Alloc(128)
	require.NoError(t, err)
	require.Greater(t, a.AllocatedBytes(), uint64(0))

	require.NoError(t, a.WriteAt(off, []byte("hello")))
	got, err := a.ReadAt(off, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, a.Free(off))
	require.EqualValues(t, before, a.AllocatedBytes())
}

func TestAllocatorSplitsAndCoalesces(t *testing.T) {
	r := newTestRegion(t)
	a, err := Init(r)
	require.NoError(t, err)

	off1, err := a.Alloc(64)
	require.NoError(t, err)
	off2, err := a.Alloc(64)
	require.NoError(t, err)
	off3, err := a.Alloc(64)
	require.NoError(t, err)

	require.NoError(t, a.Free(off1))
	require.NoError(t, a.Free(off2))

	// A request that fits only if off1 and off2's freed space coalesces:
	// 64 + 16 (off2's header) + 64 = 144 bytes, reused at off1's block.
	off4, err := a.Alloc(144)
	require.NoError(t, err)
	require.NotZero(t, off4)
	require.Equal(t, off1, off4)

	require.NoError(t, a.Free(off3))
	require.NoError(t, a.Free(off4))
	require.EqualValues(t, 0, a.AllocatedBytes())
}

func TestAllocatorNoSpace(t *testing.T) {
	r := newTestRegion(t)
	a, err := Init(r)
	require.NoError(t, err)

	_, err = a.Alloc(1 << 20)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocatorDoubleFreeFails(t *testing.T) {
	r := newTestRegion(t)
	a, err := Init(r)
	require.NoError(t, err)

	off, err := a.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, a.Free(off))
	require.Error(t, a.Free(off))
}

func TestAttachRejectsBadMagic(t *testing.T) {
	r := newTestRegion(t)
	// Never initialized, so the superblock magic is zero.
	_, err := Attach(r)
	require.Error(t, err)
}

func TestRegionBoundsChecked(t *testing.T) {
	r := newTestRegion(t)
	_, err := r.Bytes(r.Size()-4, 8)
	require.Error(t, err)
	_, err = r.LoadU32(r.Size())
	require.Error(t, err)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
