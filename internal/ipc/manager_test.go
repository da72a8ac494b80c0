package ipc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, n int) *Manager {
	t.Helper()
	dir := t.TempDir()
	channels := make([]*Channel, n)
	for i := 0; i < n; i++ {
		ch, err := CreateChannel(i, dir, "channel", 256*1024, 8)
		require.NoError(t, err)
		channels[i] = ch
	}
	m := NewManager(channels)
	t.Cleanup(func() { m.Destroy() })
	return m
}

func TestGetChannelRequiresARole(t *testing.T) {
	m := newTestManager(t, 3)
	_, err := m.GetChannel(context.Background())
	require.Error(t, err)
}

func TestGetChannelUsesProcessRole(t *testing.T) {
	m := newTestManager(t, 3)
	require.NoError(t, m.SetProcessRole(1))

	ch, err := m.GetChannel(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, ch.Index)

	// Every other channel is unmapped in this process.
	for i, c := range m.Channels() {
		if i != 1 {
			require.Nil(t, c)
		}
	}
}

func TestGetChannelThreadRoleOverridesProcessRole(t *testing.T) {
	m := newTestManager(t, 3)
	// Set the process role field directly (white-box), bypassing
	// SetProcessRole's unmapping of other channels, so this test can
	// prove precedence between two channels that both remain mapped —
	// exactly the dispatcher's situation, which never calls
	// SetProcessRole at all.
	m.processRole = 2

	ctx := WithThreadRole(context.Background(), 0)
	ch, err := m.GetChannel(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, ch.Index)
}

func TestSetProcessRoleOnlyOnce(t *testing.T) {
	m := newTestManager(t, 2)
	require.NoError(t, m.SetProcessRole(0))
	require.Error(t, m.SetProcessRole(1))
}

func TestSetProcessRoleRejectsOutOfRange(t *testing.T) {
	m := newTestManager(t, 2)
	require.Error(t, m.SetProcessRole(5))
}
