package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGracefulShutdownRunsInLIFOOrder(t *testing.T) {
	var order []int
	g := NewGracefulShutdown(time.Second, nil)
	g.Register(func() error { order = append(order, 1); return nil })
	g.Register(func() error { order = append(order, 2); return nil })
	g.Register(func() error { order = append(order, 3); return nil })

	require.NoError(t, g.Shutdown(context.Background()))
	require.Equal(t, []int{3, 2, 1}, order)
}

func TestGracefulShutdownStopsAtFirstFailure(t *testing.T) {
	var order []int
	g := NewGracefulShutdown(time.Second, nil)
	g.Register(func() error { order = append(order, 1); return nil })
	g.Register(func() error { order = append(order, 2); return NewError("boom") })
	g.Register(func() error { order = append(order, 3); return nil })

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	require.Equal(t, []int{3, 2}, order)
}

func TestGracefulShutdownTimesOut(t *testing.T) {
	g := NewGracefulShutdown(10*time.Millisecond, nil)
	g.Register(func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	err := g.Shutdown(context.Background())
	require.Error(t, err)
}

func TestGenerateIDProducesDistinctHexStrings(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	require.NotEqual(t, a, b)
	require.Len(t, a, 32)
}
