package threadgroup

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fiber-net-gateway/asyncrt/eventloop"
)

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New()
	require.NoError(t, err)
	return l
}

func TestGroup_Start_RunsEveryLoop(t *testing.T) {
	g := New(newTestLoop(t), newTestLoop(t), newTestLoop(t))
	g.Start()
	defer g.Shutdown()

	require.Equal(t, 3, g.Size())
	for i := 0; i < g.Size(); i++ {
		done := make(chan bool, 1)
		require.NoError(t, g.At(i).Post(func() { done <- true }))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("loop %d never ran posted work", i)
		}
	}
}

func TestGroup_Start_Twice_Panics(t *testing.T) {
	g := New(newTestLoop(t))
	g.Start()
	defer g.Shutdown()

	require.Panics(t, func() { g.Start() })
}

func TestGroup_Current_ReturnsOwningLoopFromWorker(t *testing.T) {
	g := New(newTestLoop(t))
	g.Start()
	defer g.Shutdown()

	seen := make(chan *eventloop.Loop, 1)
	require.NoError(t, g.At(0).Post(func() {
		seen <- Current()
	}))

	select {
	case l := <-seen:
		require.Same(t, g.At(0), l)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestGroup_Pick_RoundRobinsAcrossLoops(t *testing.T) {
	g := New(newTestLoop(t), newTestLoop(t))
	defer func() {
		for i := 0; i < g.Size(); i++ {
			_ = g.At(i)
		}
	}()

	first := g.Pick()
	second := g.Pick()
	require.NotSame(t, first, second)
	third := g.Pick()
	require.Same(t, first, third)
}

func TestGroup_Shutdown_IsIdempotent(t *testing.T) {
	g := New(newTestLoop(t))
	g.Start()

	g.Shutdown()
	require.NotPanics(t, func() { g.Shutdown() })
}

func TestGroup_ShutdownErr_NilWhenEveryLoopStopsCleanly(t *testing.T) {
	g := New(newTestLoop(t), newTestLoop(t))
	g.Start()
	g.Shutdown()

	require.NoError(t, g.ShutdownErr())
}

func TestDefaultSize_MatchesGOMAXPROCS(t *testing.T) {
	n := DefaultSize()
	require.Greater(t, n, 0)
	require.Equal(t, runtime.GOMAXPROCS(0), n)
}
