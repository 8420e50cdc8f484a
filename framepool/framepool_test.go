package framepool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool_Acquire_ExactLength(t *testing.T) {
	p := New()
	f := p.Acquire(100)
	require.Len(t, f.Buf, 100)
}

func TestPool_Acquire_ReusesReleasedBlock(t *testing.T) {
	p := New()
	f1 := p.Acquire(64)
	buf1 := &f1.Buf[0]
	f1.Release()

	f2 := p.Acquire(64)
	require.Same(t, buf1, &f2.Buf[0])
}

func TestPool_Acquire_OversizedFallsThroughUnpooled(t *testing.T) {
	p := New()
	f := p.Acquire(1 << 20)
	require.Len(t, f.Buf, 1<<20)
	require.Equal(t, -1, f.classID)
	f.Release() // must not panic on an unpooled frame
}

func TestPool_Acquire_RoundsIntoSmallestFittingClass(t *testing.T) {
	p := New()
	f := p.Acquire(100)
	require.Equal(t, 1, f.classID) // class 0 is 64, class 1 is 128
}

func TestBind_CurrentReturnsBoundPool(t *testing.T) {
	require.Nil(t, Current())

	p := New()
	scope := Bind(p)
	require.Same(t, p, Current())

	scope.Close()
	require.Nil(t, Current())
}

func TestPool_WithFramePoolBudget_DropsReleasesPastCap(t *testing.T) {
	p := New(WithFramePoolBudget(1))
	p.budget = 64 // pin a tiny cap directly; exercising the real fraction math needs the host's actual memory size

	f1 := p.Acquire(64)
	buf1 := &f1.Buf[0]
	f1.Release()

	f2 := p.Acquire(64)
	require.Same(t, buf1, &f2.Buf[0]) // first release fit under the cap, so it's reused

	f3 := p.Acquire(64)
	f2.Release()
	f3.Release() // retained is already at cap from f2's release; this one is dropped

	f4 := p.Acquire(64)
	require.NotSame(t, &f3.Buf[0], &f4.Buf[0])
}

func TestPool_WithFramePoolBudget_NonPositiveFractionIsUnbounded(t *testing.T) {
	p := New(WithFramePoolBudget(0))
	require.Equal(t, int64(0), p.budget)
}

func TestBind_NestedScopeRestoresPrevious(t *testing.T) {
	outer := New()
	outerScope := Bind(outer)
	defer outerScope.Close()

	inner := New()
	innerScope := Bind(inner)
	require.Same(t, inner, Current())

	innerScope.Close()
	require.Same(t, outer, Current())
}
