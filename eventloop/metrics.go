package eventloop

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for the event loop. Attached via
// WithMetrics; nil when metrics are disabled, so hot paths can skip
// straight past the nil check without an interface dispatch.
type Metrics struct {
	// Latency metrics (has pointer field - put first for alignment)
	Latency LatencyMetrics

	// Queue depth metrics
	Queue QueueMetrics

	// Throughput lazily initializes on the first Commands() call.
	throughputOnce sync.Once
	throughput     *TPSCounter
}

// Commands returns the command-throughput counter, initializing it on
// first use with a 10 second window at 100ms granularity.
func (m *Metrics) Commands() *TPSCounter {
	m.throughputOnce.Do(func() {
		m.throughput = NewTPSCounter(10*time.Second, 100*time.Millisecond)
	})
	return m.throughput
}

// LatencyMetrics tracks the distribution of callback run times: safeExecute
// calls Record with how long each posted thunk, deferred entry or timer
// callback took to run. Poll-wait time and timer-fire jitter are not
// recorded.
type LatencyMetrics struct {
	// Pointer fields first for alignment.
	quantiles *latencyQuantiles

	mu sync.RWMutex

	// Exact sample buffer, used directly while the quantile markers are
	// still in their five-sample seeding window.
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	// Computed percentiles (cached after Sample() call)
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	// Statistics
	Mean time.Duration
	Sum  time.Duration
}

// sampleSize bounds the rolling buffer of exact samples kept for Mean and
// for computing exact percentiles before the P² markers have seeded.
const sampleSize = 1000

// Record records one command's dispatch latency. Called by
// Loop.safeExecute after every command runs.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quantiles == nil {
		l.quantiles = newLatencyQuantiles()
	}
	l.quantiles.update(float64(duration))

	if l.sampleCount >= sampleSize {
		old := l.samples[l.sampleIdx]
		l.Sum -= old
	}

	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample refreshes P50/P95/P99/Max/Mean from the samples recorded so far
// and returns how many samples fed the computation. Below five samples the
// P² markers haven't seeded yet, so percentiles come from an exact sort
// instead.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}

	if count < 5 || l.quantiles == nil {
		sorted := make([]time.Duration, count)
		copy(sorted, l.samples[:count])
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		l.P50 = sorted[percentileIndex(count, 50)]
		l.P95 = sorted[percentileIndex(count, 95)]
		l.P99 = sorted[percentileIndex(count, 99)]
		l.Max = sorted[count-1]
		l.Mean = l.Sum / time.Duration(count)
		return count
	}

	l.P50 = time.Duration(l.quantiles.p50.estimate())
	l.P95 = time.Duration(l.quantiles.p95.estimate())
	l.P99 = time.Duration(l.quantiles.p99.estimate())
	l.Max = time.Duration(l.quantiles.max)
	l.Mean = l.Sum / time.Duration(count)
	return count
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks queue depth statistics for the intake queue and the
// timer heap.
type QueueMetrics struct {
	mu sync.RWMutex

	// Current depths
	IntakeCurrent int
	TimersCurrent int

	// Maximum observed depths
	IntakeMax int
	TimersMax int

	// Average depths (exponential moving average with alpha=0.1)
	IntakeAvg float64
	TimersAvg float64

	intakeEMAInitialized bool
	timersEMAInitialized bool
}

// UpdateIntake updates the intake queue depth metrics.
func (q *QueueMetrics) UpdateIntake(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.IntakeCurrent = depth
	if depth > q.IntakeMax {
		q.IntakeMax = depth
	}
	if !q.intakeEMAInitialized {
		q.IntakeAvg = float64(depth)
		q.intakeEMAInitialized = true
	} else {
		q.IntakeAvg = 0.9*q.IntakeAvg + 0.1*float64(depth)
	}
}

// UpdateTimers updates the timer heap depth metrics.
func (q *QueueMetrics) UpdateTimers(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.TimersCurrent = depth
	if depth > q.TimersMax {
		q.TimersMax = depth
	}
	if !q.timersEMAInitialized {
		q.TimersAvg = float64(depth)
		q.timersEMAInitialized = true
	} else {
		q.TimersAvg = 0.9*q.TimersAvg + 0.1*float64(depth)
	}
}

// TPSCounter tracks the loop's command-dispatch rate over a rolling window,
// as a ring buffer of per-bucket counts that rotates with wall-clock time.
// All methods are safe for concurrent use.
type TPSCounter struct {
	lastRotation atomic.Value // time.Time
	buckets      []int64
	bucketSize   time.Duration
	mu           sync.Mutex
}

// NewTPSCounter builds a counter covering windowSize at bucketSize
// granularity (e.g. NewTPSCounter(10*time.Second, 100*time.Millisecond) for
// 0.1/s precision over a 10s window). Both must be positive and bucketSize
// must not exceed windowSize.
func NewTPSCounter(windowSize, bucketSize time.Duration) *TPSCounter {
	if windowSize <= 0 {
		panic("eventloop: windowSize must be positive")
	}
	if bucketSize <= 0 {
		panic("eventloop: bucketSize must be positive")
	}
	if bucketSize > windowSize {
		panic("eventloop: bucketSize cannot exceed windowSize")
	}

	counter := &TPSCounter{
		buckets:    make([]int64, windowSize/bucketSize),
		bucketSize: bucketSize,
	}
	counter.lastRotation.Store(time.Now())
	return counter
}

// Increment records one dispatched command.
func (t *TPSCounter) Increment() {
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

// rotate shifts buckets left for every bucketSize interval that elapsed
// since the last rotation, clamping to a full reset on large clock jumps
// (system suspend, NTP step) in either direction.
func (t *TPSCounter) rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	elapsed := int64(now.Sub(lastRotation))
	advance := elapsed / int64(t.bucketSize)
	if advance < 0 || advance > int64(len(t.buckets)) {
		advance = int64(len(t.buckets))
	}

	if advance >= int64(len(t.buckets)) {
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.lastRotation.Store(now)
		return
	}
	if advance <= 0 {
		return
	}

	copy(t.buckets, t.buckets[advance:])
	for i := len(t.buckets) - int(advance); i < len(t.buckets); i++ {
		t.buckets[i] = 0
	}
	t.lastRotation.Store(lastRotation.Add(time.Duration(advance) * t.bucketSize))
}

// TPS returns the current dispatch rate, in commands per second, averaged
// over the full window (every bucket, populated or not).
func (t *TPSCounter) TPS() float64 {
	t.rotate()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	for _, count := range t.buckets {
		sum += count
	}
	if sum == 0 {
		return 0
	}

	monitored := float64(len(t.buckets)) * t.bucketSize.Seconds()
	return float64(sum) / monitored
}
