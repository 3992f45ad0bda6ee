package assembler

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errlyhq/errly/pkg/models"
)

func TestFeed_MultiLineTraceFlushedByUnrelatedLine(t *testing.T) {
	a := New(DefaultIdleTimeout, nil)
	defer a.Close()
	t0 := time.Now()

	require.Empty(t, a.Feed("TypeError: x", t0))
	require.Empty(t, a.Feed("    at f (a.ts:10:1)", t0.Add(10*time.Millisecond)))
	require.Empty(t, a.Feed("    at g (a.ts:20:2)", t0.Add(20*time.Millisecond)))
	assert.True(t, a.Collecting())

	results := a.Feed("request completed", t0.Add(100*time.Millisecond))
	require.Len(t, results, 1)
	got := results[0]
	assert.Equal(t, "TypeError: x", got.Message)
	assert.Equal(t, models.SeverityError, got.Severity)
	assert.Equal(t, "TypeError: x\n    at f (a.ts:10:1)\n    at g (a.ts:20:2)", got.StackTrace)
	assert.Equal(t, "TypeError: x", got.RawLog)
	assert.False(t, a.Collecting())
}

func TestFeed_IdleTimeoutFlushesViaCallback(t *testing.T) {
	var mu sync.Mutex
	var flushed []Completed
	a := New(50*time.Millisecond, func(c Completed) {
		mu.Lock()
		flushed = append(flushed, c)
		mu.Unlock()
	})
	defer a.Close()

	t0 := time.Now()
	require.Empty(t, a.Feed("TypeError: x", t0))
	require.Empty(t, a.Feed("    at f (a.ts:10:1)", t0.Add(5*time.Millisecond)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, "TypeError: x\n    at f (a.ts:10:1)", flushed[0].StackTrace)
	assert.False(t, a.Collecting())
}

func TestFeed_TimestampGapFlushesViaCallback(t *testing.T) {
	var mu sync.Mutex
	var flushed []Completed
	a := New(DefaultIdleTimeout, func(c Completed) {
		mu.Lock()
		flushed = append(flushed, c)
		mu.Unlock()
	})
	defer a.Close()

	t0 := time.Now()
	a.Feed("TypeError: x", t0)
	a.Feed("    at f (a.ts:10:1)", t0.Add(time.Second))

	// The next line is stamped 3s after the previous one, so the pending
	// trace is flushed through the callback and the new line starts fresh.
	results := a.Feed("ReferenceError: y", t0.Add(4*time.Second))
	assert.Empty(t, results)
	assert.True(t, a.Collecting())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, "TypeError: x\n    at f (a.ts:10:1)", flushed[0].StackTrace)
}

func TestFeed_BufferCapFlushes(t *testing.T) {
	a := New(time.Hour, nil)
	defer a.Close()
	t0 := time.Now()

	require.Empty(t, a.Feed("TypeError: x", t0))

	var results []Completed
	for i := 0; i < maxBufferLines; i++ {
		ts := t0.Add(time.Duration(i+1) * time.Millisecond)
		results = a.Feed("    at f (a.ts:10:1)", ts)
		if len(results) > 0 {
			break
		}
	}

	require.Len(t, results, 1)
	assert.Equal(t, maxBufferLines, strings.Count(results[0].StackTrace, "\n")+1)
	assert.False(t, a.Collecting())
}

func TestFeed_NonContinuationErrorEmitsBoth(t *testing.T) {
	a := New(DefaultIdleTimeout, nil)
	defer a.Close()
	t0 := time.Now()

	a.Feed("TypeError: x", t0)
	a.Feed("    at f (a.ts:10:1)", t0.Add(time.Millisecond))

	results := a.Feed("[ERROR] database connection lost", t0.Add(2*time.Millisecond))
	require.Len(t, results, 2)
	assert.Equal(t, "TypeError: x", results[0].Message)
	assert.Equal(t, "TypeError: x\n    at f (a.ts:10:1)", results[0].StackTrace)
	assert.Equal(t, "[ERROR] database connection lost", results[1].Message)
	assert.Empty(t, results[1].StackTrace)
}

func TestFeed_NonErrorIgnored(t *testing.T) {
	a := New(DefaultIdleTimeout, nil)
	defer a.Close()

	assert.Empty(t, a.Feed("request completed in 5ms", time.Now()))
	assert.False(t, a.Collecting())
}

func TestFeed_SingleLineErrorCompletesImmediately(t *testing.T) {
	a := New(DefaultIdleTimeout, nil)
	defer a.Close()

	results := a.Feed("connect ECONNREFUSED 127.0.0.1:5432", time.Now())
	require.Len(t, results, 1)
	assert.Equal(t, models.SeverityError, results[0].Severity)
	assert.Empty(t, results[0].StackTrace)
	assert.False(t, a.Collecting())
}

func TestFeed_NestedCauseContinuesTrace(t *testing.T) {
	a := New(DefaultIdleTimeout, nil)
	defer a.Close()
	t0 := time.Now()

	a.Feed("Error: outer", t0)
	a.Feed("    at f (a.ts:1:1)", t0.Add(time.Millisecond))
	require.Empty(t, a.Feed("[cause]: TypeError: inner", t0.Add(2*time.Millisecond)))
	require.Empty(t, a.Feed("    at g (b.ts:2:2)", t0.Add(3*time.Millisecond)))

	results := a.Feed("done", t0.Add(4*time.Millisecond))
	require.Len(t, results, 1)
	assert.Equal(t, 4, strings.Count(results[0].StackTrace, "\n")+1)
}

func TestFeed_PythonTraceback(t *testing.T) {
	a := New(DefaultIdleTimeout, nil)
	defer a.Close()
	t0 := time.Now()

	require.Empty(t, a.Feed("Traceback (most recent call last):", t0))
	require.Empty(t, a.Feed(`  File "/app/main.py", line 10, in handler`, t0.Add(time.Millisecond)))
	require.Empty(t, a.Feed("    return users[user_id]", t0.Add(2*time.Millisecond)))
	require.Empty(t, a.Feed("KeyError: 'user_id'", t0.Add(3*time.Millisecond)))

	results := a.Feed("INFO request done", t0.Add(4*time.Millisecond))
	require.Len(t, results, 1)
	assert.Equal(t, "Traceback (most recent call last):", results[0].Message)
	assert.Contains(t, results[0].StackTrace, "KeyError: 'user_id'")
}

func TestClose_DiscardsPartialTrace(t *testing.T) {
	fired := make(chan struct{}, 1)
	a := New(20*time.Millisecond, func(Completed) { fired <- struct{}{} })

	a.Feed("TypeError: x", time.Now())
	a.Close()

	select {
	case <-fired:
		t.Fatal("timeout callback fired after Close")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, a.Collecting())
}
