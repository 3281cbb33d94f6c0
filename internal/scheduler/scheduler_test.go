package scheduler

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/itchgrab/internal/engine"
)

// fakeEngine drives Run without any network; behavior is keyed on the
// job URL itself.
type fakeEngine struct {
	mu         sync.Mutex
	seen       []string
	concurrent atomic.Int32
	peak       atomic.Int32
	block      chan struct{}
}

func (f *fakeEngine) Download(gameURL string) *engine.DownloadResult {
	current := f.concurrent.Add(1)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.concurrent.Add(-1)

	f.mu.Lock()
	f.seen = append(f.seen, gameURL)
	f.mu.Unlock()

	switch {
	case strings.Contains(gameURL, "broken"):
		return &engine.DownloadResult{URL: gameURL, Success: false, Errors: []string{"boom"}}
	case strings.Contains(gameURL, "panics"):
		panic("unexpected page structure")
	}
	return &engine.DownloadResult{URL: gameURL, Success: true}
}

func TestRunProcessesAllJobs(t *testing.T) {
	jobs := []string{
		"https://a.itch.io/one",
		"https://a.itch.io/broken",
		"https://a.itch.io/two",
	}
	fake := &fakeEngine{}
	results := Run(jobs, 2, fake)

	require.Len(t, results, 3)
	byURL := make(map[string]*engine.DownloadResult)
	for _, result := range results {
		byURL[result.URL] = result
	}
	assert.True(t, byURL["https://a.itch.io/one"].Success)
	assert.True(t, byURL["https://a.itch.io/two"].Success)
	// One failing job never takes its siblings down with it.
	assert.False(t, byURL["https://a.itch.io/broken"].Success)
	assert.Equal(t, []string{"boom"}, byURL["https://a.itch.io/broken"].Errors)
}

func TestRunConvertsPanicToFailedResult(t *testing.T) {
	jobs := []string{
		"https://a.itch.io/panics",
		"https://a.itch.io/fine",
	}
	results := Run(jobs, 1, &fakeEngine{})

	require.Len(t, results, 2)
	byURL := make(map[string]*engine.DownloadResult)
	for _, result := range results {
		byURL[result.URL] = result
	}
	panicked := byURL["https://a.itch.io/panics"]
	require.NotNil(t, panicked)
	assert.False(t, panicked.Success)
	require.Len(t, panicked.Errors, 1)
	assert.Contains(t, panicked.Errors[0], "unexpected page structure")
	assert.True(t, byURL["https://a.itch.io/fine"].Success)
}

func TestRunSequentialOrder(t *testing.T) {
	jobs := []string{
		"https://a.itch.io/one",
		"https://a.itch.io/two",
		"https://a.itch.io/three",
	}
	fake := &fakeEngine{}
	Run(jobs, 1, fake)
	assert.Equal(t, jobs, fake.seen, "one worker processes jobs in input order")
}

func TestRunBoundsConcurrency(t *testing.T) {
	fake := &fakeEngine{block: make(chan struct{})}
	jobs := []string{
		"https://a.itch.io/one",
		"https://a.itch.io/two",
		"https://a.itch.io/three",
		"https://a.itch.io/four",
	}
	go func() {
		for range jobs {
			fake.block <- struct{}{}
		}
	}()
	results := Run(jobs, 2, fake)
	require.Len(t, results, 4)
	assert.LessOrEqual(t, fake.peak.Load(), int32(2))
}

func TestRunNormalizesWorkerCount(t *testing.T) {
	results := Run([]string{"https://a.itch.io/one"}, 0, &fakeEngine{})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestRunNoJobs(t *testing.T) {
	assert.Empty(t, Run(nil, 4, &fakeEngine{}))
}
