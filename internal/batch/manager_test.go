package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/browser/browsertest"
	"github.com/maltedev/listing-scraper/internal/captcha"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) contains(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.delays {
		if v == d {
			return true
		}
	}
	return false
}

func newTestManager(cfg Config, attempts int) (*Manager, *sleepRecorder) {
	rec := &sleepRecorder{}
	return NewManager(cfg, retry.New(attempts, 0), WithSleep(rec.sleep)), rec
}

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("0401234%03d", i)
	}
	return out
}

func TestManager_OneSessionPerBatch(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), 3)
	launcher := browsertest.NewLauncher(nil)

	perSession := make(map[string]int)
	var mu sync.Mutex
	res, err := m.Run(context.Background(), launcher, phones(20), func(_ context.Context, sess browser.Session, item string) (string, error) {
		mu.Lock()
		perSession[sess.ID()]++
		mu.Unlock()
		return "Telekom", nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, res.Batches)
	assert.Equal(t, 4, launcher.Opened())
	assert.Equal(t, 4, launcher.Closed())
	assert.Equal(t, 1, launcher.MaxOpen())
	assert.Len(t, res.Values, 20)
	assert.Empty(t, res.Pending)
	for id, n := range perSession {
		assert.Equal(t, 5, n, "session %s", id)
	}
}

func TestManager_SessionClosedWhenItemsFail(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), 2)
	launcher := browsertest.NewLauncher(nil)

	res, err := m.Run(context.Background(), launcher, phones(3), func(context.Context, browser.Session, string) (string, error) {
		return "", errors.New("lookup form timed out")
	})

	require.NoError(t, err)
	assert.Equal(t, launcher.Opened(), launcher.Closed())
	for _, v := range res.Values {
		assert.Equal(t, "", v)
	}
	assert.Len(t, res.Values, 3)
}

func TestManager_RetryInsideItem(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), 3)
	launcher := browsertest.NewLauncher(nil)

	calls := 0
	res, err := m.Run(context.Background(), launcher, []string{"040123456"}, func(context.Context, browser.Session, string) (string, error) {
		calls++
		return "", errors.New("net::ERR_TIMED_OUT")
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "", res.Values["040123456"])
	assert.Equal(t, 1, launcher.Opened())
}

func TestManager_ChallengeShrinksAndRequeues(t *testing.T) {
	cfg := DefaultConfig()
	m, rec := newTestManager(cfg, 3)
	launcher := browsertest.NewLauncher(nil)

	items := phones(10)
	challenged := items[2]
	seen := make(map[string]int)
	res, err := m.Run(context.Background(), launcher, items, func(_ context.Context, _ browser.Session, item string) (string, error) {
		seen[item]++
		if item == challenged && seen[item] == 1 {
			return "", retry.Permanent(captcha.ErrChallenged)
		}
		return "Vodafone", nil
	})

	require.NoError(t, err)
	assert.Len(t, res.Values, 10)
	for _, item := range items {
		assert.Equal(t, "Vodafone", res.Values[item], item)
	}
	assert.Equal(t, 2, seen[challenged])
	assert.Equal(t, 1, seen[items[9]])
	assert.Equal(t, 1, seen[items[3]], "unattempted items are requeued, not dropped")
	assert.True(t, rec.contains(cfg.Cooldown), "cooldown applied after challenge")
	assert.Equal(t, launcher.Opened(), launcher.Closed())
}

func TestManager_ChallengeRequeueLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequeues = 2
	m, _ := newTestManager(cfg, 3)
	launcher := browsertest.NewLauncher(nil)

	calls := 0
	res, err := m.Run(context.Background(), launcher, []string{"040123456"}, func(context.Context, browser.Session, string) (string, error) {
		calls++
		return "", retry.Permanent(captcha.ErrChallenged)
	})

	require.NoError(t, err)
	assert.Equal(t, cfg.MaxRequeues+1, calls)
	assert.Equal(t, "", res.Values["040123456"])
	assert.Equal(t, cfg.MaxBatchSize-(cfg.MaxRequeues+1), m.BatchSize())
}

func TestManager_AdaptiveBatchSize(t *testing.T) {
	tests := []struct {
		name     string
		start    int
		results  []string
		expected int
	}{
		{"Full success grows", 3, []string{"a", "b", "c"}, 4},
		{"Full success capped", 5, []string{"a", "b", "c", "d", "e"}, 5},
		{"Low success shrinks", 4, []string{"a", "", "", ""}, 3},
		{"At threshold holds", 4, []string{"a", "b", "", ""}, 4},
		{"Floor holds", 1, []string{""}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(DefaultConfig(), 1)
			m.RestoreState(models.BatchState{CurrentBatchSize: tt.start})

			items := phones(len(tt.results))
			values := make(map[string]string)
			for i, item := range items {
				values[item] = tt.results[i]
			}

			_, err := m.Run(context.Background(), browsertest.NewLauncher(nil), items, func(_ context.Context, _ browser.Session, item string) (string, error) {
				return values[item], nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.BatchSize())
		})
	}
}

func TestManager_BatchSizeStaysInBounds(t *testing.T) {
	cfg := DefaultConfig()
	m, _ := newTestManager(cfg, 1)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		_, err := m.Run(context.Background(), browsertest.NewLauncher(nil), phones(1+rng.Intn(15)), func(context.Context, browser.Session, string) (string, error) {
			size := m.BatchSize()
			require.GreaterOrEqual(t, size, 1)
			require.LessOrEqual(t, size, cfg.MaxBatchSize)

			switch rng.Intn(4) {
			case 0:
				return "", retry.Permanent(captcha.ErrChallenged)
			case 1:
				return "", nil
			case 2:
				return "", errors.New("transient")
			default:
				return "Telefonica", nil
			}
		})
		require.NoError(t, err)

		size := m.BatchSize()
		assert.GreaterOrEqual(t, size, 1)
		assert.LessOrEqual(t, size, cfg.MaxBatchSize)
	}
}

func TestManager_OpenFailureRequeues(t *testing.T) {
	cfg := DefaultConfig()
	m, _ := newTestManager(cfg, 1)
	launcher := browsertest.NewLauncher(nil)
	launcher.OpenErr = errors.New("browser crashed")

	res, err := m.Run(context.Background(), launcher, phones(3), func(context.Context, browser.Session, string) (string, error) {
		t.Fatal("no item may run without a session")
		return "", nil
	})

	require.NoError(t, err)
	assert.Len(t, res.Values, 3)
	assert.Equal(t, cfg.MaxRequeues+1, res.Batches)
}

func TestManager_CancelLeavesPending(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), 1)
	launcher := browsertest.NewLauncher(nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	res, err := m.Run(ctx, launcher, phones(8), func(context.Context, browser.Session, string) (string, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return "Telekom", nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, res.Values, 2)
	assert.Len(t, res.Pending, 6)
	assert.Equal(t, launcher.Opened(), launcher.Closed())
}

func TestManager_ExportRestoreState(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), 1)

	m.RestoreState(models.BatchState{CurrentBatchSize: 2, ConsecutiveFailures: 3})
	assert.Equal(t, models.BatchState{CurrentBatchSize: 2, ConsecutiveFailures: 3}, m.ExportState())

	m.RestoreState(models.BatchState{CurrentBatchSize: 99})
	assert.Equal(t, 5, m.BatchSize())

	m.RestoreState(models.BatchState{})
	assert.Equal(t, 5, m.BatchSize())
}
