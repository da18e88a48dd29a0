package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/idempotency"
	"github.com/ManuelReschke/PayFox/internal/pkg/lock"
	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
)

type memRuns struct {
	mu         sync.Mutex
	runs       map[string]*models.BroadcastRun
	recipients []repository.Recipient
	saves      []int
}

func newMemRuns(n int) *memRuns {
	r := &memRuns{runs: map[string]*models.BroadcastRun{}}
	for i := 1; i <= n; i++ {
		r.recipients = append(r.recipients, repository.Recipient{CustomerID: uint(i), Email: fmt.Sprintf("user%d@example.com", i)})
	}
	return r
}

func (m *memRuns) Create(ctx context.Context, run *models.BroadcastRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *run
	m.runs[run.ID] = &c
	return nil
}

func (m *memRuns) GetByID(ctx context.Context, id string) (*models.BroadcastRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	c := *run
	return &c, nil
}

func (m *memRuns) GetByIdempotencyKey(ctx context.Context, key string) (*models.BroadcastRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.IdempotencyKey == key {
			c := *run
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memRuns) SaveProgress(ctx context.Context, run *models.BroadcastRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *run
	m.runs[run.ID] = &c
	m.saves = append(m.saves, run.Processed)
	return nil
}

func (m *memRuns) AdvanceProgress(ctx context.Context, run *models.BroadcastRun, expected int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok || stored.Status != models.BroadcastStatusRunning || stored.Processed != expected {
		return false, nil
	}
	c := *run
	m.runs[run.ID] = &c
	m.saves = append(m.saves, run.Processed)
	return true, nil
}

func (m *memRuns) CountRecipients(ctx context.Context, audience string) (int64, error) {
	return int64(len(m.recipients)), nil
}

func (m *memRuns) ListRecipients(ctx context.Context, audience string, offset, limit int) ([]repository.Recipient, error) {
	if offset >= len(m.recipients) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.recipients) {
		end = len(m.recipients)
	}
	return m.recipients[offset:end], nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]bool
	// cancelAfter cancels the run context after n sends.
	cancelAfter int
	cancel      context.CancelFunc
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[msg.To] {
		return errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, msg.To)
	if f.cancel != nil && len(f.sent) == f.cancelAfter {
		f.cancel()
	}
	return nil
}

func newTestRunner(repo *memRuns, sender *fakeSender) *Runner {
	r := NewRunner(repo, sender, idempotency.NewGuard(idempotency.NewMemoryStore()), lock.NewMemoryLocker(), Options{BatchSize: 3})
	// Tests drive Resume explicitly.
	r.SetDispatcher(func(ctx context.Context, runID string) error { return nil })
	return r
}

var testRequest = Request{Subject: "Price update", Body: "<p>New prices</p>", Audience: repository.AudienceAllCustomers}

func TestRunner_SendsInBatchesAndPersistsProgress(t *testing.T) {
	repo := newMemRuns(7)
	sender := &fakeSender{failTo: map[string]bool{"user5@example.com": true}}
	r := newTestRunner(repo, sender)
	ctx := context.Background()

	run, out, err := r.Start(ctx, testRequest, "admin", "mail-1")
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, 7, run.Total)
	assert.Equal(t, models.BroadcastStatusRunning, run.Status)

	require.NoError(t, r.Resume(ctx, run.ID))

	stored, err := r.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, stored.Status)
	assert.Equal(t, 7, stored.Processed)
	assert.Equal(t, 6, stored.Sent)
	assert.Equal(t, 1, stored.Failed)
	assert.Contains(t, stored.LastError, "customer 5")
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, []int{3, 6, 7, 7}, repo.saves, "each batch is claimed before sending, then the run is closed")
}

func TestRunner_SameKeyDoesNotResend(t *testing.T) {
	repo := newMemRuns(2)
	sender := &fakeSender{}
	r := newTestRunner(repo, sender)
	ctx := context.Background()

	first, _, err := r.Start(ctx, testRequest, "admin", "mail-1")
	require.NoError(t, err)
	second, out, err := r.Start(ctx, testRequest, "admin", "mail-1")
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.runs, 1)

	require.NoError(t, r.Resume(ctx, first.ID))
	require.NoError(t, r.Resume(ctx, first.ID), "completed runs are a no-op")
	assert.Len(t, sender.sent, 2)
}

func TestRunner_ResumesAfterInterruption(t *testing.T) {
	repo := newMemRuns(8)
	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{cancelAfter: 4, cancel: cancel}
	r := newTestRunner(repo, sender)

	run, _, err := r.Start(context.Background(), testRequest, "admin", "mail-1")
	require.NoError(t, err)

	err = r.Resume(ctx, run.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := r.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusRunning, stored.Status)
	assert.Equal(t, 4, stored.Processed, "partial progress is persisted")

	sender.cancel = nil
	require.NoError(t, r.Resume(context.Background(), run.ID))

	stored, err = r.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, stored.Status)
	assert.Equal(t, 8, stored.Sent)

	sent := append([]string(nil), sender.sent...)
	sort.Strings(sent)
	for i := 1; i < len(sent); i++ {
		assert.NotEqual(t, sent[i-1], sent[i], "nobody is mailed twice")
	}
}

func TestRunner_StartValidation(t *testing.T) {
	r := newTestRunner(newMemRuns(1), &fakeSender{})
	ctx := context.Background()

	_, _, err := r.Start(ctx, testRequest, "admin", "")
	assert.ErrorIs(t, err, idempotency.ErrMissingKey)

	_, _, err = r.Start(ctx, Request{Subject: "s", Body: "b", Audience: "everyone"}, "admin", "k")
	assert.ErrorContains(t, err, "Audience")

	_, _, err = r.Start(ctx, testRequest, "", "k")
	assert.Error(t, err)
}

func TestRunner_MarkFailed(t *testing.T) {
	repo := newMemRuns(1)
	r := newTestRunner(repo, &fakeSender{})
	ctx := context.Background()

	run, _, err := r.Start(ctx, testRequest, "admin", "mail-1")
	require.NoError(t, err)
	require.NoError(t, r.MarkFailed(ctx, run.ID, "retries exhausted"))

	stored, err := r.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusFailed, stored.Status)
	require.NoError(t, r.Resume(ctx, run.ID), "failed runs are not resumed")
}

func TestRunner_DefaultDispatchRunsInBackground(t *testing.T) {
	repo := newMemRuns(2)
	sender := &fakeSender{}
	r := NewRunner(repo, sender, idempotency.NewGuard(idempotency.NewMemoryStore()), nil, Options{BatchSize: 5})

	run, _, err := r.Start(context.Background(), testRequest, "admin", "mail-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := r.Get(context.Background(), run.ID)
		return err == nil && stored.Status == models.BroadcastStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

// gateSender blocks its first Send until gate is closed.
type gateSender struct {
	mu      sync.Mutex
	perTo   map[string]int
	entered chan struct{}
	gate    chan struct{}
	blocked bool
}

func (g *gateSender) Send(ctx context.Context, msg mail.Message) error {
	g.mu.Lock()
	first := !g.blocked
	g.blocked = true
	g.perTo[msg.To]++
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.gate
	}
	return nil
}

func TestRunner_ExpiredLockDoesNotResend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemRuns(6)
	sender := &gateSender{perTo: map[string]int{}, entered: make(chan struct{}), gate: make(chan struct{})}
	r := NewRunner(repo, sender, idempotency.NewGuard(idempotency.NewMemoryStore()), lock.NewRedisLocker(client), Options{BatchSize: 3})
	r.SetDispatcher(func(ctx context.Context, runID string) error { return nil })

	run, _, err := r.Start(context.Background(), testRequest, "admin", "mail-1")
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() { firstDone <- r.Resume(context.Background(), run.ID) }()
	<-sender.entered

	// The first worker stalls past the lock ttl; a second one takes over.
	mr.FastForward(LeaseTTL + time.Minute)
	require.NoError(t, r.Resume(context.Background(), run.ID))

	close(sender.gate)
	select {
	case err := <-firstDone:
		assert.ErrorIs(t, err, ErrRunTaken)
	case <-time.After(2 * time.Second):
		t.Fatal("first worker did not stop")
	}

	require.Len(t, sender.perTo, 6)
	for to, n := range sender.perTo {
		assert.Equal(t, 1, n, "%s mailed more than once", to)
	}
	stored, err := r.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastStatusCompleted, stored.Status)
	assert.Equal(t, 6, stored.Processed)
}
