package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/history"
	"order-ladder-bot-go/internal/metrics"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockJob is a mock implementation of Job.
type MockJob struct {
	mock.Mock
}

func (m *MockJob) Execute(ctx context.Context, profile string, catchUp bool) (reconcile.Report, error) {
	args := m.Called(ctx, profile, catchUp)
	return args.Get(0).(reconcile.Report), args.Error(1)
}

// setupTest creates a registry over an in-memory history store.
func setupTest(t *testing.T, job Job) (*Registry, *history.GormStore) {
	db, err := database.NewDatabase(config.Database{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	store := history.NewGormStore(db)

	cfg := config.Monitor{
		Profiles:          []string{"alice"},
		IntervalSeconds:   300,
		GraceSeconds:      120,
		RunTimeoutSeconds: 5,
	}
	r := NewRegistry(job, store, metrics.New(nil), cfg, zap.NewNop())
	t.Cleanup(r.Close)
	return r, store
}

func latest(t *testing.T, store history.Store, profile string) models.TaskExecution {
	items, err := store.Recent(context.Background(), profile, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func byRunID(t *testing.T, store history.Store, profile, runID string) models.TaskExecution {
	items, err := store.Recent(context.Background(), profile, 500)
	require.NoError(t, err)
	for _, e := range items {
		if e.RunID == runID {
			return e
		}
	}
	require.FailNow(t, "execution not found", runID)
	return models.TaskExecution{}
}

// seedSuccess stores a closed successful run started at start.
func seedSuccess(t *testing.T, store history.Store, profile string, start time.Time) {
	ctx := context.Background()
	prev := &models.TaskExecution{Profile: profile, ScheduledTime: start, ActualStartTime: start}
	require.NoError(t, store.Begin(ctx, prev))
	require.NoError(t, store.Finalize(ctx, prev.ID, history.Result{CompletionTime: start.Add(time.Minute), Success: true}))
}

func TestIsMissed(t *testing.T) {
	interval, grace := 5*time.Minute, 2*time.Minute
	last := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name   string
		last   *time.Time
		actual time.Time
		want   bool
	}{
		{"no previous success", nil, last.Add(time.Hour), false},
		{"on time", &last, last.Add(interval), false},
		{"exactly at grace", &last, last.Add(interval + grace), false},
		{"just past grace", &last, last.Add(interval + grace + time.Second), true},
		{"early", &last, last.Add(time.Minute), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsMissed(tc.last, tc.actual, interval, grace))
		})
	}
}

func TestRunNow_SingleFlight(t *testing.T) {
	// Arrange
	release := make(chan struct{})
	started := make(chan struct{})
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", false).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(reconcile.Report{Processed: 4, Replacements: 1}, nil).Once()
	r, store := setupTest(t, job)
	ctx := context.Background()

	// Act
	exec, err := r.RunNow(ctx, "alice")
	require.NoError(t, err)
	<-started

	_, err = r.RunNow(ctx, "alice")
	p, lookupErr := r.lookup("alice")
	require.NoError(t, lookupErr)
	r.tick(ctx, p)
	status, statusErr := r.Status("alice")

	close(release)
	r.wg.Wait()

	// Assert
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	require.NoError(t, statusErr)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, int64(2), status.SkippedTicks)
	job.AssertNumberOfCalls(t, "Execute", 1)

	rec := latest(t, store, "alice")
	assert.Equal(t, exec.RunID, rec.RunID)
	assert.True(t, rec.Success)
	assert.False(t, rec.Open())
	assert.Equal(t, 4, rec.OrdersProcessed)
	assert.Equal(t, 1, rec.ReplacementsPlaced)
	assert.Equal(t, SourceManual, rec.Source)

	status, err = r.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)
	assert.NotNil(t, status.LastSuccess)
}

func TestRun_TimeoutIsRecorded(t *testing.T) {
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", false).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(reconcile.Report{}, context.DeadlineExceeded)
	r, store := setupTest(t, job)
	r.timeout = 50 * time.Millisecond

	_, err := r.RunNow(context.Background(), "alice")
	require.NoError(t, err)
	r.wg.Wait()

	rec := latest(t, store, "alice")
	assert.False(t, rec.Success)
	assert.Equal(t, reconcile.KindTimeout, rec.ErrorKind)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, ErrTimeout.Error())

	status, err := r.Status("alice")
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Nil(t, status.LastSuccess)
}

func TestRun_PanicDoesNotEscape(t *testing.T) {
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", false).
		Run(func(mock.Arguments) { panic("driver crashed") }).
		Return(reconcile.Report{}, nil).Once()
	job.On("Execute", mock.Anything, "alice", false).Return(reconcile.Report{}, nil).Once()
	r, store := setupTest(t, job)
	ctx := context.Background()

	_, err := r.RunNow(ctx, "alice")
	require.NoError(t, err)
	r.wg.Wait()

	rec := latest(t, store, "alice")
	assert.False(t, rec.Success)
	assert.Equal(t, reconcile.KindPanic, rec.ErrorKind)

	_, err = r.RunNow(ctx, "alice")
	require.NoError(t, err)
	r.wg.Wait()

	assert.True(t, latest(t, store, "alice").Success)
	job.AssertExpectations(t)
}

func TestRun_ErrorKinds(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"persistence", database.Wrap("create order", errors.New("disk full")), reconcile.KindPersistence},
		{"lookup", reconcile.ErrLookup, reconcile.KindLookup},
		{"external", errors.New("browser gone"), reconcile.KindExternal},
		{"cancelled", context.Canceled, reconcile.KindCancelled},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorKind(tc.err))
		})
	}
}

func TestRunNow_FlagsLateRunAsCatchUp(t *testing.T) {
	// Arrange
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", true).Return(reconcile.Report{}, nil).Once()
	r, store := setupTest(t, job)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	last := now.Add(-20 * time.Minute)
	seedSuccess(t, store, "alice", last)

	r.now = func() time.Time { return now }
	require.NoError(t, r.Start(ctx, "alice"))

	// Act
	exec, err := r.RunNow(ctx, "alice")
	require.NoError(t, err)
	r.wg.Wait()

	// Assert
	assert.True(t, exec.Missed)
	assert.True(t, exec.ScheduledTime.Equal(last.Add(5*time.Minute)))
	rec := byRunID(t, store, "alice", exec.RunID)
	assert.True(t, rec.Missed)
	assert.True(t, rec.Success)
	job.AssertExpectations(t)
}

func TestRunNow_RecordsEachMissedSlot(t *testing.T) {
	// Arrange
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", true).Return(reconcile.Report{}, errors.New("browser gone")).Once()
	job.On("Execute", mock.Anything, "alice", true).Return(reconcile.Report{}, nil).Once()
	r, store := setupTest(t, job)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	last := now.Add(-17 * time.Minute)
	seedSuccess(t, store, "alice", last)
	r.now = func() time.Time { return now }
	require.NoError(t, r.Start(ctx, "alice"))

	// Act
	first, err := r.RunNow(ctx, "alice")
	require.NoError(t, err)
	r.wg.Wait()

	// Assert: the late run plus the slot at last+10m; last+15m is within grace.
	stats, err := store.Statistics(ctx, "alice", last)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Missed)
	assert.Equal(t, int64(1), stats.Successful)

	items, err := store.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	var slots []time.Time
	for _, e := range items {
		if e.Missed && e.RunID != first.RunID {
			slots = append(slots, e.ScheduledTime)
			assert.False(t, e.Open())
			assert.False(t, e.Success)
		}
	}
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Equal(last.Add(10*time.Minute)))

	// A failed run does not move the last success; the next late run only
	// records slots after the previous start.
	now = now.Add(16 * time.Minute)
	second, err := r.RunNow(ctx, "alice")
	require.NoError(t, err)
	r.wg.Wait()

	assert.True(t, second.Missed)
	stats, err = store.Statistics(ctx, "alice", last)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Missed)
	job.AssertExpectations(t)
}

func TestStart_SeedsAccountedFromNewestRecord(t *testing.T) {
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", true).Return(reconcile.Report{}, nil).Once()
	r, store := setupTest(t, job)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Minute)
	seedSuccess(t, store, "alice", last)
	failedAt := now.Add(-16 * time.Minute)
	failed := &models.TaskExecution{Profile: "alice", ScheduledTime: failedAt, ActualStartTime: failedAt}
	require.NoError(t, store.Begin(ctx, failed))
	require.NoError(t, store.Finalize(ctx, failed.ID, history.Result{CompletionTime: failedAt.Add(time.Minute)}))

	r.now = func() time.Time { return now }
	require.NoError(t, r.Start(ctx, "alice"))

	_, err := r.RunNow(ctx, "alice")
	require.NoError(t, err)
	r.wg.Wait()

	// Only the slot 10m after the failed run is recorded, not the gap before it.
	stats, err := store.Statistics(ctx, "alice", last)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Missed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestStartStop(t *testing.T) {
	r, _ := setupTest(t, new(MockJob))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "alice"))
	require.NoError(t, r.Start(ctx, "alice"))
	require.NoError(t, r.Start(ctx, "bob"))

	status, err := r.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, status.State)
	assert.NotNil(t, status.NextRun)

	require.NoError(t, r.Stop("alice"))
	status, err = r.Status("alice")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)
	assert.Nil(t, status.NextRun)

	profiles := r.Profiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "alice", profiles[0].Profile)
	assert.Equal(t, StateScheduled, profiles[1].State)

	r.StopAll()
	assert.Equal(t, StateStopped, r.Profiles()[1].State)

	assert.ErrorIs(t, r.Stop("carol"), ErrUnknownProfile)
	_, err = r.Status("carol")
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestPruneNow(t *testing.T) {
	r, _ := setupTest(t, new(MockJob))
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	var cutoffs []time.Time
	ok := Pruner{Name: "ok", Prune: func(_ context.Context, olderThan time.Time) (int64, error) {
		cutoffs = append(cutoffs, olderThan)
		return 3, nil
	}}
	failing := Pruner{Name: "failing", Prune: func(context.Context, time.Time) (int64, error) {
		return 0, errors.New("locked")
	}}

	err := r.PruneNow(context.Background(), 24*time.Hour, failing, ok)

	assert.ErrorContains(t, err, "prune failing")
	require.Len(t, cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), cutoffs[0])
}

func TestRunNow_UnknownProfile(t *testing.T) {
	r, _ := setupTest(t, new(MockJob))

	_, err := r.RunNow(context.Background(), "typo")
	assert.ErrorIs(t, err, ErrUnknownProfile)

	_, err = r.RunNow(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnknownProfile)

	assert.Len(t, r.Profiles(), 1)
}

func TestExclusive_SharesTheRunGuard(t *testing.T) {
	// Arrange
	job := new(MockJob)
	r, store := setupTest(t, job)
	ctx := context.Background()
	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	// Act
	go func() {
		done <- r.Exclusive(ctx, "alice", func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	_, runErr := r.RunNow(ctx, "alice")
	exclusiveErr := r.Exclusive(ctx, "alice", func(context.Context) error { return nil })
	p, err := r.lookup("alice")
	require.NoError(t, err)
	r.tick(ctx, p)
	status, err := r.Status("alice")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)

	// Assert
	assert.ErrorIs(t, runErr, ErrAlreadyRunning)
	assert.ErrorIs(t, exclusiveErr, ErrAlreadyRunning)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, int64(3), status.SkippedTicks)
	job.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)

	items, err := store.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	status, err = r.Status("alice")
	require.NoError(t, err)
	assert.False(t, status.Running)

	err = r.Exclusive(ctx, "typo", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestExclusive_ReturnsError(t *testing.T) {
	r, _ := setupTest(t, new(MockJob))

	err := r.Exclusive(context.Background(), "alice", func(context.Context) error {
		return reconcile.ErrNoFreeSlots
	})

	assert.ErrorIs(t, err, reconcile.ErrNoFreeSlots)
	status, statusErr := r.Status("alice")
	require.NoError(t, statusErr)
	assert.False(t, status.Running)
}

func TestRun_JobIgnoringCancellationIsFlaggedStuck(t *testing.T) {
	// Arrange
	unblock := make(chan struct{})
	job := new(MockJob)
	job.On("Execute", mock.Anything, "alice", false).
		Run(func(mock.Arguments) { <-unblock }).
		Return(reconcile.Report{}, nil).Once()
	r, store := setupTest(t, job)
	r.timeout = 30 * time.Millisecond

	// Act
	_, err := r.RunNow(context.Background(), "alice")
	require.NoError(t, err)

	// Assert
	assert.Eventually(t, func() bool {
		status, err := r.Status("alice")
		return err == nil && status.Stuck && status.Running
	}, 2*time.Second, 10*time.Millisecond)

	rec := latest(t, store, "alice")
	assert.False(t, rec.Open())
	assert.Equal(t, reconcile.KindTimeout, rec.ErrorKind)

	close(unblock)
	r.wg.Wait()

	status, err := r.Status("alice")
	require.NoError(t, err)
	assert.False(t, status.Stuck)
	assert.False(t, status.Running)
}

func TestRun_ProfilesAreIsolated(t *testing.T) {
	testCases := []struct {
		name     string
		failing  func(mock.Arguments)
		wantKind string
	}{
		{
			name:     "panic",
			failing:  func(mock.Arguments) { panic("driver crashed") },
			wantKind: reconcile.KindPanic,
		},
		{
			name: "timeout",
			failing: func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			},
			wantKind: reconcile.KindTimeout,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			bobDone := make(chan struct{})
			job := new(MockJob)
			job.On("Execute", mock.Anything, "alice", false).
				Run(func(args mock.Arguments) {
					<-bobDone
					tc.failing(args)
				}).
				Return(reconcile.Report{}, context.DeadlineExceeded).Once()
			job.On("Execute", mock.Anything, "bob", false).
				Run(func(mock.Arguments) { close(bobDone) }).
				Return(reconcile.Report{Processed: 4}, nil).Once()
			r, store := setupTest(t, job)
			r.timeout = 200 * time.Millisecond
			r.ensure("bob")
			ctx := context.Background()

			// Act
			_, err := r.RunNow(ctx, "alice")
			require.NoError(t, err)
			_, err = r.RunNow(ctx, "bob")
			require.NoError(t, err)
			r.wg.Wait()

			// Assert
			alice := latest(t, store, "alice")
			assert.False(t, alice.Success)
			assert.Equal(t, tc.wantKind, alice.ErrorKind)

			bob := latest(t, store, "bob")
			assert.True(t, bob.Success)
			assert.Empty(t, bob.ErrorKind)
			assert.Equal(t, 4, bob.OrdersProcessed)

			bobStatus, err := r.Status("bob")
			require.NoError(t, err)
			assert.NotNil(t, bobStatus.LastSuccess)
			assert.Empty(t, bobStatus.LastError)
			assert.Zero(t, bobStatus.SkippedTicks)
			job.AssertExpectations(t)
		})
	}
}
