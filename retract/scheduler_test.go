package retract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumabyte/sharegate/delivery"
	"github.com/lumabyte/sharegate/telemetry"
	"github.com/lumabyte/sharegate/tgapi"
)

type fakeDeleter struct {
	mu      sync.Mutex
	deletes []int64
	edits   []string
	sent    []string

	deleteErr error
	editErr   error
	// throttleFirst makes the first delete call return a throttle signal.
	throttleFirst bool
	deleteCalls   int
}

func (f *fakeDeleter) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.throttleFirst && f.deleteCalls == 1 {
		return &tgapi.RetryAfterError{Seconds: 4}
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeDeleter) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeDeleter) SendMessage(ctx context.Context, params tgapi.SendMessageParams) (*tgapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params.Text)
	return &tgapi.Message{MessageID: 1}, nil
}

func newTestScheduler(api Deleter) (*Scheduler, *[]time.Duration) {
	telemetry.Init()
	var slept []time.Duration
	var mu sync.Mutex
	s := &Scheduler{
		API:         api,
		SuccessText: "Your files are gone.",
		Sleep: func(ctx context.Context, d time.Duration) {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
		},
	}
	return s, &slept
}

func testJob(copies ...int64) delivery.Job {
	job := delivery.Job{ID: "job-1", ChatID: 42, NoticeID: 900}
	for _, id := range copies {
		job.Copies = append(job.Copies, delivery.Copy{ChatID: 42, MessageID: id})
	}
	return job
}

func TestScheduleDeletesEveryCopyAfterDelay(t *testing.T) {
	api := &fakeDeleter{}
	s, slept := newTestScheduler(api)

	s.Schedule(testJob(10, 11, 12), 90*time.Second)
	s.Wait()

	assert.Equal(t, []int64{10, 11, 12}, api.deletes)
	require.NotEmpty(t, *slept)
	assert.Equal(t, 90*time.Second, (*slept)[0])
	require.Len(t, api.edits, 1, "the pending notice is replaced by the confirmation")
	assert.Equal(t, "Your files are gone.", api.edits[0])
	assert.Empty(t, api.sent)
}

func TestScheduleConfirmsExactlyOnceWhenAllDeletesFail(t *testing.T) {
	api := &fakeDeleter{deleteErr: errors.New("message can't be deleted")}
	s, _ := newTestScheduler(api)

	s.Schedule(testJob(10, 11, 12), time.Second)
	s.Wait()

	assert.Empty(t, api.deletes)
	assert.Len(t, api.edits, 1, "exactly one confirmation regardless of failures")
	assert.Empty(t, api.sent)
}

func TestScheduleThrottledDeleteRetriesOnce(t *testing.T) {
	api := &fakeDeleter{throttleFirst: true}
	s, slept := newTestScheduler(api)

	s.Schedule(testJob(10), time.Minute)
	s.Wait()

	assert.Equal(t, []int64{10}, api.deletes)
	assert.Equal(t, 2, api.deleteCalls)
	// Delay sleep first, then the throttle-mandated wait.
	require.Len(t, *slept, 2)
	assert.Equal(t, 4*time.Second, (*slept)[1])
}

func TestScheduleConfirmationFallsBackToSend(t *testing.T) {
	api := &fakeDeleter{editErr: errors.New("message to edit not found")}
	s, _ := newTestScheduler(api)

	s.Schedule(testJob(10), time.Second)
	s.Wait()

	assert.Empty(t, api.edits)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "Your files are gone.", api.sent[0])
}

func TestScheduleWithoutNoticeSendsConfirmation(t *testing.T) {
	api := &fakeDeleter{}
	s, _ := newTestScheduler(api)

	job := testJob(10)
	job.NoticeID = 0
	s.Schedule(job, time.Second)
	s.Wait()

	assert.Empty(t, api.edits)
	require.Len(t, api.sent, 1)
}

func TestScheduleJobsAreIndependent(t *testing.T) {
	api := &fakeDeleter{}
	s, _ := newTestScheduler(api)

	s.Schedule(testJob(1, 2), time.Second)
	s.Schedule(testJob(3), time.Second)
	s.Wait()

	assert.ElementsMatch(t, []int64{1, 2, 3}, api.deletes)
	assert.Len(t, api.edits, 2)
}
