package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeTransport struct {
	mu        sync.Mutex
	acceptErr error
	found     map[string]models.Job
	accepts   []string
	declines  []string
	onAccept  func()
}

func (f *fakeTransport) FindJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.found[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return j, nil
}

func (f *fakeTransport) Accept(_ context.Context, id string) (models.Job, error) {
	if f.onAccept != nil {
		f.onAccept()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, id)
	if f.acceptErr != nil {
		return models.Job{}, f.acceptErr
	}
	return models.Job{ID: id, Status: models.StatusAccepted}, nil
}

func (f *fakeTransport) Decline(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declines = append(f.declines, id)
	return nil
}

func (f *fakeTransport) declineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.declines)
}

type fakeActivator struct {
	mu     sync.Mutex
	active *models.Job
}

func (f *fakeActivator) Activate(job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return errors.New("already active")
	}
	f.active = &job
	return nil
}

func (f *fakeActivator) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active != nil
}

type resolution struct {
	jobID   string
	outcome Outcome
	err     error
}

type recorder struct {
	mu        sync.Mutex
	presented []models.Offer
	resolved  []resolution
}

func (r *recorder) OfferPresented(o models.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presented = append(r.presented, o)
}

func (r *recorder) OfferResolved(o models.Offer, outcome Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, resolution{o.Job.ID, outcome, err})
}

func (r *recorder) resolutions() []resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resolution(nil), r.resolved...)
}

func newTestCoordinator(cfg Config) (*Coordinator, *fakeTransport, *fakeActivator, *recorder) {
	tr := &fakeTransport{found: map[string]models.Job{}}
	act := &fakeActivator{}
	rec := &recorder{}
	return NewCoordinator(cfg, tr, act, rec, nil), tr, act, rec
}

func offer(id string, direct bool) models.Offer {
	return models.Offer{Job: models.Job{ID: id, Status: models.StatusPending}, Direct: direct}
}

func TestFirstOfferWins(t *testing.T) {
	c, _, _, rec := newTestCoordinator(Config{Ticks: 30, Tick: time.Hour})
	defer c.Reset()

	assert.True(t, c.Present(offer("a", false)))
	assert.False(t, c.Present(offer("b", false)))

	snap := c.Snapshot()
	require.NotNil(t, snap.Offer)
	assert.Equal(t, StateOfferPending, snap.State)
	assert.Equal(t, "a", snap.Offer.Job.ID)
	assert.Equal(t, 30, snap.Offer.Remaining)
	assert.Len(t, rec.presented, 1)
}

func TestOfferIgnoredWhileJobActive(t *testing.T) {
	c, _, act, rec := newTestCoordinator(Config{Tick: time.Hour})
	act.active = &models.Job{ID: "busy", Status: models.StatusEnRoute}

	assert.False(t, c.Present(offer("a", true)))
	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Empty(t, rec.presented)
}

func TestAcceptActivatesServerJob(t *testing.T) {
	c, tr, act, rec := newTestCoordinator(Config{Tick: time.Hour})
	require.True(t, c.Present(offer("x", false)))

	job, err := c.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, job.Status)
	assert.Equal(t, []string{"x"}, tr.accepts)
	require.NotNil(t, act.active)
	assert.Equal(t, "x", act.active.ID)
	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Equal(t, []resolution{{"x", OutcomeAccepted, nil}}, rec.resolutions())
}

func TestAcceptFailureDropsOfferWithoutRetry(t *testing.T) {
	c, tr, act, rec := newTestCoordinator(Config{Tick: time.Hour})
	tr.acceptErr = errors.New("job already taken")
	require.True(t, c.Present(offer("x", false)))

	_, err := c.Accept(context.Background())
	require.Error(t, err)
	assert.Len(t, tr.accepts, 1)
	assert.Nil(t, act.active)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Offer)
	assert.Equal(t, "job already taken", snap.LastError)

	res := rec.resolutions()
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].outcome)
}

func TestAcceptWithoutOffer(t *testing.T) {
	c, _, _, _ := newTestCoordinator(Config{})
	_, err := c.Accept(context.Background())
	assert.ErrorIs(t, err, ErrNoOffer)
	assert.ErrorIs(t, c.Decline(context.Background()), ErrNoOffer)
}

func TestDirectOfferAutoDeclinesOnExpiry(t *testing.T) {
	c, tr, act, rec := newTestCoordinator(Config{Ticks: 3, Tick: 5 * time.Millisecond})
	require.True(t, c.Present(offer("x", true)))

	require.Eventually(t, func() bool { return len(rec.resolutions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, OutcomeExpired, rec.resolutions()[0].outcome)
	assert.Equal(t, 1, tr.declineCount())
	assert.Nil(t, act.active)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestBroadcastOfferExpiresSilently(t *testing.T) {
	c, tr, _, rec := newTestCoordinator(Config{Ticks: 2, Tick: 5 * time.Millisecond})
	require.True(t, c.Present(offer("x", false)))

	require.Eventually(t, func() bool { return len(rec.resolutions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.declineCount())
}

func TestDeclineRacingExpiryResolvesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		c, tr, _, rec := newTestCoordinator(Config{Ticks: 1, Tick: time.Millisecond})
		require.True(t, c.Present(offer("x", true)))
		time.Sleep(time.Millisecond)
		_ = c.Decline(context.Background())

		require.Eventually(t, func() bool { return len(rec.resolutions()) >= 1 }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		assert.Len(t, rec.resolutions(), 1)
		assert.Equal(t, 1, tr.declineCount())
	}
}

func TestResolvedJobIsNotPresentedAgain(t *testing.T) {
	c, _, _, _ := newTestCoordinator(Config{Tick: time.Hour})
	require.True(t, c.Present(offer("x", false)))
	require.NoError(t, c.Decline(context.Background()))

	assert.False(t, c.Present(offer("x", false)))
	assert.True(t, c.Present(offer("y", false)))
	c.Reset()
}

func TestRecentJobsForgottenAfterTTL(t *testing.T) {
	c, _, _, _ := newTestCoordinator(Config{Tick: time.Hour, RecentTTL: time.Minute})
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	require.True(t, c.Present(offer("x", false)))
	require.NoError(t, c.Decline(context.Background()))

	now = now.Add(2 * time.Minute)
	assert.True(t, c.Present(offer("x", false)))
	c.Reset()
}

func TestPresentAssignedFetchesJob(t *testing.T) {
	c, tr, _, _ := newTestCoordinator(Config{Tick: time.Hour})
	tr.found["x"] = models.Job{ID: "x", Status: models.StatusAssigned, DriverID: "me"}

	ok, err := c.PresentAssigned(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
	snap := c.Snapshot()
	require.NotNil(t, snap.Offer)
	assert.True(t, snap.Offer.Direct)

	_, err = c.PresentAssigned(context.Background(), "missing")
	assert.NoError(t, err, "guards run before lookup while an offer is pending")
	c.Reset()

	ok, err = c.PresentAssigned(context.Background(), "missing")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestResetCancelsCountdown(t *testing.T) {
	c, tr, _, rec := newTestCoordinator(Config{Ticks: 2, Tick: 5 * time.Millisecond})
	require.True(t, c.Present(offer("x", true)))
	c.Reset()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.resolutions())
	assert.Equal(t, 0, tr.declineCount())
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

// No action for the whole countdown: the offer auto-declines and no job
// becomes active.
func TestUnansweredOfferNeverActivates(t *testing.T) {
	c, tr, act, rec := newTestCoordinator(Config{Ticks: 30, Tick: time.Millisecond})
	require.True(t, c.Present(offer("x", true)))

	require.Eventually(t, func() bool { return len(rec.resolutions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, act.HasActive())
	assert.Equal(t, 1, tr.declineCount())
	assert.Empty(t, tr.accepts)
}

// The listener gets its own copy of the offer while the countdown ticks.
func TestPresentedOfferIsNotSharedWithCountdown(t *testing.T) {
	c, _, _, rec := newTestCoordinator(Config{Ticks: 1000, Tick: time.Millisecond})
	defer c.Reset()
	require.True(t, c.Present(offer("x", true)))

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Offer != nil && snap.Offer.Remaining < 990
	}, 2*time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.presented, 1)
	assert.Equal(t, 1000, rec.presented[0].Remaining)
}

type presentingActivator struct {
	c     *Coordinator
	late  bool
	state State
}

func (a *presentingActivator) Activate(models.Job) error {
	a.state = a.c.Snapshot().State
	a.late = a.c.Present(offer("late", true))
	return nil
}

func (a *presentingActivator) HasActive() bool { return false }

func TestNoOfferPresentedWhileActivating(t *testing.T) {
	act := &presentingActivator{}
	c := NewCoordinator(Config{Tick: time.Hour}, &fakeTransport{}, act, nil, nil)
	act.c = c
	require.True(t, c.Present(offer("x", false)))

	_, err := c.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAccepting, act.state)
	assert.False(t, act.late)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Offer)
}

func TestResetDuringAcceptHandsJobBack(t *testing.T) {
	c, tr, act, rec := newTestCoordinator(Config{Tick: time.Hour})
	tr.onAccept = c.Reset
	require.True(t, c.Present(offer("x", false)))

	_, err := c.Accept(context.Background())
	assert.ErrorIs(t, err, ErrOfferReset)
	assert.Nil(t, act.active)
	assert.Equal(t, []string{"x"}, tr.declines)
	assert.Equal(t, StateIdle, c.Snapshot().State)

	res := rec.resolutions()
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeFailed, res[0].outcome)
}

func TestFailedActivationHandsJobBack(t *testing.T) {
	c, tr, act, _ := newTestCoordinator(Config{Tick: time.Hour})
	require.True(t, c.Present(offer("x", false)))
	act.mu.Lock()
	act.active = &models.Job{ID: "busy", Status: models.StatusEnRoute}
	act.mu.Unlock()

	_, err := c.Accept(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"x"}, tr.declines)
	assert.Equal(t, "busy", act.active.ID)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestRecentReportsResolvedJobs(t *testing.T) {
	c, _, _, _ := newTestCoordinator(Config{Tick: time.Hour})
	require.True(t, c.Present(offer("x", false)))
	assert.False(t, c.Recent("x"))
	require.NoError(t, c.Decline(context.Background()))
	assert.True(t, c.Recent("x"))
	assert.False(t, c.Recent("y"))
}
