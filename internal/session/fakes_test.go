package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/cache"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/events"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/transport"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

var errNetwork = &transport.Error{Kind: transport.KindTransient, Op: "profile", Err: errors.New("connection refused")}

type fakeAPI struct {
	mu sync.Mutex

	profile      models.Profile
	profileErr   error
	profileDelay time.Duration
	profileCalls int
	inFlight     int
	maxInFlight  int

	jobs      []models.Job
	pollCalls int
	found     map[string]models.Job
	findGate  chan struct{} // when set, FindJob waits for it to close
	held      map[string]models.Job

	availability []bool
	statusErr    error
	locations    []models.Coord
	quote        models.VolumeQuote
	declines     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		profile: models.Profile{ID: "c1", UserID: "u1", ApprovalStatus: models.ApprovalApproved},
		found:   map[string]models.Job{},
		held:    map[string]models.Job{},
	}
}

func (f *fakeAPI) Profile(context.Context) (models.Profile, error) {
	f.mu.Lock()
	f.profileCalls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay, p, err := f.profileDelay, f.profile, f.profileErr
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return p, err
}

func (f *fakeAPI) SetAvailability(_ context.Context, online bool) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availability = append(f.availability, online)
	p := f.profile
	p.IsOnline = online
	return p, nil
}

func (f *fakeAPI) AvailableJobs(context.Context) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	return append([]models.Job(nil), f.jobs...), nil
}

func (f *fakeAPI) FindJob(ctx context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	gate := f.findGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Job{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.found[id]
	if !ok {
		return models.Job{}, &transport.Error{Kind: transport.KindRejected, StatusCode: 404, Message: "job not found"}
	}
	return j, nil
}

func (f *fakeAPI) Accept(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lat, lng := 40.73, -73.93
	j := models.Job{ID: id, Status: models.StatusAccepted, DriverID: "c1", Lat: &lat, Lng: &lng, TotalPrice: 200}
	f.held[id] = j
	return j, nil
}

func (f *fakeAPI) Decline(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declines = append(f.declines, id)
	return nil
}

func (f *fakeAPI) UpdateStatus(_ context.Context, id string, upd models.StatusUpdate) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return models.Job{}, f.statusErr
	}
	j, ok := f.held[id]
	if !ok {
		j = models.Job{ID: id}
	}
	j.Status = upd.Status
	j.BeforePhotos, j.AfterPhotos = upd.BeforePhotos, upd.AfterPhotos
	f.held[id] = j
	return j, nil
}

func (f *fakeAPI) ProposeVolume(context.Context, string, float64) (models.VolumeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quote, nil
}

func (f *fakeAPI) UpdateLocation(_ context.Context, at models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, at)
	return nil
}

func (f *fakeAPI) counts() (profileCalls, maxInFlight, pollCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profileCalls, f.maxInFlight, f.pollCalls
}

func (f *fakeAPI) locationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

type fakePush struct {
	mu         sync.Mutex
	calls      []string
	bus        *events.Bus
	connected  bool
	broadcasts []events.LocationBroadcast
}

func (p *fakePush) Open(_ context.Context, token string, bus *events.Bus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "open:"+token)
	p.bus = bus
	p.connected = true
	return nil
}

func (p *fakePush) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "close")
	p.connected = false
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) JoinRoom(room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "join:"+room)
	return nil
}

func (p *fakePush) LeaveRoom(room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "leave:"+room)
	return nil
}

func (p *fakePush) BroadcastLocation(b events.LocationBroadcast) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, b)
	return nil
}

func (p *fakePush) publish(ev events.Event) {
	p.mu.Lock()
	bus := p.bus
	p.mu.Unlock()
	bus.Publish(ev)
}

func (p *fakePush) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type harness struct {
	c       *Coordinator
	api     *fakeAPI
	push    *fakePush
	tokens  *auth.TokenStore
	pub     *location.Publisher
	history *storage.MemoryStore
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	h := &harness{
		api:     newFakeAPI(),
		push:    &fakePush{},
		tokens:  auth.NewTokenStore(token),
		history: storage.NewMemoryStore(),
	}
	feed := location.NewFeedSensor()
	h.pub = location.NewPublisher(feed)
	h.c = New(Config{
		PollInterval:      time.Hour,
		ProfileMaxRetries: 2,
		ProfileBackOff:    func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Dispatch:          dispatch.Config{Tick: time.Hour},
	}, Deps{
		API:       h.api,
		Push:      h.push,
		Tokens:    h.tokens,
		Publisher: h.pub,
		Feed:      feed,
		Profiles:  cache.NewMemoryProfileCache(),
		History:   h.history,
		Logger:    logging.Discard(),
	})
	t.Cleanup(func() { h.c.Logout(context.Background()) })
	return h
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
