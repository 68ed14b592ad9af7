package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shipwatch/shipwatch-triage/internal/bridge"
	"shipwatch/shipwatch-triage/internal/clinical"
	"shipwatch/shipwatch-triage/internal/config"
	"shipwatch/shipwatch-triage/internal/driver"
	"shipwatch/shipwatch-triage/internal/fanout"
	"shipwatch/shipwatch-triage/internal/models"
	"shipwatch/shipwatch-triage/internal/presence"
	"shipwatch/shipwatch-triage/internal/repository"
	"shipwatch/shipwatch-triage/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond

var seededAt = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := &config.Config{Store: config.StoreMemory, BridgeTransport: config.TransportMemory}
	cfg.Triage.TickInterval = time.Hour
	cfg.Triage.AdmitChance = 1
	cfg.Triage.MaxConcurrentVisits = 3
	cfg.Triage.TicksPerDwellHour = 1
	cfg.Triage.ObservationFloorTicks = -1
	cfg.Bridge.BackoffFloor = 10 * time.Millisecond
	cfg.Bridge.BackoffCeiling = 40 * time.Millisecond
	cfg.Fanout.MailboxLimit = 256
	return cfg
}

type harness struct {
	svc  *service.TriageService
	repo *repository.MemoryTriageRepository
	bus  *bridge.MemoryBus
}

func newHarness(t *testing.T, cfg *config.Config, deps service.Deps) *harness {
	t.Helper()
	bus := bridge.NewMemoryBus()
	repo := repository.NewMemoryTriageRepository(bus, zap.NewNop())
	service.SeedDemoRoster(context.Background(), repo, seededAt)

	deps.Store = repo
	deps.Transport = bus
	if deps.Draws == nil {
		deps.Draws = driver.NewSeededDraws(7)
	}
	svc, err := service.NewWithDeps(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return &harness{svc: svc, repo: repo, bus: bus}
}

// start returns once the first resync has been published
func (h *harness) start(t *testing.T) {
	t.Helper()
	sub := h.svc.Hub().Subscribe(models.RoutePresenceSummary)
	defer sub.Close()
	require.NoError(t, h.svc.Start(context.Background()))
	recv(t, sub)
}

func recv(t *testing.T, sub *fanout.Subscription) fanout.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(waitFor):
		t.Fatalf("no message on %s", sub.Topic())
		return fanout.Message{}
	}
}

// drain reads until the subscription has been idle for a while
func drain(sub *fanout.Subscription) []fanout.Message {
	var out []fanout.Message
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func decodePresence(t *testing.T, msg fanout.Message) models.EffectivePresence {
	t.Helper()
	require.Equal(t, models.KindPresence, msg.Kind)
	var p models.EffectivePresence
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

func TestService_AdmissionPublishesTriageThenPresence(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)

	triage := h.svc.Hub().Subscribe(models.RouteTriage)
	crew := h.svc.Hub().Subscribe(models.CrewRoute("crew-03"))
	all := h.svc.Hub().Subscribe(models.RouteAllCrew)
	summary := h.svc.Hub().Subscribe(models.RoutePresenceSummary)

	visit, err := h.svc.Engine().Admit(context.Background(), clinical.AdmitRequest{CrewID: "crew-03", Acuity: models.AcuitySerious})
	require.NoError(t, err)

	msg := recv(t, triage)
	var notice models.ChangeNotice
	require.NoError(t, json.Unmarshal(msg.Payload, &notice))
	assert.Equal(t, visit.VisitID, notice.VisitID)
	assert.Equal(t, "insert", notice.Op)

	p := decodePresence(t, recv(t, crew))
	assert.True(t, p.InTreatment)
	assert.Equal(t, models.SickbayZone, p.DeckZone)
	assert.True(t, p.Consistent())
	assert.Equal(t, p, decodePresence(t, recv(t, all)))

	var s models.PresenceSummary
	require.NoError(t, json.Unmarshal(recv(t, summary).Payload, &s))
	assert.Equal(t, 1, s.InTreatment)
	assert.Equal(t, 10, s.Total)
}

func TestService_ListenersFollowChangesUntilClosed(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)

	var mu sync.Mutex
	var presences []models.EffectivePresence
	var triages []models.Event
	pl := h.svc.OnPresenceChanged(func(p models.EffectivePresence) {
		mu.Lock()
		presences = append(presences, p)
		mu.Unlock()
	})
	tl := h.svc.OnTriageChanged(func(e models.Event) {
		mu.Lock()
		triages = append(triages, e)
		mu.Unlock()
	})

	summary := h.svc.Hub().Subscribe(models.RoutePresenceSummary)
	_, err := h.svc.Engine().Admit(context.Background(), clinical.AdmitRequest{CrewID: "crew-09", Acuity: models.AcuityFair})
	require.NoError(t, err)
	recv(t, summary)

	mu.Lock()
	require.Len(t, triages, 1)
	assert.Equal(t, "crew-09", triages[0].CrewID)
	require.Len(t, presences, 1)
	assert.True(t, presences[0].InTreatment)
	mu.Unlock()

	pl.Close()
	pl.Close()
	tl.Close()

	_, err = h.svc.Engine().Admit(context.Background(), clinical.AdmitRequest{CrewID: "crew-04", Acuity: models.AcuityFair})
	require.NoError(t, err)
	recv(t, summary)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, triages, 1)
	assert.Len(t, presences, 1)
}

func TestService_PanickingListenerDoesNotStopDelivery(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)

	h.svc.OnPresenceChanged(func(models.EffectivePresence) { panic("listener bug") })
	crew := h.svc.Hub().Subscribe(models.CrewRoute("crew-09"))
	summary := h.svc.Hub().Subscribe(models.RoutePresenceSummary)

	_, err := h.svc.Engine().Admit(context.Background(), clinical.AdmitRequest{CrewID: "crew-09", Acuity: models.AcuityFair})
	require.NoError(t, err)

	assert.True(t, decodePresence(t, recv(t, crew)).InTreatment)
	recv(t, summary)
}

func TestService_LifecycleKeepsPresenceConsistent(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)
	ctx := context.Background()

	crew := h.svc.Hub().Subscribe(models.CrewRoute("crew-09"))
	visit, err := h.svc.Engine().Admit(ctx, clinical.AdmitRequest{CrewID: "crew-09", Acuity: models.AcuityFair})
	require.NoError(t, err)

	want := h.svc.Engine().Tables().DischargeTick(models.AcuityFair)
	dischargedAt := 0
	for tick := 1; tick <= want+2 && dischargedAt == 0; tick++ {
		if r := h.svc.AdvanceOneTick(ctx); r.Discharged > 0 {
			dischargedAt = tick
		}
	}
	assert.Equal(t, want, dischargedAt)

	open, err := h.svc.OpenVisits(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	msgs := drain(crew)
	require.NotEmpty(t, msgs)
	for _, msg := range msgs {
		p := decodePresence(t, msg)
		assert.True(t, p.Consistent(), "inconsistent presence %+v", p)
	}
	first := decodePresence(t, msgs[0])
	assert.True(t, first.InTreatment)
	last := decodePresence(t, msgs[len(msgs)-1])
	assert.False(t, last.InTreatment)
	assert.Equal(t, "Galley", last.DeckZone)
	assert.True(t, last.OnDuty)

	_, tracked := h.svc.Engine().Plans().Snapshot(visit.VisitID)
	assert.False(t, tracked)
}

func TestService_MissionChangesReachMissionRoute(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)

	mission := h.svc.Hub().Subscribe(models.MissionRoute("survey-7"))
	c, err := h.repo.GetCrew(context.Background(), "crew-04")
	require.NoError(t, err)
	id := "survey-7"
	c.MissionID = &id
	h.repo.UpsertCrew(context.Background(), *c)

	first := recv(t, mission)
	assert.Equal(t, "crew-04", decodePresence(t, first).CrewID)
	second := recv(t, mission)
	assert.Equal(t, models.KindMission, second.Kind)
}

func TestService_ResyncsAfterBridgeOutage(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.BackoffFloor = 300 * time.Millisecond
	cfg.Bridge.BackoffCeiling = time.Second
	h := newHarness(t, cfg, service.Deps{})
	h.start(t)

	crew := h.svc.Hub().Subscribe(models.CrewRoute("crew-08"))
	h.bus.Break(errors.New("connection reset"))
	require.Eventually(t, func() bool { return h.svc.BridgeState() == bridge.StateDisconnected }, waitFor, time.Millisecond)

	// committed while nobody listens; the transport never replays it
	c, err := h.repo.GetCrew(context.Background(), "crew-08")
	require.NoError(t, err)
	c.OnDuty = true
	c.DeckZone = "Armory"
	h.repo.UpsertCrew(context.Background(), *c)

	p := decodePresence(t, recv(t, crew))
	assert.True(t, p.OnDuty)
	assert.Equal(t, "Armory", p.DeckZone)
	require.Eventually(t, func() bool { return h.svc.BridgeState() == bridge.StateListening }, waitFor, pollEvery)
	assert.Equal(t, 1, h.bus.Subscribers(models.TopicTriageChanged))
}

func TestService_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)

	sub := h.svc.Hub().Subscribe(models.RouteAllCrew)
	require.NoError(t, h.svc.Stop(context.Background()))
	require.NoError(t, h.svc.Stop(context.Background()))

	assert.Equal(t, bridge.StateClosed, h.svc.BridgeState())
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, h.bus.Subscribers(models.TopicTriageChanged))
}

func TestService_StartTwiceFails(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	h.start(t)
	assert.Error(t, h.svc.Start(context.Background()))
}

func TestService_PresenceCacheFollowsRecomputes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := presence.NewCacheManager(presence.NewRedisKVStore(client), time.Minute, zap.NewNop())

	h := newHarness(t, testConfig(), service.Deps{Cache: cache})
	h.start(t)
	ctx := context.Background()

	cached, err := h.svc.CachedSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cached.InTreatment)

	crew := h.svc.Hub().Subscribe(models.CrewRoute("crew-03"))
	summary := h.svc.Hub().Subscribe(models.RoutePresenceSummary)
	_, err = h.svc.Engine().Admit(ctx, clinical.AdmitRequest{CrewID: "crew-03", Acuity: models.AcuityStable})
	require.NoError(t, err)
	recv(t, crew)
	recv(t, summary)

	p, err := cache.GetCrew(ctx, "crew-03")
	require.NoError(t, err)
	assert.True(t, p.InTreatment)

	viaService, err := h.svc.CachedPresence(ctx, "crew-03")
	require.NoError(t, err)
	assert.Equal(t, p, viaService)

	cached, err = h.svc.CachedSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.InTreatment)
}

func TestService_RecentEventsReadsJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	journal := fanout.NewStreamSink(client, "shipwatch:events", 1000)

	h := newHarness(t, testConfig(), service.Deps{Sinks: []fanout.Sink{journal}})
	h.start(t)

	_, err := h.svc.Engine().Admit(context.Background(), clinical.AdmitRequest{CrewID: "crew-05", Acuity: models.AcuityStable})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, err := h.svc.RecentEvents(context.Background(), 100)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Topic == models.RouteTriage {
				return true
			}
		}
		return false
	}, waitFor, pollEvery)
}

func TestService_RecentEventsWithoutJournal(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	_, err := h.svc.RecentEvents(context.Background(), 10)
	assert.ErrorIs(t, err, fanout.ErrNoJournal)
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, msg fanout.Message) error {
	s.mu.Lock()
	s.topics = append(s.topics, msg.Topic)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) seen(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func TestService_SinksSeeHubTraffic(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, testConfig(), service.Deps{Sinks: []fanout.Sink{sink}})
	h.start(t)

	_, err := h.svc.Engine().Admit(context.Background(), clinical.AdmitRequest{CrewID: "crew-02", Acuity: models.AcuityGood})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.seen(models.RouteTriage) && sink.seen(models.CrewRoute("crew-02")) && sink.seen(models.MissionRoute("survey-7"))
	}, waitFor, pollEvery)
}

func TestService_DriverAdmitsOnSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Triage.DriverEnabled = true
	cfg.Triage.TickInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, service.Deps{})
	h.start(t)

	require.Eventually(t, func() bool {
		open, err := h.svc.OpenVisits(context.Background())
		return err == nil && len(open) > 0
	}, waitFor, pollEvery)

	require.NoError(t, h.svc.Stop(context.Background()))
	open, err := h.svc.OpenVisits(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(open), cfg.Triage.MaxConcurrentVisits)
}

func TestService_ComputeMatchesResolver(t *testing.T) {
	h := newHarness(t, testConfig(), service.Deps{})
	ctx := context.Background()

	all, err := h.svc.AllPresence(ctx)
	require.NoError(t, err)
	require.Len(t, all, 10)

	one, err := h.svc.ComputeEffectivePresence(ctx, all[0].CrewID)
	require.NoError(t, err)
	assert.Equal(t, all[0].CrewID, one.CrewID)
	assert.Equal(t, all[0].DeckZone, one.DeckZone)

	s, err := h.svc.ComputeEffectiveSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 9, s.OnDuty)
	assert.Equal(t, 5, s.Busy)
}

func TestNewWithDeps_RequiresStoreAndTransport(t *testing.T) {
	_, err := service.NewWithDeps(testConfig(), service.Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewWithDeps_RejectsBadTables(t *testing.T) {
	cfg := testConfig()
	cfg.Triage.TicksPerDwellHour = 0
	bus := bridge.NewMemoryBus()
	_, err := service.NewWithDeps(cfg, service.Deps{
		Store:     repository.NewMemoryTriageRepository(bus, zap.NewNop()),
		Transport: bus,
	}, zap.NewNop())
	assert.Error(t, err)
}
