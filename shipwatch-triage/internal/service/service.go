package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"shipwatch/ship-common/database"
	mqttcommon "shipwatch/ship-common/mqtt"
	rediscommon "shipwatch/ship-common/redis"
	"shipwatch/shipwatch-triage/internal/bridge"
	"shipwatch/shipwatch-triage/internal/clinical"
	"shipwatch/shipwatch-triage/internal/config"
	"shipwatch/shipwatch-triage/internal/driver"
	"shipwatch/shipwatch-triage/internal/fanout"
	"shipwatch/shipwatch-triage/internal/models"
	"shipwatch/shipwatch-triage/internal/presence"
	"shipwatch/shipwatch-triage/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const mqttPublishTimeout = 5 * time.Second

// Deps collaborators of the service. New builds them from config; tests and
// embedders pass their own to NewWithDeps.
type Deps struct {
	Store     repository.TriageStore
	Transport bridge.Transport
	// Draws nil means seeded from Triage.Seed
	Draws     clinical.Draws
	Cache     *presence.CacheManager
	Sinks     []fanout.Sink
	Scheduler bridge.Scheduler
	Now       func() time.Time
	// Closers run by Stop after everything else, last first
	Closers []func() error
}

// TriageService wires the clinical engine, the presence resolver, the change
// bridge and the fan-out hub. Every committed change the bridge delivers is
// turned into presence recomputes published on the hub.
type TriageService struct {
	config *config.Config
	logger *zap.Logger

	store    repository.TriageStore
	engine   *clinical.Engine
	resolver *presence.Resolver
	cache    *presence.CacheManager
	hub      *fanout.Hub
	bridge   *bridge.Bridge
	runner   *driver.Runner
	sinks    []fanout.Sink
	closers  []func() error

	presenceListeners *listenerSet[models.EffectivePresence]
	triageListeners   *listenerSet[models.Event]

	// serialises event handling with full resyncs so hub order follows commit order
	recomputeMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds storage, transport, cache and sinks from cfg
func New(cfg *config.Config, logger *zap.Logger) (*TriageService, error) {
	var deps Deps
	fail := func(err error) (*TriageService, error) {
		closeAll(deps.Closers, logger)
		return nil, err
	}

	var redisClient *redis.Client
	transport := cfg.Transport()
	if cfg.Fanout.StreamEnabled || cfg.Presence.CacheEnabled || transport == config.TransportRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		cancel()
		if err != nil {
			return fail(err)
		}
		redisClient = client
		deps.Closers = append(deps.Closers, func() error { return rediscommon.Close(client) })
	}

	switch cfg.Store {
	case config.StorePostgres:
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to database: %w", err))
		}
		deps.Closers = append(deps.Closers, func() error { return database.Close(db) })
		deps.Store = repository.NewPostgresTriageRepository(db, logger)
		deps.Transport = bridge.NewPostgresTransport(cfg.Database.GetDSN(), logger)

	case config.StoreMemory:
		repo := repository.NewMemoryTriageRepository(nil, logger)
		switch transport {
		case config.TransportRedis:
			repo.SetNotifier(bridge.NewRedisPublisher(redisClient))
			deps.Transport = bridge.NewRedisTransport(redisClient)
		default:
			bus := bridge.NewMemoryBus()
			repo.SetNotifier(bus)
			deps.Transport = bus
		}
		n := SeedDemoRoster(context.Background(), repo, time.Now())
		logger.Info("Seeded demo roster", zap.Int("crew", n))
		deps.Store = repo

	default:
		return fail(fmt.Errorf("unsupported store: %s", cfg.Store))
	}

	if cfg.Presence.CacheEnabled {
		deps.Cache = presence.NewCacheManager(presence.NewRedisKVStore(redisClient), cfg.Presence.CacheTTL, logger)
	}
	if cfg.Fanout.StreamEnabled {
		deps.Sinks = append(deps.Sinks, fanout.NewStreamSink(redisClient, cfg.Fanout.EventStream, cfg.Fanout.StreamMaxLen))
	}
	if cfg.Fanout.MQTTEnabled {
		mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return fail(err)
		}
		deps.Closers = append(deps.Closers, func() error { mqttClient.Disconnect(); return nil })
		deps.Sinks = append(deps.Sinks, fanout.NewMQTTSink(mqttClient, cfg.MQTT.TopicPrefix, mqttPublishTimeout))
	}

	svc, err := NewWithDeps(cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	return svc, nil
}

// NewWithDeps builds the service around caller-supplied collaborators
func NewWithDeps(cfg *config.Config, deps Deps, logger *zap.Logger) (*TriageService, error) {
	if deps.Store == nil || deps.Transport == nil {
		return nil, errors.New("store and transport are required")
	}
	tables, err := cfg.ClinicalTables()
	if err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	draws := deps.Draws
	if draws == nil {
		draws = driver.NewSeededDraws(cfg.Triage.Seed)
	}

	s := &TriageService{
		config:            cfg,
		logger:            logger,
		store:             deps.Store,
		cache:             deps.Cache,
		sinks:             deps.Sinks,
		closers:           deps.Closers,
		presenceListeners: newListenerSet[models.EffectivePresence]("presence", logger),
		triageListeners:   newListenerSet[models.Event]("triage", logger),
	}

	s.engine = clinical.NewEngine(deps.Store, tables, draws, logger,
		clinical.WithClock(now),
		clinical.WithCASRetries(cfg.Triage.CASRetries),
	)
	s.resolver = presence.NewResolver(deps.Store, now)
	s.hub = fanout.NewHub(logger,
		fanout.WithMailboxLimit(cfg.Fanout.MailboxLimit),
		fanout.WithClock(now),
	)
	s.bridge = bridge.New(deps.Transport, models.StoreTopics, s.handleEvent, logger,
		bridge.WithBackoff(cfg.Bridge.BackoffFloor, cfg.Bridge.BackoffCeiling),
		bridge.WithScheduler(deps.Scheduler),
		bridge.WithStateObserver(s.onBridgeState),
		bridge.WithClock(now),
	)
	if cfg.Triage.DriverEnabled {
		s.runner = driver.NewRunner(s.engine, driver.Config{
			Interval:      cfg.Triage.TickInterval,
			MaxConcurrent: cfg.Triage.MaxConcurrentVisits,
			AdmitChance:   cfg.Triage.AdmitChance,
		}, logger)
		s.runner.OnTick(s.logTick)
	}
	return s, nil
}

// Start attaches sinks and starts the bridge and, when enabled, the driver.
// It does not block.
func (s *TriageService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Starting triage service",
		zap.String("store", s.config.Store),
		zap.String("transport", s.config.Transport()),
		zap.Bool("driver_enabled", s.runner != nil),
		zap.Bool("cache_enabled", s.cache != nil),
		zap.Int("sinks", len(s.sinks)),
	)

	for _, sink := range s.sinks {
		s.hub.AttachSink(runCtx, sink)
	}
	s.bridge.Start(runCtx)
	if s.runner != nil {
		s.runner.Start(runCtx)
	}
	return nil
}

// Stop halts the driver, then the bridge, then the hub, and releases
// connections. Waits at most until ctx is done; safe to call more than once.
func (s *TriageService) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.stopOnce.Do(s.shutdown)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop triage service: %w", ctx.Err())
	}
}

func (s *TriageService) shutdown() {
	if s.runner != nil {
		s.runner.Stop()
	}
	s.bridge.Stop()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.hub.Close()
	closeAll(s.closers, s.logger)
	s.logger.Info("Triage service stopped")
}

func closeAll(closers []func() error, logger *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("Failed to release resource", zap.Error(err))
		}
	}
}

func (s *TriageService) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Engine the clinical state machine, for admissions and manual ticks
func (s *TriageService) Engine() *clinical.Engine { return s.engine }

// Hub fan-out hub observers subscribe on
func (s *TriageService) Hub() *fanout.Hub { return s.hub }

// BridgeState current state of the change bridge
func (s *TriageService) BridgeState() bridge.State { return s.bridge.State() }

// AdvanceOneTick one progression pass outside the driver's schedule
func (s *TriageService) AdvanceOneTick(ctx context.Context) clinical.TickReport {
	return s.engine.AdvanceOneTick(ctx)
}

// AdmitIfRoom one admission draw with the configured capacity and odds
func (s *TriageService) AdmitIfRoom(ctx context.Context) (*models.TriageVisit, error) {
	return s.engine.AdmitIfRoom(ctx, s.config.Triage.MaxConcurrentVisits, s.config.Triage.AdmitChance)
}

// ComputeEffectivePresence fresh from the store
func (s *TriageService) ComputeEffectivePresence(ctx context.Context, crewID string) (models.EffectivePresence, error) {
	return s.resolver.ForCrew(ctx, crewID)
}

// ComputeEffectiveSummary fresh from the store
func (s *TriageService) ComputeEffectiveSummary(ctx context.Context) (models.PresenceSummary, error) {
	return s.resolver.Summary(ctx)
}

// OpenVisits visits currently open, oldest first
func (s *TriageService) OpenVisits(ctx context.Context) ([]models.TriageVisit, error) {
	return s.store.ListOpenVisits(ctx)
}

// AllPresence every active crew member
func (s *TriageService) AllPresence(ctx context.Context) ([]models.EffectivePresence, error) {
	return s.resolver.All(ctx)
}

// CachedPresence reads the presence cache first and falls back to the store
func (s *TriageService) CachedPresence(ctx context.Context, crewID string) (models.EffectivePresence, error) {
	if s.cache != nil {
		p, err := s.cache.GetCrew(ctx, crewID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, presence.ErrCacheMiss) {
			s.logger.Warn("Failed to read presence cache", zap.String("crew_id", crewID), zap.Error(err))
		}
	}
	return s.resolver.ForCrew(ctx, crewID)
}

// CachedSummary reads the cached summary first and falls back to the store
func (s *TriageService) CachedSummary(ctx context.Context) (models.PresenceSummary, error) {
	if s.cache != nil {
		summary, err := s.cache.GetSummary(ctx)
		if err == nil {
			return summary, nil
		}
		if !errors.Is(err, presence.ErrCacheMiss) {
			s.logger.Warn("Failed to read summary cache", zap.Error(err))
		}
	}
	return s.resolver.Summary(ctx)
}

// RecentEvents newest hub messages from the event journal, newest first
func (s *TriageService) RecentEvents(ctx context.Context, count int64) ([]fanout.Message, error) {
	for _, sink := range s.sinks {
		if journal, ok := sink.(fanout.Journal); ok {
			return journal.Recent(ctx, count)
		}
	}
	return nil, fanout.ErrNoJournal
}

// OnPresenceChanged handler gets every recomputed presence record, in the
// order the underlying changes were committed
func (s *TriageService) OnPresenceChanged(handler func(models.EffectivePresence)) *Listener {
	return s.presenceListeners.add(handler)
}

// OnTriageChanged handler gets every committed visit change
func (s *TriageService) OnTriageChanged(handler func(models.Event)) *Listener {
	return s.triageListeners.add(handler)
}

func (s *TriageService) handleEvent(ev models.Event) {
	ctx := s.context()

	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()

	switch ev.Topic {
	case models.TopicTriageChanged:
		s.hub.PublishRaw(models.RouteTriage, models.KindTriage, ev.Payload)
		s.triageListeners.emit(ev)
		if closedVisit(ev) {
			s.engine.Forget(ev.VisitID)
		}
		s.recompute(ctx, ev.CrewID)

	case models.TopicCrewChanged:
		s.recompute(ctx, ev.CrewID)

	case models.TopicMissionChanged:
		s.hub.PublishRaw(models.MissionRoute(ev.MissionID), models.KindMission, ev.Payload)
	}
}

func closedVisit(ev models.Event) bool {
	var notice models.ChangeNotice
	if err := json.Unmarshal(ev.Payload, &notice); err != nil {
		return false
	}
	return notice.EndedAt != nil || notice.State == models.VisitDischarged
}

// recompute publishes the crew member's presence and the new summary
func (s *TriageService) recompute(ctx context.Context, crewID string) {
	crew, p, err := s.resolver.Lookup(ctx, crewID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.logger.Debug("Change for unknown crew member", zap.String("crew_id", crewID))
	case err != nil:
		s.logger.Error("Failed to recompute presence", zap.String("crew_id", crewID), zap.Error(err))
	default:
		s.publishPresence(ctx, crew, p)
	}

	summary, err := s.resolver.Summary(ctx)
	if err != nil {
		s.logger.Error("Failed to recompute presence summary", zap.Error(err))
		return
	}
	s.publishSummary(ctx, summary)
}

// resync republishes every crew member; changes committed while the bridge
// was down are not replayed by the transport
func (s *TriageService) resync(ctx context.Context) {
	crew, records, summary, err := s.resolver.Snapshot(ctx)
	if err != nil {
		s.logger.Error("Failed to resync presence", zap.Error(err))
		return
	}
	for i := range records {
		s.publishPresence(ctx, crew[i], records[i])
	}
	s.publishSummary(ctx, summary)
	s.logger.Info("Presence resynced", zap.Int("crew", len(records)))
}

func (s *TriageService) publishPresence(ctx context.Context, crew models.Crew, p models.EffectivePresence) {
	routes := []string{models.CrewRoute(p.CrewID), models.RouteAllCrew}
	if crew.MissionID != nil && *crew.MissionID != "" {
		routes = append(routes, models.MissionRoute(*crew.MissionID))
	}
	for _, route := range routes {
		if err := s.hub.Publish(route, models.KindPresence, p); err != nil {
			s.logger.Error("Failed to publish presence", zap.String("route", route), zap.Error(err))
		}
	}

	if s.cache != nil {
		if err := s.cache.PutCrew(ctx, p); err != nil {
			s.logger.Warn("Failed to cache presence", zap.String("crew_id", p.CrewID), zap.Error(err))
		}
	}
	s.presenceListeners.emit(p)
}

func (s *TriageService) publishSummary(ctx context.Context, summary models.PresenceSummary) {
	if err := s.hub.Publish(models.RoutePresenceSummary, models.KindSummary, summary); err != nil {
		s.logger.Error("Failed to publish presence summary", zap.Error(err))
	}
	if s.cache != nil {
		if err := s.cache.PutSummary(ctx, summary); err != nil {
			s.logger.Warn("Failed to cache presence summary", zap.Error(err))
		}
	}
}

func (s *TriageService) onBridgeState(state bridge.State) {
	s.logger.Info("Bridge state changed", zap.String("state", string(state)))
	if state != bridge.StateListening {
		return
	}
	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()
	s.resync(s.context())
}

func (s *TriageService) logTick(res driver.TickResult) {
	r := res.Report
	fields := []zap.Field{
		zap.Uint64("tick", r.Tick),
		zap.Bool("admitted", res.Admitted != nil),
		zap.Int("open", r.Open),
		zap.Int("advanced", r.Advanced),
		zap.Int("transitions", r.Transitions),
		zap.Int("discharged", r.Discharged),
		zap.Bool("skipped", r.Skipped),
		zap.Int("conflicts", r.Conflicts),
		zap.Int("failed", r.Failed),
	}
	if r.ReadFailed {
		s.logger.Warn("Triage tick could not read open visits", fields...)
		return
	}
	s.logger.Debug("Triage tick", fields...)
}
