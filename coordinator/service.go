package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/routing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Request describes a resharding operation to start
type Request struct {
	Namespace     dreshard.Namespace
	ReshardingKey dreshard.KeyPattern

	// Either a full preset layout or the number of chunks of an even split, 0 for the default
	PresetReshardedChunks []dreshard.ReshardedChunk
	NumInitialChunks      int
	Zones                 []dreshard.Zone
}

// Service is the registry of the coordinators running on the authority node. It only
// runs coordinators while this node is primary.
type Service struct {
	Store    *catalog.Store
	Notifier Notifier
	Lag      LagQuerier
	Metrics  dreshard.Metrics
	Fatal    FatalHandler
	Config   Config

	// how many finished operations Lookup and Report keep knowing about
	FinishedRetention int

	log *logrus.Entry

	// below fields are protected by the following mutex
	mu             sync.Mutex
	primary        bool
	indexesCreated bool
	instances      map[dreshard.OperationID]*Coordinator
	finished       map[dreshard.OperationID]*Coordinator
	finishedOrder  []dreshard.OperationID
}

const DefaultFinishedRetention = 100

func NewService(store *catalog.Store, notifier Notifier, lag LagQuerier) *Service {
	return &Service{
		Store:     store,
		Notifier:  notifier,
		Lag:       lag,
		Metrics:   &dreshard.StatsMetrics{},
		Fatal:     DefaultFatalHandler,
		Config:    DefaultConfig(),
		log:       logrus.WithField("role", dreshard.RoleCoordinator),
		instances: make(map[dreshard.OperationID]*Coordinator),
		finished:  make(map[dreshard.OperationID]*Coordinator),

		FinishedRetention: DefaultFinishedRetention,
	}
}

// StepUp makes this node primary and resumes every persisted operation
func (s *Service) StepUp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary {
		return nil
	}

	if !s.indexesCreated {
		if err := s.Store.CreateUniqueIndex(dreshard.CoordinatorsCollection, "ns", "active"); err != nil {
			return errors.WithMessage(err, "creating coordinator index")
		}
		s.indexesCreated = true
	}

	raws, err := s.Store.Find(ctx, dreshard.CoordinatorsCollection, nil)
	if err != nil {
		return errors.WithMessage(err, "loading coordinator documents")
	}
	docs, err := catalog.DecodeAll[dreshard.CoordinatorDocument](raws)
	if err != nil {
		return errors.WithMessage(err, "decoding coordinator documents")
	}

	for _, doc := range docs {
		if err := dreshard.CheckSchemaVersion(doc.SchemaVersion); err != nil {
			return errors.WithMessagef(err, "operation %s", doc.ID)
		}
	}

	s.primary = true
	s.Metrics.OnStepUp(dreshard.RoleCoordinator)
	for _, doc := range docs {
		s.log.WithFields(logrus.Fields{"reshardingUUID": doc.ID, "state": doc.State}).Info("resuming resharding operation")
		s.startLocked(doc)
	}
	return nil
}

// StepDown stops every running coordinator and waits for them to exit. Persisted state is
// left as is.
func (s *Service) StepDown() {
	s.mu.Lock()
	if !s.primary {
		s.mu.Unlock()
		return
	}
	s.primary = false
	running := make([]*Coordinator, 0, len(s.instances))
	for _, c := range s.instances {
		c.StepDown()
		running = append(running, c)
	}
	s.instances = make(map[dreshard.OperationID]*Coordinator)
	s.finished = make(map[dreshard.OperationID]*Coordinator)
	s.finishedOrder = nil
	s.mu.Unlock()

	for _, c := range running {
		<-c.Done()
	}
	s.Metrics.OnStepDown(dreshard.RoleCoordinator)
}

// IsPrimary reports whether this node currently runs coordinators
func (s *Service) IsPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// Create starts a new resharding operation. It returns once the coordinator document was
// inserted, errors up to that point are returned here and nothing is left behind.
func (s *Service) Create(ctx context.Context, req Request) (*Coordinator, error) {
	if !req.Namespace.Valid() {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "invalid namespace %q", req.Namespace)
	}
	if len(req.ReshardingKey) == 0 {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "resharding key must not be empty")
	}
	if req.NumInitialChunks < 0 {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "numInitialChunks must not be negative")
	}
	if err := routing.ValidateZones(req.Zones); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.primary {
		s.mu.Unlock()
		return nil, dreshard.ErrNotPrimary
	}
	for _, c := range s.instances {
		if c.Namespace() == req.Namespace {
			s.mu.Unlock()
			return nil, dreshard.ErrReshardingInProgress
		}
	}

	doc := dreshard.CoordinatorDocument{
		ID:                             dreshard.NewUUID(),
		SchemaVersion:                  dreshard.SchemaVersion,
		Namespace:                      req.Namespace,
		ReshardingKey:                  req.ReshardingKey,
		State:                          dreshard.CoordinatorUnused,
		PresetReshardedChunks:          req.PresetReshardedChunks,
		Zones:                          req.Zones,
		NumInitialChunks:               req.NumInitialChunks,
		MinimumOperationDurationMillis: s.Config.MinimumOperationDuration.Milliseconds(),
		StartTime:                      time.Now(),
	}
	c := s.startLocked(doc)
	s.mu.Unlock()

	select {
	case <-c.Initialized():
	case <-ctx.Done():
		return c, ctx.Err()
	}

	if err := c.InitErr(); err != nil {
		s.mu.Lock()
		if s.instances[c.ID()] == c {
			delete(s.instances, c.ID())
		}
		s.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (s *Service) startLocked(doc dreshard.CoordinatorDocument) *Coordinator {
	c := New(doc, Options{
		Store:    s.Store,
		Notifier: s.Notifier,
		Lag:      s.Lag,
		Metrics:  s.Metrics,
		Fatal:    s.Fatal,
		Config:   s.Config,
	})
	s.instances[c.ID()] = c
	c.Start()

	go func() {
		<-c.Done()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.instances[c.ID()] != c {
			return
		}
		delete(s.instances, c.ID())
		if c.InitErr() == nil && !dreshard.IsCode(c.Wait(context.Background()), dreshard.CodeInterrupted) {
			s.addFinishedLocked(c)
		}
	}()
	return c
}

// addFinishedLocked remembers c, evicting the oldest finished operations past FinishedRetention
func (s *Service) addFinishedLocked(c *Coordinator) {
	s.finished[c.ID()] = c
	s.finishedOrder = append(s.finishedOrder, c.ID())

	for len(s.finishedOrder) > s.FinishedRetention && len(s.finishedOrder) > 0 {
		delete(s.finished, s.finishedOrder[0])
		s.finishedOrder = s.finishedOrder[1:]
	}
}

// Lookup returns the coordinator of opID, including recently finished ones
func (s *Service) Lookup(opID dreshard.OperationID) *Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.instances[opID]; ok {
		return c
	}
	return s.finished[opID]
}

// LookupByNamespace returns the running coordinator resharding ns
func (s *Service) LookupByNamespace(ns dreshard.Namespace) *Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.instances {
		if c.Namespace() == ns {
			return c
		}
	}
	return nil
}

// Abort aborts the running operation on ns. It returns false if the operation already
// decided to commit.
func (s *Service) Abort(ns dreshard.Namespace) (bool, error) {
	c := s.LookupByNamespace(ns)
	if c == nil {
		return false, dreshard.NewError(dreshard.CodeNamespaceNotFound, "no resharding operation in progress for %s", ns)
	}
	return c.Abort(dreshard.ErrReshardingAborted), nil
}

// Report returns the progress of running and recently finished operations, newest first
func (s *Service) Report() []Progress {
	s.mu.Lock()
	all := make([]*Coordinator, 0, len(s.instances)+len(s.finished))
	for _, c := range s.instances {
		all = append(all, c)
	}
	for _, c := range s.finished {
		all = append(all, c)
	}
	s.mu.Unlock()

	out := make([]Progress, 0, len(all))
	for _, c := range all {
		out = append(out, c.Progress())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// RenotifyAll resends the notifications of every running operation
func (s *Service) RenotifyAll(ctx context.Context) {
	s.mu.Lock()
	running := make([]*Coordinator, 0, len(s.instances))
	for _, c := range s.instances {
		running = append(running, c)
	}
	s.mu.Unlock()

	for _, c := range running {
		c.Renotify(ctx)
	}
}
