// Package scheduler provides a bounded worker pool that materialises query
// dependency graphs in topological order. Leaves run first; a parent is
// enqueued only once every one of its unstored dependencies has completed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/graph"
	"github.com/LandMarkVisits/FlowKit/query"
	"github.com/LandMarkVisits/FlowKit/state"
)

// CacheStore is the slice of the cache layer the scheduler drives. It is
// satisfied by *cache.Store.
type CacheStore interface {
	Reserve(ctx context.Context, spec *query.Spec, deps []string) error
	IsStored(ctx context.Context, id string) (bool, error)
	Commit(ctx context.Context, id string, computeTime time.Duration) error
	Touch(ctx context.Context, id string) error
	Config(ctx context.Context) (sizeLimitBytes int64, halfLifeSeconds float64, err error)
	EnforceBudget(ctx context.Context, maxBytes int64, protected func(id string) bool) ([]string, error)
}

// Config sizes the pool.
type Config struct {
	// Workers is the number of concurrent materialisations.
	Workers int
	// QueueDepth bounds the ready queue. Submissions of new ids block once
	// the queue is full; resubmissions of queued ids never do.
	QueueDepth int
	// MaxAttempts bounds retries of a failed materialisation. Attempts
	// back off exponentially starting at RetryBackoff.
	MaxAttempts  int
	RetryBackoff time.Duration
	// Deadline bounds how long a submitted closure may run end to end.
	// When it expires before the root reaches a terminal state, the root is
	// cancelled. Zero disables the bound.
	Deadline time.Duration
}

// DefaultConfig returns a pool sized for one worker per core equivalent.
func DefaultConfig(workers int) Config {
	if workers <= 0 {
		workers = 4
	}
	return Config{
		Workers:      workers,
		QueueDepth:   workers * 8,
		MaxAttempts:  3,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// node tracks one fingerprint inside a live closure.
type node struct {
	spec       *query.Spec
	deps       []string
	dependents map[string]bool
	pending    int
	enqueued   bool
	cancel     context.CancelFunc
}

// Scheduler owns the ready queue and the worker pool.
type Scheduler struct {
	cfg      Config
	machine  *state.Machine
	cache    CacheStore
	executor Executor
	log      *logrus.Entry

	ready    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	nodes map[string]*node
}

// New creates a scheduler. Start must be called before Submit.
func New(cfg Config, machine *state.Machine, cacheStore CacheStore, executor Executor) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Scheduler{
		cfg:      cfg,
		machine:  machine,
		cache:    cacheStore,
		executor: executor,
		log:      common.Logger.WithField("component", "scheduler"),
		ready:    make(chan string, cfg.QueueDepth),
		stopChan: make(chan struct{}),
		nodes:    make(map[string]*node),
	}
}

// Start launches the worker goroutines.
func (s *Scheduler) Start() {
	s.log.WithField("workers", s.cfg.Workers).Info("starting worker pool")
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop shuts the pool down and waits for in-flight materialisations to
// finish. Queued work is abandoned; reconciliation picks it up on restart.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.log.Info("worker pool stopped")
}

// Submit schedules the full unstored closure of a spec for materialisation
// and returns the root fingerprint. Submitting an id that is already queued,
// executing or completed is a no-op on that id: the caller observes the
// existing work.
func (s *Scheduler) Submit(ctx context.Context, spec *query.Spec) (string, error) {
	if err := query.ValidateSpec(spec); err != nil {
		return "", err
	}
	rootID := query.Fingerprint(spec)

	stored := func(id string) bool {
		ok, err := s.cache.IsStored(ctx, id)
		return err == nil && ok
	}
	dag, err := graph.Closure(spec, stored)
	if err != nil {
		return "", err
	}
	todo := dag.Unstored()

	// Every node in the closure gets a cache record before any execution,
	// stored or not, so the dependency edge list is closed.
	for _, n := range dag.Nodes {
		if err := s.cache.Reserve(ctx, n.Spec, n.DependsOn); err != nil {
			return rootID, err
		}
		if err := s.machine.MarkKnown(ctx, n.ID); err != nil {
			return rootID, err
		}
	}

	if len(todo.Nodes) == 0 {
		// Fully materialised already; make sure the root reads completed.
		current, err := s.machine.Current(ctx, rootID)
		if err != nil {
			return rootID, err
		}
		if current != state.Completed {
			if err := s.machine.ForceState(ctx, rootID, state.Completed); err != nil {
				return rootID, err
			}
		}
		return rootID, nil
	}

	var leaves []string
	s.mu.Lock()
	inDegrees := todo.InDegrees()
	dependents := todo.Dependents()
	for id, n := range todo.Nodes {
		if existing, tracked := s.nodes[id]; tracked {
			// Shared with another live closure; merge the dependents.
			for _, dep := range dependents[id] {
				existing.dependents[dep] = true
			}
			continue
		}
		tn := &node{
			spec: n.Spec,
			// Prerequisites over the full closure, stored ones included:
			// they feed the SQL table map and stay protected from
			// eviction. Only the in-degree comes from the unstored
			// subgraph.
			deps:       dag.Nodes[id].DependsOn,
			dependents: make(map[string]bool),
			pending:    inDegrees[id],
		}
		for _, dep := range dependents[id] {
			tn.dependents[dep] = true
		}
		s.nodes[id] = tn
		if tn.pending == 0 {
			leaves = append(leaves, id)
		}
	}
	s.mu.Unlock()

	// The whole closure transitions to queued up front: a root must poll as
	// queued while its dependencies execute, and cancel must be able to
	// reach every pending id.
	var alreadyDone []string
	for id := range todo.Nodes {
		after, applied, err := s.machine.Trigger(ctx, id, state.EventEnqueue)
		if err != nil {
			return rootID, err
		}
		if applied || after != state.Completed {
			continue
		}
		isStored, err := s.cache.IsStored(ctx, id)
		if err != nil {
			return rootID, err
		}
		if isStored {
			// Materialised between the closure snapshot and now; release
			// its dependents as if a worker had just finished it.
			alreadyDone = append(alreadyDone, id)
			continue
		}
		// Completed in redis with no relation behind it, the shape left by
		// a lost relation or an unreconciled crash. Requeue from scratch.
		if err := s.machine.ForceState(ctx, id, state.Queued); err != nil {
			return rootID, err
		}
	}
	for _, id := range alreadyDone {
		s.release(ctx, id)
	}

	for _, id := range leaves {
		if err := s.enqueue(ctx, id, false); err != nil {
			return rootID, err
		}
	}

	if s.cfg.Deadline > 0 {
		s.watchDeadline(rootID)
	}
	return rootID, nil
}

// Cancel stops work on an id. Queued work is dropped before execution;
// executing work is interrupted at its next suspension point and its partial
// relation rolled back. Dependents of a cancelled id are cancelled too.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	after, applied, err := s.machine.Trigger(ctx, id, state.EventCancel)
	if err != nil {
		return err
	}
	if !applied {
		s.log.WithField("query_id", id).
			WithField("state", after).
			Debug("cancel was a no-op")
		return nil
	}

	s.mu.Lock()
	n, tracked := s.nodes[id]
	var interrupt context.CancelFunc
	if tracked {
		interrupt = n.cancel
	}
	s.mu.Unlock()

	if interrupt != nil {
		interrupt()
	} else if tracked {
		// Still queued; the worker drops it when it observes the state.
		s.abandonDependents(ctx, id, state.Cancelled,
			fmt.Sprintf("dependency_cancelled(%s)", id))
		s.forget(id)
	}
	return nil
}

// watchDeadline cancels the root of a submitted closure when the configured
// deadline passes before it reaches a terminal state.
func (s *Scheduler) watchDeadline(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.Deadline)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stopChan:
			return
		}
		ctx := context.Background()
		current, err := s.machine.Current(ctx, id)
		if err != nil || current.IsTerminal() {
			return
		}
		s.log.WithField("query_id", id).
			WithField("deadline", s.cfg.Deadline).
			Warn("deadline expired, cancelling query")
		if err := s.Cancel(ctx, id); err != nil {
			s.log.WithField("query_id", id).WithError(err).
				Error("failed to cancel expired query")
		}
	}()
}

// Protected reports whether an id sits inside some live execution's
// dependency closure. The cache's eviction pass uses this to skip records
// that in-flight work is about to read.
func (s *Scheduler) Protected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; ok {
		return true
	}
	for _, n := range s.nodes {
		for _, dep := range n.deps {
			if dep == id {
				return true
			}
		}
	}
	return false
}

// enqueue places an already-queued id on the ready channel. Ids already on
// the channel are deduplicated. When fanOut is set the send happens
// asynchronously so a worker completing a dependency never deadlocks against
// a full queue.
func (s *Scheduler) enqueue(ctx context.Context, id string, fanOut bool) error {
	s.mu.Lock()
	n, tracked := s.nodes[id]
	if !tracked || n.enqueued {
		s.mu.Unlock()
		return nil
	}
	n.enqueued = true
	s.mu.Unlock()

	if fanOut {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case s.ready <- id:
			case <-s.stopChan:
			}
		}()
		return nil
	}
	select {
	case s.ready <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopChan:
		return fmt.Errorf("scheduler is shutting down")
	}
}

func (s *Scheduler) worker(workerID int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", workerID)
	for {
		select {
		case <-s.stopChan:
			return
		case id := <-s.ready:
			s.runTask(log, id)
		}
	}
}

func (s *Scheduler) runTask(log *logrus.Entry, id string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	n, tracked := s.nodes[id]
	if tracked {
		n.cancel = cancel
	}
	s.mu.Unlock()
	if !tracked {
		return
	}

	after, applied, err := s.machine.Trigger(ctx, id, state.EventExecute)
	if err != nil {
		s.fail(ctx, log, id, err)
		return
	}
	if !applied {
		// Cancelled while queued, completed by another process, or another
		// process claimed it.
		log.WithField("query_id", id).
			WithField("state", after).
			Debug("skipping dequeued id")
		switch after {
		case state.Cancelled:
			s.abandonDependents(ctx, id, state.Cancelled,
				fmt.Sprintf("dependency_cancelled(%s)", id))
			s.forget(id)
		case state.Completed:
			s.release(ctx, id)
		default:
			s.forget(id)
		}
		return
	}

	log.WithField("query_id", id).WithField("query_kind", n.spec.Kind).
		Info("materialising query")

	// Warehouse-level race: if the relation already exists, never recreate
	// it. Record the access and finish.
	exists, err := s.executor.Exists(ctx, id)
	if err != nil {
		s.fail(ctx, log, id, err)
		return
	}
	if exists {
		if err := s.cache.Touch(ctx, id); err != nil {
			s.fail(ctx, log, id, err)
			return
		}
		s.finish(ctx, log, id)
		return
	}

	tables := make(query.TableMap, len(n.deps))
	for _, dep := range n.deps {
		tables[dep] = s.executor.Relation(dep)
	}
	sql, err := query.SQL(n.spec, tables)
	if err != nil {
		s.fail(ctx, log, id, err)
		return
	}

	started := time.Now()
	err = s.materialiseWithRetry(ctx, log, id, sql)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-flight; drop the partial relation. The
			// cancel transition already happened in Cancel.
			if dropErr := s.executor.Drop(context.Background(), id); dropErr != nil {
				log.WithField("query_id", id).WithError(dropErr).
					Warn("failed to roll back partial relation")
			}
			s.abandonDependents(context.Background(), id, state.Cancelled,
				fmt.Sprintf("dependency_cancelled(%s)", id))
			s.forget(id)
			return
		}
		s.fail(ctx, log, id, err)
		return
	}

	if err := s.cache.Commit(ctx, id, time.Since(started)); err != nil {
		s.fail(ctx, log, id, err)
		return
	}
	s.finish(ctx, log, id)
}

// materialiseWithRetry runs the CREATE TABLE AS with bounded retries. A
// cancelled context is never retried.
func (s *Scheduler) materialiseWithRetry(ctx context.Context, log *logrus.Entry, id, sql string) error {
	backoff := s.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err = s.executor.Materialise(ctx, id, sql)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt < s.cfg.MaxAttempts {
			log.WithField("query_id", id).
				WithField("attempt", attempt).
				WithError(err).
				Warn("materialisation failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return err
}

// finish marks an id completed and enqueues any dependent whose last
// outstanding dependency this was.
func (s *Scheduler) finish(ctx context.Context, log *logrus.Entry, id string) {
	if _, _, err := s.machine.Trigger(ctx, id, state.EventFinish); err != nil {
		log.WithField("query_id", id).WithError(err).
			Error("failed to record completion")
	}
	log.WithField("query_id", id).Info("query completed")
	if s.release(ctx, id) {
		s.shrinkCache(log)
	}
}

// release drops an id from the live set and enqueues any dependent whose
// in-degree reaches zero. Returns true when the id was a root of its closure.
func (s *Scheduler) release(ctx context.Context, id string) bool {
	s.mu.Lock()
	n := s.nodes[id]
	var released []string
	if n != nil {
		for dep := range n.dependents {
			child := s.nodes[dep]
			if child == nil {
				continue
			}
			child.pending--
			if child.pending == 0 {
				released = append(released, dep)
			}
		}
		delete(s.nodes, id)
	}
	rootDone := n != nil && len(n.dependents) == 0
	s.mu.Unlock()

	for _, dep := range released {
		if err := s.enqueue(ctx, dep, true); err != nil {
			s.log.WithField("query_id", dep).WithError(err).
				Error("failed to enqueue dependent")
		}
	}
	return rootDone
}

// fail records an errored terminal state and poisons every dependent so no
// parent of a failed dependency ever runs its own SQL.
func (s *Scheduler) fail(ctx context.Context, log *logrus.Entry, id string, cause error) {
	log.WithField("query_id", id).WithError(cause).Error("query failed")
	if err := s.machine.SetError(ctx, id, cause.Error()); err != nil {
		log.WithField("query_id", id).WithError(err).Error("failed to record error cause")
	}
	if _, _, err := s.machine.Trigger(ctx, id, state.EventError); err != nil {
		log.WithField("query_id", id).WithError(err).Error("failed to record error state")
	}
	s.abandonDependents(ctx, id, state.Errored,
		fmt.Sprintf("dependency_failed(%s)", id))
	s.forget(id)
}

// abandonDependents walks the live dependents of an id transitively, forcing
// each into the given terminal state with the given cause.
func (s *Scheduler) abandonDependents(ctx context.Context, id string, terminal state.State, cause string) {
	s.mu.Lock()
	var doomed []string
	queue := []string{id}
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		n := s.nodes[current]
		if n == nil {
			continue
		}
		for dep := range n.dependents {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			doomed = append(doomed, dep)
			queue = append(queue, dep)
		}
	}
	for _, dep := range doomed {
		delete(s.nodes, dep)
	}
	s.mu.Unlock()

	for _, dep := range doomed {
		if terminal == state.Errored {
			if err := s.machine.SetError(ctx, dep, cause); err != nil {
				s.log.WithField("query_id", dep).WithError(err).
					Error("failed to record dependency failure cause")
			}
		}
		if err := s.machine.ForceState(ctx, dep, terminal); err != nil {
			s.log.WithField("query_id", dep).WithError(err).
				Error("failed to propagate terminal state")
		}
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
}

// shrinkCache enforces the configured size budget after a root completes,
// skipping anything a live closure still depends on.
func (s *Scheduler) shrinkCache(log *logrus.Entry) {
	ctx := context.Background()
	limit, _, err := s.cache.Config(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to read cache budget")
		return
	}
	if limit <= 0 {
		return
	}
	if _, err := s.cache.EnforceBudget(ctx, limit, s.Protected); err != nil {
		log.WithError(err).Warn("cache budget enforcement failed")
	}
}
