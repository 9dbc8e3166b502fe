package resource

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pipeops/firecracker-resources/pkg/runtime"
	"github.com/pipeops/firecracker-resources/pkg/spawner"
)

// ResourceSystem is C5, the aggregate root. It owns every Record's
// driver goroutine; Handles never do. Records are kept in an
// append-only slice indexed by slot id, matching spec section 4.5's
// "append-only list indexed by a monotonically assigned slot id" --
// Detach nils out a slot rather than shrinking the slice, so slot ids
// stay stable for the System's lifetime.
type ResourceSystem struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	records []*recordEntry

	rt      runtime.Runtime
	spawner spawner.ProcessSpawner
	own     OwnershipModel
	sem     *semaphore.Weighted
	log     *logrus.Entry

	wg     sync.WaitGroup
	closed bool
}

// Option configures a ResourceSystem at construction time.
type Option func(*ResourceSystem)

// WithMaxConcurrentPlacements bounds how many placement/disposal
// filesystem operations may run at once across the whole System, via a
// weighted semaphore acquired by every Record before it spawns its
// Runtime task.
func WithMaxConcurrentPlacements(n int) Option {
	return func(s *ResourceSystem) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger overrides the System's default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *ResourceSystem) { s.log = log }
}

// New constructs a ResourceSystem over the given ProcessSpawner,
// Runtime, and OwnershipModel, per spec section 4.5.
func New(sp spawner.ProcessSpawner, rt runtime.Runtime, own OwnershipModel, opts ...Option) *ResourceSystem {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ResourceSystem{
		ctx:     ctx,
		cancel:  cancel,
		rt:      rt,
		spawner: sp,
		own:     own,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawner returns the System's ProcessSpawner, for collaborators (the
// jailer, the VM facade) that need to launch the jailed process itself
// rather than place its backing files.
func (s *ResourceSystem) Spawner() spawner.ProcessSpawner { return s.spawner }

// Runtime returns the System's Runtime collaborator.
func (s *ResourceSystem) Runtime() runtime.Runtime { return s.rt }

// Ownership returns the System's OwnershipModel.
func (s *ResourceSystem) Ownership() OwnershipModel { return s.own }

func (s *ResourceSystem) newRecord(sourcePath string, t ResourceType) *ResourceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := &BaseInfo{SourcePath: sourcePath, Type: t}
	slot := len(s.records)
	entry := newRecordEntry(slot, base, s.rt, s.own, s.sem, s.log)
	s.records = append(s.records, entry)

	entryCtx, cancel := context.WithCancel(s.ctx)
	entry.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		entry.run(entryCtx)
	}()

	s.log.WithField("slot", slot).WithField("kind", t.Kind).WithField("path", sourcePath).Debug("registered resource record")
	return &ResourceHandle{entry: entry}
}

// NewCreatedResource registers a Record for a file or FIFO the jailed
// process (or the placement step itself) creates fresh at localPath.
//
// The single path argument every constructor below takes is stored
// uniformly into BaseInfo.SourcePath: for Created and Produced
// resources that path is really the intended local/effective path
// rather than a pre-existing source, but the Data Model only carries
// one path field on BaseInfo, so that field does double duty. See
// DESIGN.md for the reasoning.
func (s *ResourceSystem) NewCreatedResource(localPath string, t CreatedResourceType) *ResourceHandle {
	return s.newRecord(localPath, NewCreatedResourceType(t))
}

// NewMovedResource registers a Record for a file that already exists
// at sourcePath and must be placed into the jail by copy, hard link,
// or rename.
func (s *ResourceSystem) NewMovedResource(sourcePath string, t MovedResourceType) *ResourceHandle {
	return s.newRecord(sourcePath, NewMovedResourceType(t))
}

// NewProducedResource registers a Record for a file the jailed process
// will write during its lifetime (e.g. a snapshot) that the System only
// needs to track for disposal.
func (s *ResourceSystem) NewProducedResource(localPath string) *ResourceHandle {
	return s.newRecord(localPath, NewProducedResourceType())
}

// RecordSnapshot is a point-in-time, read-only view of one Record,
// returned by Snapshot for introspection (e.g. the admin ttrpc service).
type RecordSnapshot struct {
	Slot          int
	SourcePath    string
	Kind          string
	State         string
	EffectivePath string
}

// Snapshot returns a RecordSnapshot for every still-live Record (slots
// Detach has cleared are skipped), in slot order.
func (s *ResourceSystem) Snapshot() []RecordSnapshot {
	s.mu.Lock()
	entries := make([]*recordEntry, len(s.records))
	copy(entries, s.records)
	s.mu.Unlock()

	out := make([]RecordSnapshot, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		snap := RecordSnapshot{
			Slot:       e.slot,
			SourcePath: e.base.SourcePath,
			Kind:       e.base.Type.Kind.String(),
			State:      ResourceState(e.state.Load()).String(),
		}
		if init := e.initInfo.Load(); init != nil {
			snap.EffectivePath = init.EffectivePath
		}
		out = append(out, snap)
	}
	return out
}

// DetachedResource is a serializable snapshot of an Initialized Record,
// produced by Detach and consumed by Attach (possibly on a different
// System).
type DetachedResource struct {
	Base BaseInfo
	Init *InitInfo
}

// GetType returns the detached resource's placement strategy.
func (d *DetachedResource) GetType() ResourceType { return d.Base.Type }

// GetSourcePath returns the detached resource's source path.
func (d *DetachedResource) GetSourcePath() string { return d.Base.SourcePath }

// GetEffectivePath returns the path the resource was placed at, if any.
func (d *DetachedResource) GetEffectivePath() (string, bool) {
	if d.Init == nil {
		return "", false
	}
	return d.Init.EffectivePath, true
}

// GetLocalPath returns the jail-local path the resource was placed at,
// if the originating System recorded one.
func (d *DetachedResource) GetLocalPath() (string, bool) {
	if d.Init == nil || !d.Init.LocalPathSet {
		return "", false
	}
	return d.Init.LocalPath, true
}

// Deinitialize turns an Initialized snapshot back into the equivalent
// of a fresh, uninitialized one: the old effective path becomes the new
// source path, newType replaces the placement strategy, and the
// placement snapshot is discarded. This lets a file one VM produced be
// handed to NewMovedResource on another System as that VM's input,
// without copying it back out of the jail first. It reports false if
// there was no snapshot to convert. Supplemented from the original
// implementation's detached-resource reuse path, which this package's
// trimmed spec otherwise omits.
func (d *DetachedResource) Deinitialize(newType ResourceType) bool {
	if d.Init == nil {
		return false
	}
	d.Base.SourcePath = d.Init.EffectivePath
	d.Base.Type = newType
	d.Init = nil
	return true
}

// Detach removes an Initialized Record from active management without
// touching its files, returning a snapshot that Attach can later
// restore (on this System or another). The Record's driver goroutine is
// stopped; its slot is cleared so Shutdown skips it.
func (s *ResourceSystem) Detach(h *ResourceHandle) (*DetachedResource, error) {
	e := h.entry
	if ResourceState(e.state.Load()) != StateInitialized {
		return nil, errBadState()
	}
	init := e.initInfo.Load()
	if init == nil {
		return nil, errBadState()
	}

	e.cancel()
	<-e.done

	s.mu.Lock()
	if e.slot < len(s.records) {
		s.records[e.slot] = nil
	}
	s.mu.Unlock()

	initCopy := *init
	s.log.WithField("slot", e.slot).WithField("path", e.base.SourcePath).Debug("detached resource record")
	return &DetachedResource{Base: *e.base, Init: &initCopy}, nil
}

// Attach inserts a DetachedResource back into active management,
// directly in the Initialized state, starting a fresh driver goroutine
// for it.
func (s *ResourceSystem) Attach(d *DetachedResource) (*ResourceHandle, error) {
	if d.Init == nil {
		return nil, errBadState()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errDriverGone()
	}

	base := d.Base
	slot := len(s.records)
	entry := newRecordEntry(slot, &base, s.rt, s.own, s.sem, s.log)
	entry.state.Store(int32(StateInitialized))
	initCopy := *d.Init
	entry.initInfo.Store(&initCopy)
	s.records = append(s.records, entry)

	entryCtx, cancel := context.WithCancel(s.ctx)
	entry.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		entry.run(entryCtx)
	}()
	s.mu.Unlock()

	s.log.WithField("slot", slot).WithField("path", base.SourcePath).Debug("attached resource record")
	return &ResourceHandle{entry: entry}, nil
}

// Shutdown disposes every still-live Record, retrying each failure
// once, then cancels the System's driver goroutines. It succeeds iff
// every Record reaches Disposed within deadline; otherwise it returns
// an ErrAggregate listing the failing Records' errors. Shutdown is
// idempotent: calling it again is a no-op returning nil.
func (s *ResourceSystem) Shutdown(ctx context.Context, deadline time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make([]*recordEntry, 0, len(s.records))
	for _, e := range s.records {
		if e != nil {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	defer func() {
		s.cancel()
		s.wg.Wait()
	}()

	if len(entries) == 0 {
		return nil
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]error, len(entries))
	// errgroup.Group without WithContext: a failing Record must not
	// cancel its siblings' in-flight disposal, so each goroutine's error
	// is captured into its own slot instead of relying on Wait's
	// first-error return.
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			results[i] = s.disposeEntryForShutdown(deadlineCtx, e)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, err := range results {
		if err == nil {
			continue
		}
		s.log.WithError(err).WithField("slot", entries[i].slot).Warn("disposal failed during shutdown, retrying once")
		if retryErr := s.disposeEntryForShutdown(deadlineCtx, entries[i]); retryErr != nil {
			s.log.WithError(retryErr).WithField("slot", entries[i].slot).Error("disposal retry failed during shutdown")
			failed = append(failed, retryErr)
		}
	}

	if len(failed) > 0 {
		return errAggregate(failed)
	}
	s.log.WithField("records", len(entries)).Debug("shutdown disposed all records")
	return nil
}

func (s *ResourceSystem) disposeEntryForShutdown(ctx context.Context, e *recordEntry) error {
	if ResourceState(e.state.Load()) == StateDisposed {
		return nil
	}
	h := &ResourceHandle{entry: e}
	return h.Dispose(ctx)
}
