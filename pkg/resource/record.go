package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/pipeops/firecracker-resources/pkg/runtime"
)

type requestKind int

const (
	reqInitialize requestKind = iota
	reqDispose
	reqPing
)

func (k requestKind) String() string {
	switch k {
	case reqInitialize:
		return "initialize"
	case reqDispose:
		return "dispose"
	case reqPing:
		return "ping"
	default:
		return "unknown"
	}
}

type responseKind int

const (
	respInitialized responseKind = iota
	respDisposed
	respPong
)

// Request is what a Handle sends down a Record's request channel. Seq
// lets a Handle pick its own response out of the broadcast stream when
// other Handles are concurrently driving the same Record.
type Request struct {
	Kind          requestKind
	Seq           int64
	EffectivePath string
	LocalPath     string
	LocalPathSet  bool
}

// Response is what a Record's driver loop broadcasts after handling a
// Request.
type Response struct {
	Kind responseKind
	Seq  int64
	Err  error
	Init *InitInfo
}

// recordEntry is C3, the Resource Record: a small state machine driven
// by a dedicated goroutine owned by the System. One goroutine per
// Record gives the "request A dispatched before request B completes
// before B is dispatched" ordering spec section 5 requires without any
// extra bookkeeping, at the cost of one goroutine per live resource --
// rather than a single System-wide request queue.
type recordEntry struct {
	slot int

	requestCh chan Request
	bc        *broadcaster

	base     *BaseInfo
	initInfo atomic.Pointer[InitInfo]
	state    atomic.Int32

	done   chan struct{}
	cancel context.CancelFunc

	rt  runtime.Runtime
	own OwnershipModel
	sem *semaphore.Weighted
	log *logrus.Entry

	seqCounter atomic.Int64
}

func newRecordEntry(slot int, base *BaseInfo, rt runtime.Runtime, own OwnershipModel, sem *semaphore.Weighted, log *logrus.Entry) *recordEntry {
	e := &recordEntry{
		slot:      slot,
		requestCh: make(chan Request, 16),
		bc:        newBroadcaster(),
		base:      base,
		done:      make(chan struct{}),
		rt:        rt,
		own:       own,
		sem:       sem,
		log:       log,
	}
	e.state.Store(int32(StateUninitialized))
	return e
}

func (e *recordEntry) nextSeq() int64 { return e.seqCounter.Add(1) }

// send enqueues req on the Record's request channel, failing fast with
// DriverGone if the driver loop has already exited.
func (e *recordEntry) send(ctx context.Context, req Request) error {
	select {
	case e.requestCh <- req:
		return nil
	case <-e.done:
		return errDriverGone()
	case <-ctx.Done():
		return errTimeout()
	}
}

// run is the Record's driver loop: it reads requests off requestCh one
// at a time, processing each to completion (including the blocking
// Runtime call it spawns) before reading the next. It exits when the
// channel is closed, the Record reaches Disposed, or ctx is cancelled
// (the System shutting down or the Record being detached).
func (e *recordEntry) run(ctx context.Context) {
	defer func() {
		e.bc.Close()
		close(e.done)
	}()

	for {
		select {
		case req, ok := <-e.requestCh:
			if !ok {
				return
			}
			e.dispatch(ctx, req)
			if ResourceState(e.state.Load()) == StateDisposed {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *recordEntry) dispatch(ctx context.Context, req Request) {
	state := ResourceState(e.state.Load())

	e.log.WithFields(logrus.Fields{
		"slot":  e.slot,
		"kind":  req.Kind,
		"state": state,
		"path":  e.base.SourcePath,
	}).Debug("dispatching resource request")

	switch req.Kind {
	case reqPing:
		if state == StateDisposed {
			e.bc.Publish(Response{Kind: respPong, Seq: req.Seq, Err: errBadState()})
			return
		}
		e.bc.Publish(Response{Kind: respPong, Seq: req.Seq})

	case reqInitialize:
		if state != StateUninitialized {
			e.bc.Publish(Response{Kind: respInitialized, Seq: req.Seq, Err: errBadState()})
			return
		}
		e.doInitialize(ctx, req)

	case reqDispose:
		switch state {
		case StateUninitialized:
			e.state.Store(int32(StateDisposed))
			e.bc.Publish(Response{Kind: respDisposed, Seq: req.Seq})
		case StateInitialized:
			e.doDispose(ctx, req)
		default:
			e.bc.Publish(Response{Kind: respDisposed, Seq: req.Seq, Err: errBadState()})
		}
	}
}

func (e *recordEntry) doInitialize(ctx context.Context, req Request) {
	e.state.Store(int32(StateInitializing))

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.state.Store(int32(StateUninitialized))
			e.log.WithField("slot", e.slot).Warn("placement semaphore acquire timed out")
			e.bc.Publish(Response{Kind: respInitialized, Seq: req.Seq, Err: errTimeout()})
			return
		}
		defer e.sem.Release(1)
	}

	var info *InitInfo
	task := e.rt.SpawnTask(ctx, func(taskCtx context.Context) error {
		var err error
		info, err = placeResource(taskCtx, e.rt, e.own, e.base, req)
		return err
	})

	fnErr, waitErr := task.Wait(ctx)
	if waitErr != nil {
		e.state.Store(int32(StateUninitialized))
		e.log.WithField("slot", e.slot).WithField("path", e.base.SourcePath).Warn("placement timed out")
		e.bc.Publish(Response{Kind: respInitialized, Seq: req.Seq, Err: errTimeout()})
		return
	}
	if fnErr != nil {
		e.state.Store(int32(StateUninitialized))
		e.log.WithError(fnErr).WithField("slot", e.slot).WithField("path", e.base.SourcePath).Error("placement failed")
		e.bc.Publish(Response{Kind: respInitialized, Seq: req.Seq, Err: fnErr})
		return
	}

	e.initInfo.Store(info)
	e.state.Store(int32(StateInitialized))
	e.log.WithField("slot", e.slot).WithField("effective_path", info.EffectivePath).Debug("placement succeeded")
	e.bc.Publish(Response{Kind: respInitialized, Seq: req.Seq, Init: info})
}

func (e *recordEntry) doDispose(ctx context.Context, req Request) {
	e.state.Store(int32(StateDisposing))
	init := e.initInfo.Load()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.state.Store(int32(StateInitialized))
			e.log.WithField("slot", e.slot).Warn("disposal semaphore acquire timed out")
			e.bc.Publish(Response{Kind: respDisposed, Seq: req.Seq, Err: errTimeout()})
			return
		}
		defer e.sem.Release(1)
	}

	task := e.rt.SpawnTask(ctx, func(taskCtx context.Context) error {
		return disposeResource(taskCtx, e.rt, e.base, init)
	})

	fnErr, waitErr := task.Wait(ctx)
	if waitErr != nil {
		e.state.Store(int32(StateInitialized))
		e.log.WithField("slot", e.slot).WithField("path", e.base.SourcePath).Warn("disposal timed out")
		e.bc.Publish(Response{Kind: respDisposed, Seq: req.Seq, Err: errTimeout()})
		return
	}
	if fnErr != nil {
		e.state.Store(int32(StateInitialized))
		e.log.WithError(fnErr).WithField("slot", e.slot).WithField("path", e.base.SourcePath).Error("disposal failed")
		e.bc.Publish(Response{Kind: respDisposed, Seq: req.Seq, Err: fnErr})
		return
	}

	e.state.Store(int32(StateDisposed))
	e.log.WithField("slot", e.slot).Debug("disposal succeeded")
	e.bc.Publish(Response{Kind: respDisposed, Seq: req.Seq})
}

// placeResource implements spec section 4.3's placement algorithm. It
// runs on the Runtime-spawned task, never on the driver goroutine
// itself, so a slow copy never stalls other Records.
func placeResource(ctx context.Context, rt runtime.Runtime, own OwnershipModel, base *BaseInfo, req Request) (*InitInfo, error) {
	// FSCreateDirAll may create several directory levels at once (e.g.
	// the first resource staged into a brand-new chroot). ChownTree then
	// chowns the parent directory and everything beneath it; directories
	// above the parent that FSCreateDirAll created are not chowned.
	parent := filepath.Dir(req.EffectivePath)
	if err := rt.FSCreateDirAll(ctx, parent); err != nil {
		return nil, errFilesystem("mkdir", parent, err)
	}
	if err := own.ChownTree(ctx, rt, parent); err != nil {
		return nil, err
	}

	switch base.Type.Kind {
	case KindCreated:
		switch base.Type.Created {
		case CreatedFile:
			if err := rt.FSTouch(ctx, req.EffectivePath); err != nil {
				return nil, errFilesystem("touch", req.EffectivePath, err)
			}
		case CreatedFifo:
			if err := rt.FSMkfifo(ctx, req.EffectivePath, 0o600); err != nil {
				return nil, errFilesystem("mkfifo", req.EffectivePath, err)
			}
		}
		if err := own.ChownLeaf(ctx, rt, req.EffectivePath); err != nil {
			return nil, err
		}

	case KindMoved:
		if err := placeMoved(ctx, rt, own, base, req); err != nil {
			return nil, err
		}

	case KindProduced:
		// The parent directory is ready; the jailed process writes the
		// file itself. Nothing more to do until disposal.
	}

	return &InitInfo{
		EffectivePath: req.EffectivePath,
		LocalPath:     req.LocalPath,
		LocalPathSet:  req.LocalPathSet,
	}, nil
}

// placeMoved routes every path mutation through a PathHandle (C1), the
// spec's only mutator of resource paths observable from outside C5 --
// the hard-link branches call rt.FSHardLink directly since a hard link
// never changes which path is "the" path the way copy/rename/remove do.
func placeMoved(ctx context.Context, rt runtime.Runtime, own OwnershipModel, base *BaseInfo, req Request) error {
	src := base.SourcePath
	dst := req.EffectivePath
	ph := NewPathHandle(src)

	switch base.Type.Moved {
	case MovedRenamed:
		if err := ph.Rename(ctx, rt, dst); err != nil {
			return err
		}
		return own.ChownLeaf(ctx, rt, dst)

	case MovedCopied:
		if err := ph.Copy(ctx, rt, dst); err != nil {
			return err
		}
		return own.ChownLeaf(ctx, rt, dst)

	case MovedHardLinked:
		if own.Kind != OwnershipShared {
			return errHardLinkConflict(dst)
		}
		if err := rt.FSHardLink(ctx, src, dst); err != nil {
			return errFilesystem("link", dst, err)
		}
		return nil

	case MovedCopiedOrHardLinked:
		err := ph.Copy(ctx, rt, dst)
		if err == nil {
			return own.ChownLeaf(ctx, rt, dst)
		}
		if !isErrno(err, syscall.ENOSPC, syscall.EXDEV, syscall.EACCES) {
			return err
		}
		if own.Kind != OwnershipShared {
			return errHardLinkConflict(dst)
		}
		if err := rt.FSHardLink(ctx, src, dst); err != nil {
			return errFilesystem("link", dst, err)
		}
		return nil

	case MovedHardLinkedOrCopied:
		if own.Kind == OwnershipShared {
			if err := rt.FSHardLink(ctx, src, dst); err == nil {
				return nil
			} else if !isErrno(err, syscall.EXDEV, syscall.EPERM) {
				return errFilesystem("link", dst, err)
			}
		}
		if err := ph.Copy(ctx, rt, dst); err != nil {
			return err
		}
		return own.ChownLeaf(ctx, rt, dst)
	}

	return nil
}

// disposeResource implements spec section 4.3's disposal algorithm,
// which collapses to the same unlink-and-tolerate-ENOENT step for
// every ResourceType: Created and every Moved variant remove only the
// effective-path link (never the original source for HardLinked), and
// Produced tolerates the file never having been written at all.
func disposeResource(ctx context.Context, rt runtime.Runtime, base *BaseInfo, init *InitInfo) error {
	if init == nil {
		return nil
	}
	return unlinkTolerant(ctx, rt, init.EffectivePath)
}

// unlinkTolerant removes path through a PathHandle (C1), the same
// mutator placeMoved uses, tolerating the file already being gone.
func unlinkTolerant(ctx context.Context, rt runtime.Runtime, path string) error {
	err := NewPathHandle(path).Remove(ctx, rt)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// isErrno reports whether err's syscall.Errno (possibly wrapped in an
// *os.PathError or *os.LinkError) matches one of codes.
func isErrno(err error, codes ...syscall.Errno) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, c := range codes {
		if errno == c {
			return true
		}
	}
	return false
}
