package resource

import "context"

// ResourceHandle is C4. It never owns a Record: it only holds a pointer
// to the System-owned recordEntry, through which it issues requests and
// subscribes to broadcast responses. Handles are safe to copy and
// share across goroutines.
type ResourceHandle struct {
	entry *recordEntry
}

// GetType returns the resource's placement strategy. Pure, non-blocking.
func (h *ResourceHandle) GetType() ResourceType {
	return h.entry.base.Type
}

// GetSourcePath returns the resource's source path. Pure, non-blocking.
func (h *ResourceHandle) GetSourcePath() string {
	return h.entry.base.SourcePath
}

// GetState returns the Record's current lifecycle state. It never
// blocks: it reads the atomic state word the driver loop maintains.
func (h *ResourceHandle) GetState() ResourceState {
	return ResourceState(h.entry.state.Load())
}

// Initialize places the resource at effectivePath (recording localPath
// alongside it for jailed lookups, when localPathSet) and blocks until
// the driver loop reports success or failure.
func (h *ResourceHandle) Initialize(ctx context.Context, effectivePath, localPath string, localPathSet bool) (*InitInfo, error) {
	resp, err := h.roundTrip(ctx, Request{
		Kind:          reqInitialize,
		EffectivePath: effectivePath,
		LocalPath:     localPath,
		LocalPathSet:  localPathSet,
	})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Init, nil
}

// Dispose removes the placed resource and blocks until the driver loop
// confirms disposal or reports a (retryable) failure.
func (h *ResourceHandle) Dispose(ctx context.Context) error {
	resp, err := h.roundTrip(ctx, Request{Kind: reqDispose})
	if err != nil {
		return err
	}
	return resp.Err
}

// Ping confirms the Record's driver goroutine is still alive.
func (h *ResourceHandle) Ping(ctx context.Context) error {
	resp, err := h.roundTrip(ctx, Request{Kind: reqPing})
	if err != nil {
		return err
	}
	return resp.Err
}

// roundTrip subscribes before sending so no broadcast can be missed
// between send and receive, tags the request with a fresh sequence
// number, and filters the broadcast stream down to the one response
// that echoes it -- the mechanism that lets several concurrent Handles
// share one Record's single broadcast channel without cross-talk.
func (h *ResourceHandle) roundTrip(ctx context.Context, req Request) (Response, error) {
	seq := h.entry.nextSeq()
	req.Seq = seq

	ch, cancel := h.entry.bc.Subscribe()
	defer cancel()

	if err := h.entry.send(ctx, req); err != nil {
		return Response{}, err
	}

	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				return Response{}, errDriverGone()
			}
			if resp.Seq != seq {
				continue
			}
			return resp, nil
		case <-h.entry.done:
			return Response{}, errDriverGone()
		case <-ctx.Done():
			return Response{}, errTimeout()
		}
	}
}
