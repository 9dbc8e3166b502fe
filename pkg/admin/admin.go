// Package admin exposes a minimal ttrpc introspection service over the
// Resource System: Ping, ListResources, and Shutdown. It is grounded on
// the teacher's pkg/shim service, which registers its task API the same
// way against a containerd/ttrpc Server, but scoped down to Resource
// System administration rather than a full CRI task lifecycle.
package admin

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/ttrpc"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/firecracker-resources/pkg/resource"
)

const serviceName = "fc_resourced.v1.Resources"

// ResourceInfo is the wire-friendly snapshot of one Record ListResources
// returns.
type ResourceInfo struct {
	Slot          int    `json:"slot"`
	SourcePath    string `json:"source_path"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	EffectivePath string `json:"effective_path,omitempty"`
}

// PingRequest/PingResponse, ListResourcesRequest/Response, and
// ShutdownRequest/Response are the service's plain Go request/response
// types, not protobuf/gogo-generated messages. ttrpc's default codec
// expects a proto.Message; plain structs work with it only because
// ttrpc falls back to encoding/json for values that don't implement
// the Marshal/Unmarshal pair protobuf codegen normally provides. See
// DESIGN.md for the tradeoff this simplification accepts.
type PingRequest struct{}
type PingResponse struct{}

type ListResourcesRequest struct{}
type ListResourcesResponse struct {
	Resources []ResourceInfo `json:"resources"`
}

type ShutdownRequest struct {
	GraceSeconds int64 `json:"grace_seconds"`
}
type ShutdownResponse struct{}

// Service implements the Resources ttrpc service.
type Service struct {
	sys *resource.ResourceSystem
	log *logrus.Entry
}

// New returns a Service administering sys.
func New(sys *resource.ResourceSystem, log *logrus.Entry) *Service {
	return &Service{sys: sys, log: log.WithField("component", "admin")}
}

// Register wires the service's methods onto an existing ttrpc Server.
func (s *Service) Register(srv *ttrpc.Server) {
	srv.Register(serviceName, map[string]ttrpc.Method{
		"Ping": func(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
			var req PingRequest
			if err := unmarshal(&req); err != nil {
				return nil, err
			}
			return s.ping(ctx, &req)
		},
		"ListResources": func(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
			var req ListResourcesRequest
			if err := unmarshal(&req); err != nil {
				return nil, err
			}
			return s.listResources(ctx, &req)
		},
		"Shutdown": func(ctx context.Context, unmarshal func(interface{}) error) (interface{}, error) {
			var req ShutdownRequest
			if err := unmarshal(&req); err != nil {
				return nil, err
			}
			return s.shutdown(ctx, &req)
		},
	})
}

// entryFor tags a per-call log entry with the ttrpc request's
// containerd-style namespace, matching the teacher's
// namespaces.Namespace(ctx) lookup in shim.Service.
func (s *Service) entryFor(ctx context.Context) *logrus.Entry {
	if ns, ok := namespaces.Namespace(ctx); ok {
		return s.log.WithField("namespace", ns)
	}
	return s.log
}

func (s *Service) ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	s.entryFor(ctx).Debug("ping")
	return &PingResponse{}, nil
}

func (s *Service) listResources(ctx context.Context, req *ListResourcesRequest) (*ListResourcesResponse, error) {
	s.entryFor(ctx).Debug("listing resources")
	snaps := s.sys.Snapshot()
	out := make([]ResourceInfo, len(snaps))
	for i, snap := range snaps {
		out[i] = ResourceInfo{
			Slot:          snap.Slot,
			SourcePath:    snap.SourcePath,
			Kind:          snap.Kind,
			State:         snap.State,
			EffectivePath: snap.EffectivePath,
		}
	}
	return &ListResourcesResponse{Resources: out}, nil
}

func (s *Service) shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	grace := time.Duration(req.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if err := s.sys.Shutdown(ctx, grace); err != nil {
		return nil, err
	}
	return &ShutdownResponse{}, nil
}

// Serve listens on socketPath and runs srv until ctx is cancelled,
// matching the teacher's pattern of a unix-socket ttrpc listener rather
// than TCP, since the socket lives alongside the jail the way
// containerd's own shim sockets do.
func Serve(ctx context.Context, srv *ttrpc.Server, socketPath string) error {
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", socketPath, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, l)
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
