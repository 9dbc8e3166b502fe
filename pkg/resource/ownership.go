package resource

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pipeops/firecracker-resources/pkg/runtime"
)

// OwnershipKind selects which of the three relationships between the
// orchestrator's uid/gid and the jailed process's uid/gid applies.
type OwnershipKind int

const (
	// OwnershipShared: jailer and orchestrator share uid/gid; no chown
	// is ever needed.
	OwnershipShared OwnershipKind = iota
	// OwnershipUpgraded: files start orchestrator-owned and must be
	// chowned to the jail uid/gid.
	OwnershipUpgraded
	// OwnershipDowngraded: the symmetric case.
	OwnershipDowngraded
)

// OwnershipModel is the C2 policy object: it says which uid/gid jailed
// files must end up owned by, and derives the chown operations needed
// to get there.
type OwnershipModel struct {
	Kind OwnershipKind
	UID  int
	GID  int
}

// SharedOwnership returns the no-op ownership model for a non-jailed
// (or same-uid-jailed) executor.
func SharedOwnership() OwnershipModel {
	return OwnershipModel{Kind: OwnershipShared}
}

// UpgradedOwnership returns a model that chowns placed files from the
// orchestrator's uid/gid to the jail's.
func UpgradedOwnership(uid, gid int) OwnershipModel {
	return OwnershipModel{Kind: OwnershipUpgraded, UID: uid, GID: gid}
}

// DowngradedOwnership returns a model that chowns placed files from the
// jail's uid/gid back to the orchestrator's.
func DowngradedOwnership(uid, gid int) OwnershipModel {
	return OwnershipModel{Kind: OwnershipDowngraded, UID: uid, GID: gid}
}

// ChownLeaf adjusts a single file's uid/gid per policy. It is a no-op
// under OwnershipShared.
func (m OwnershipModel) ChownLeaf(ctx context.Context, rt runtime.Runtime, path string) error {
	if m.Kind == OwnershipShared {
		return nil
	}
	if err := rt.FSChown(ctx, path, m.UID, m.GID); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errOwnership(path, err)
	}
	return nil
}

// ChownTree recursively applies ChownLeaf to every entry under path,
// depth-first. Recursion continues past ENOENT on entries that
// disappeared mid-walk; any other error is reported with the
// first-failing path.
func (m OwnershipModel) ChownTree(ctx context.Context, rt runtime.Runtime, path string) error {
	if m.Kind == OwnershipShared {
		return nil
	}
	return m.chownTree(ctx, rt, path)
}

func (m OwnershipModel) chownTree(ctx context.Context, rt runtime.Runtime, path string) error {
	info, err := rt.FSStat(ctx, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errOwnership(path, err)
	}

	if info.IsDir() {
		entries, err := rt.FSReadDir(ctx, path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errOwnership(path, err)
		}
		for _, entry := range entries {
			if err := m.chownTree(ctx, rt, filepath.Join(path, entry.Name())); err != nil {
				return err
			}
		}
	}

	if err := rt.FSChown(ctx, path, m.UID, m.GID); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errOwnership(path, err)
	}
	return nil
}
