package durable

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/storage/localstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Snapshot is the persisted envelope around a reconciler's record.
type Snapshot[T any] struct {
	OwnerID string    `json:"ownerId"`
	SavedAt time.Time `json:"savedAt"`
	Data    T         `json:"data"`

	// Origin tells which store produced the snapshot. Not persisted.
	Origin Origin `json:"-"`
}

// Fresh reports whether the snapshot belongs to owner and is not older than maxAge.
func (s Snapshot[T]) Fresh(owner string, maxAge time.Duration, now time.Time) bool {
	if s.OwnerID == "" || s.OwnerID != owner {
		return false
	}
	if s.SavedAt.IsZero() || s.SavedAt.After(now.Add(time.Minute)) {
		return false
	}
	return now.Sub(s.SavedAt) <= maxAge
}

// Store persists at most one snapshot per owner. Load returns (nil, nil) when absent.
type Store[T any] interface {
	Load(ctx context.Context, owner string) (*Snapshot[T], error)
	Save(ctx context.Context, snap Snapshot[T]) error
	Delete(ctx context.Context, owner string) error
}

// Local keeps one snapshot under a fixed key. The owner lives inside the
// snapshot, so a leftover record of another account is visible to the caller
// and rejected by Fresh.
type Local[T any] struct {
	kv  localstore.KV
	key string
}

func NewLocal[T any](kv localstore.KV, key string) *Local[T] {
	return &Local[T]{kv: kv, key: key}
}

func (l *Local[T]) Load(ctx context.Context, _ string) (*Snapshot[T], error) {
	b, ok, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return nil, errors.Wrap(err, "local load")
	}
	if !ok {
		return nil, nil
	}
	var snap Snapshot[T]
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, errors.Wrap(err, "local decode")
	}
	snap.Origin = OriginLocal
	return &snap, nil
}

func (l *Local[T]) Save(ctx context.Context, snap Snapshot[T]) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "local encode")
	}
	if err := l.kv.Set(ctx, l.key, b); err != nil {
		return errors.Wrap(err, "local save")
	}
	return nil
}

func (l *Local[T]) Delete(ctx context.Context, _ string) error {
	if err := l.kv.Delete(ctx, l.key); err != nil {
		return errors.Wrap(err, "local delete")
	}
	return nil
}

// RemoteFuncs adapts backend calls to the Store contract.
type RemoteFuncs[T any] struct {
	Get    func(ctx context.Context, owner string) (*T, time.Time, error)
	Put    func(ctx context.Context, owner string, v T) error
	Delete func(ctx context.Context, owner string) error
}

type Remote[T any] struct {
	fn RemoteFuncs[T]
}

func NewRemote[T any](fn RemoteFuncs[T]) *Remote[T] {
	return &Remote[T]{fn: fn}
}

func (r *Remote[T]) Load(ctx context.Context, owner string) (*Snapshot[T], error) {
	v, savedAt, err := r.fn.Get(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "remote load")
	}
	if v == nil {
		return nil, nil
	}
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	return &Snapshot[T]{OwnerID: owner, SavedAt: savedAt, Data: *v, Origin: OriginRemote}, nil
}

func (r *Remote[T]) Save(ctx context.Context, snap Snapshot[T]) error {
	return errors.Wrap(r.fn.Put(ctx, snap.OwnerID, snap.Data), "remote save")
}

func (r *Remote[T]) Delete(ctx context.Context, owner string) error {
	return errors.Wrap(r.fn.Delete(ctx, owner), "remote delete")
}

// Layered reads the remote store first and falls back to the local one;
// writes and deletes go to both.
type Layered[T any] struct {
	remote Store[T]
	local  Store[T]
	log    *zap.Logger
}

func NewLayered[T any](remote, local Store[T], log *zap.Logger) *Layered[T] {
	return &Layered[T]{remote: remote, local: local, log: logging.OrNop(log)}
}

// Load prefers the backend. A remote hit refreshes the local copy.
func (l *Layered[T]) Load(ctx context.Context, owner string) (*Snapshot[T], error) {
	snap, err := l.remote.Load(ctx, owner)
	if err == nil && snap != nil {
		if err := l.local.Save(ctx, *snap); err != nil {
			l.log.Warn("refresh local snapshot", zap.Error(err))
		}
		return snap, nil
	}
	if err != nil {
		l.log.Warn("remote load failed, using local snapshot", zap.String("owner", owner), zap.Error(err))
	}
	return l.local.Load(ctx, owner)
}

// Save fails only when neither store accepted the snapshot.
func (l *Layered[T]) Save(ctx context.Context, snap Snapshot[T]) error {
	rErr := l.remote.Save(ctx, snap)
	lErr := l.local.Save(ctx, snap)
	if rErr != nil && lErr != nil {
		return errors.Wrap(rErr, lErr.Error())
	}
	if rErr != nil {
		l.log.Warn("remote save failed, kept local snapshot", zap.String("owner", snap.OwnerID), zap.Error(rErr))
	}
	if lErr != nil {
		l.log.Warn("local save failed", zap.String("owner", snap.OwnerID), zap.Error(lErr))
	}
	return nil
}

// Delete removes from both and reports the first failure.
func (l *Layered[T]) Delete(ctx context.Context, owner string) error {
	rErr := l.remote.Delete(ctx, owner)
	lErr := l.local.Delete(ctx, owner)
	if rErr != nil {
		return rErr
	}
	return lErr
}
