// Package pool owns locally-launched browser instances, keyed by user
// identity. It enforces a pool-wide concurrency cap, reuses a user's live
// instance across launch requests, and reclaims idle instances on a sweep.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"relaygate/internal/metrics"
	"relaygate/internal/profile"
	"relaygate/pkg/models"
)

var (
	// ErrAtCapacity is returned before any launcher invocation when the pool
	// is full and no reusable instance exists for the user.
	ErrAtCapacity = errors.New("instance pool at capacity")
	// ErrNotFound is returned by Release/Touch for unknown keys.
	ErrNotFound = errors.New("instance not found")
	// ErrArgsMismatch is returned when a user's live instance was launched
	// with different arguments than the new request asks for.
	ErrArgsMismatch = errors.New("instance already running with different launch arguments")
)

// LaunchOptions is what the pool hands to the launcher collaborator.
type LaunchOptions struct {
	InstanceID  string
	UserDataDir string
	InitialURL  string // start page, empty for the browser default
	Args        []string
}

// Endpoint is what the launcher collaborator hands back: a running browser
// process and its CDP debugging endpoint.
type Endpoint struct {
	ID           string // launcher-scoped handle (e.g. container id)
	WebSocketURL string
	UserDataDir  string
}

// Launcher spawns and terminates browser processes. The pool is the sole
// owner of every Endpoint it acquires.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (*Endpoint, error)
	Stop(ctx context.Context, ep *Endpoint) error
}

// Instance is one pooled browser process.
type Instance struct {
	ID           string
	UserID       string // empty for ephemeral instances
	Ephemeral    bool
	Endpoint     *Endpoint
	LaunchArgs   []string
	CreatedAt    time.Time
	lastActivity time.Time
}

// Pool tracks live instances. At most one instance exists per user identity;
// total live instances never exceed the configured maximum.
type Pool struct {
	mu        sync.Mutex
	byUser    map[string]*Instance
	byID      map[string]*Instance
	launcher  Launcher
	profiles  *profile.Store // nil disables profile persistence
	sem       *semaphore.Weighted
	max       int
	idle      time.Duration
	log       *zap.Logger
}

func New(launcher Launcher, profiles *profile.Store, maxInstances int, idleTimeout time.Duration, log *zap.Logger) *Pool {
	return &Pool{
		byUser:   make(map[string]*Instance),
		byID:     make(map[string]*Instance),
		launcher: launcher,
		profiles: profiles,
		sem:      semaphore.NewWeighted(int64(maxInstances)),
		max:      maxInstances,
		idle:     idleTimeout,
		log:      log,
	}
}

// Acquire returns the user's live instance when one exists, otherwise
// launches a new one. An empty user id yields an ephemeral instance that is
// never reused; the caller releases it when its controlling channel closes.
// The capacity check happens before the launcher is consulted. The request's
// URL only matters at launch time; a reused instance keeps its current page.
func (p *Pool) Acquire(ctx context.Context, req models.LaunchRequest) (*Instance, error) {
	p.mu.Lock()
	if req.UserID != "" {
		if inst, ok := p.byUser[req.UserID]; ok {
			if !slices.Equal(inst.LaunchArgs, req.Args) {
				p.mu.Unlock()
				return nil, ErrArgsMismatch
			}
			inst.lastActivity = time.Now()
			p.mu.Unlock()
			return inst, nil
		}
	}
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		return nil, ErrAtCapacity
	}

	inst, err := p.launch(ctx, req)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	// A concurrent Acquire for the same user may have raced us here. Keep the
	// first instance and discard ours so the one-per-user invariant holds.
	if req.UserID != "" {
		if existing, ok := p.byUser[req.UserID]; ok {
			p.mu.Unlock()
			p.discard(context.Background(), inst)
			p.sem.Release(1)
			return existing, nil
		}
		p.byUser[req.UserID] = inst
	}
	p.byID[inst.ID] = inst
	metrics.PoolInstances.Set(float64(len(p.byID)))
	p.mu.Unlock()

	return inst, nil
}

func (p *Pool) launch(ctx context.Context, req models.LaunchRequest) (*Instance, error) {
	opts := LaunchOptions{
		InstanceID: uuid.New().String(),
		InitialURL: req.URL,
		Args:       req.Args,
	}

	if req.UserID != "" && p.profiles != nil {
		dir, err := p.profiles.Load(req.UserID)
		if err != nil {
			p.log.Warn("profile load failed, starting fresh",
				zap.String("userId", req.UserID), zap.Error(err))
		} else {
			opts.UserDataDir = dir
		}
	}

	ep, err := p.launcher.Launch(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	metrics.Launches.Inc()

	now := time.Now()
	return &Instance{
		ID:           opts.InstanceID,
		UserID:       req.UserID,
		Ephemeral:    req.UserID == "",
		Endpoint:     ep,
		LaunchArgs:   req.Args,
		CreatedAt:    now,
		lastActivity: now,
	}, nil
}

// Touch refreshes an instance's activity clock. Called on every proxied
// frame; it is the only mechanism that defers eviction.
func (p *Pool) Touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst := p.lookupLocked(key); inst != nil {
		inst.lastActivity = time.Now()
	}
}

// Release terminates an instance immediately. The key is a user identity or,
// for ephemeral instances, the instance id.
func (p *Pool) Release(ctx context.Context, key string) error {
	p.mu.Lock()
	inst := p.lookupLocked(key)
	if inst == nil {
		p.mu.Unlock()
		return ErrNotFound
	}
	p.removeLocked(inst)
	p.mu.Unlock()

	p.stop(ctx, inst)
	p.sem.Release(1)
	return nil
}

// Sweep closes every instance idle for longer than the configured timeout
// and returns how many were evicted. Runs on a fixed interval.
func (p *Pool) Sweep(ctx context.Context, now time.Time) int {
	p.mu.Lock()
	var idle []*Instance
	for _, inst := range p.byID {
		if now.Sub(inst.lastActivity) > p.idle {
			idle = append(idle, inst)
		}
	}
	for _, inst := range idle {
		p.removeLocked(inst)
	}
	p.mu.Unlock()

	for _, inst := range idle {
		p.log.Info("evicting idle instance",
			zap.String("instanceId", inst.ID),
			zap.String("userId", inst.UserID))
		p.stop(ctx, inst)
		p.sem.Release(1)
		metrics.Evictions.Inc()
	}
	return len(idle)
}

// Run drives the periodic sweep until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Sweep(ctx, now)
		}
	}
}

// Stats returns a snapshot for the pool statistics API.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := models.PoolStats{
		Current:     len(p.byID),
		Max:         p.max,
		IdleTimeout: p.idle.String(),
		Instances:   make([]models.InstanceStats, 0, len(p.byID)),
	}
	for _, inst := range p.byID {
		stats.Instances = append(stats.Instances, models.InstanceStats{
			UserID:       inst.UserID,
			Ephemeral:    inst.Ephemeral,
			CreatedAt:    inst.CreatedAt,
			LastActivity: inst.lastActivity,
		})
	}
	return stats
}

// Shutdown stops every live instance.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	all := make([]*Instance, 0, len(p.byID))
	for _, inst := range p.byID {
		all = append(all, inst)
	}
	for _, inst := range all {
		p.removeLocked(inst)
	}
	p.mu.Unlock()

	for _, inst := range all {
		p.stop(ctx, inst)
		p.sem.Release(1)
	}
}

func (p *Pool) lookupLocked(key string) *Instance {
	if inst, ok := p.byUser[key]; ok {
		return inst
	}
	return p.byID[key]
}

func (p *Pool) removeLocked(inst *Instance) {
	if inst.UserID != "" {
		delete(p.byUser, inst.UserID)
	}
	delete(p.byID, inst.ID)
	metrics.PoolInstances.Set(float64(len(p.byID)))
}

// discard terminates an instance that never served traffic, such as the loser
// of a same-user launch race. Unlike stop it must not archive the instance's
// user-data directory: the user's saved profile would be overwritten with the
// untouched copy this instance extracted.
func (p *Pool) discard(ctx context.Context, inst *Instance) {
	if err := p.launcher.Stop(ctx, inst.Endpoint); err != nil {
		p.log.Warn("failed to stop discarded instance",
			zap.String("instanceId", inst.ID), zap.Error(err))
	}
}

func (p *Pool) stop(ctx context.Context, inst *Instance) {
	if inst.UserID != "" && p.profiles != nil && inst.Endpoint.UserDataDir != "" {
		if err := p.profiles.Save(inst.UserID, inst.Endpoint.UserDataDir); err != nil {
			p.log.Warn("failed to save profile",
				zap.String("userId", inst.UserID), zap.Error(err))
		}
	}
	if err := p.launcher.Stop(ctx, inst.Endpoint); err != nil {
		p.log.Warn("failed to stop instance",
			zap.String("instanceId", inst.ID), zap.Error(err))
	}
}
