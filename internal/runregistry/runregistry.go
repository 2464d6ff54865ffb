// Package runregistry tracks EvolutionStatus per run. It keeps status
// in-process by default and mirrors it into Redis when configured, so a
// process other than the one running the loop can read it; stop requests
// are kept in-process only. Grounded on the teacher's
// internal/orchestrator.NewRedisDedupeStore connect-and-ping pattern.
package runregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the subset of EvolutionStatus the registry tracks and mirrors.
type Status struct {
	Status          string  `json:"status"`
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"totalIterations"`
	BestScore       float64 `json:"bestScore"`
	Stopped         bool    `json:"-"`
}

// Registry holds in-process run status and optionally mirrors it to Redis.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*Status
	redis  *redis.Client
}

// New builds a Registry. When redisAddr is non-empty, it connects and pings
// the server; a failed ping returns an error rather than degrading silently,
// since a misconfigured mirror should surface at startup.
func New(ctx context.Context, redisAddr string) (*Registry, error) {
	r := &Registry{runs: make(map[string]*Status)}
	if redisAddr == "" {
		return r, nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	r.redis = client
	return r, nil
}

// Close releases the Redis client, if any.
func (r *Registry) Close() error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Close()
}

// Register creates a fresh Status entry for runID.
func (r *Registry) Register(runID string, totalIterations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &Status{Status: "running", TotalIterations: totalIterations}
}

// Update mutates runID's status and mirrors it to Redis if configured.
func (r *Registry) Update(ctx context.Context, runID string, iteration int, bestScore float64, status string) {
	r.mu.Lock()
	st, ok := r.runs[runID]
	if !ok {
		st = &Status{}
		r.runs[runID] = st
	}
	st.Iteration = iteration
	st.BestScore = bestScore
	st.Status = status
	snapshot := *st
	r.mu.Unlock()

	if r.redis != nil {
		r.mirror(ctx, runID, snapshot)
	}
}

func (r *Registry) mirror(ctx context.Context, runID string, status Status) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = r.redis.Set(writeCtx, "evocore:run:"+runID, data, 24*time.Hour).Err()
}

// Get returns runID's status, preferring the Redis mirror when available so
// a second process observes the same state the owning process last wrote.
func (r *Registry) Get(ctx context.Context, runID string) (Status, bool) {
	if r.redis != nil {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		data, err := r.redis.Get(readCtx, "evocore:run:"+runID).Bytes()
		if err == nil {
			var st Status
			if json.Unmarshal(data, &st) == nil {
				return st, true
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[runID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Stop marks runID stopped; the controller polls IsStopped at the top of
// each iteration per spec.md §5's cancellation model.
func (r *Registry) Stop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.runs[runID]; ok {
		st.Stopped = true
	}
}

// IsStopped reports whether Stop has been called for runID in this process.
// Cross-process stop requests are out of scope: only the owning process's
// loop can observe its own stop flag.
func (r *Registry) IsStopped(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[runID]
	return ok && st.Stopped
}
