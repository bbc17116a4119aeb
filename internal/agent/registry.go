package agent

import "sync"

// MetricsSink receives supervisor lifecycle counts; satisfied by
// internal/metrics.Collector. Optional — a Registry with no sink wired
// just skips the calls.
type MetricsSink interface {
	SupervisorStarted()
	SupervisorStopped()
}

// Registry tracks live Supervisor instances keyed by (sessionId,
// worktreeId); dormant worktrees hold no entry (§4.8).
type Registry struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
	metrics     MetricsSink
}

func NewRegistry() *Registry {
	return &Registry{supervisors: make(map[string]*Supervisor)}
}

// SetMetrics wires a metrics sink after construction, since the
// collector and registry are built independently at boot.
func (r *Registry) SetMetrics(m MetricsSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

func key(sessionID, worktreeID string) string {
	return sessionID + "/" + worktreeID
}

// Get returns the supervisor for (sessionId, worktreeId), if any.
func (r *Registry) Get(sessionID, worktreeID string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.supervisors[key(sessionID, worktreeID)]
	return sup, ok
}

// Register stores sup under (sessionId, worktreeId), replacing any prior
// entry (the caller is responsible for stopping the old one first).
func (r *Registry) Register(sessionID, worktreeID string, sup *Supervisor) {
	r.mu.Lock()
	r.supervisors[key(sessionID, worktreeID)] = sup
	m := r.metrics
	r.mu.Unlock()
	if m != nil {
		m.SupervisorStarted()
	}
}

// StopWorktree stops and removes the supervisor for (sessionId,
// worktreeId), if one exists. Satisfies internal/worktree.Stopper so C7
// can stop any bound supervisor before removing a worktree.
func (r *Registry) StopWorktree(sessionID, worktreeID string) bool {
	r.mu.Lock()
	sup, ok := r.supervisors[key(sessionID, worktreeID)]
	if ok {
		delete(r.supervisors, key(sessionID, worktreeID))
	}
	m := r.metrics
	r.mu.Unlock()

	if !ok {
		return false
	}
	sup.Stop()
	if m != nil {
		m.SupervisorStopped()
	}
	return true
}

// StopAll stops every live supervisor, for use during process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for k, sup := range r.supervisors {
		sups = append(sups, sup)
		delete(r.supervisors, k)
	}
	m := r.metrics
	r.mu.Unlock()

	for _, sup := range sups {
		sup.Stop()
		if m != nil {
			m.SupervisorStopped()
		}
	}
}

// StopSession stops every supervisor belonging to sessionID, returning
// the list of worktree ids that were stopped.
func (r *Registry) StopSession(sessionID string) []string {
	r.mu.Lock()
	var toStop []*Supervisor
	var ids []string
	prefix := sessionID + "/"
	for k, sup := range r.supervisors {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			toStop = append(toStop, sup)
			ids = append(ids, k[len(prefix):])
			delete(r.supervisors, k)
		}
	}
	m := r.metrics
	r.mu.Unlock()

	for _, sup := range toStop {
		sup.Stop()
		if m != nil {
			m.SupervisorStopped()
		}
	}
	return ids
}
