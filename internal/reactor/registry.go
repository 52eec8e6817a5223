package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/pgfixture/pgfixture/internal/session"
)

// registryShard is one copy-on-write partition of the live-session
// table, adapted from the teacher's routerSnapshot/Router pair: reads
// are lock-free via atomic.Value; mutations serialize on a per-shard
// write mutex and swap in a new snapshot map.
type registryShard struct {
	snap atomic.Value // holds map[session.CancelKey]*session.Session
	wmu  sync.Mutex
}

func newRegistryShard() *registryShard {
	sh := &registryShard{}
	sh.snap.Store(make(map[session.CancelKey]*session.Session))
	return sh
}

func (sh *registryShard) load() map[session.CancelKey]*session.Session {
	return sh.snap.Load().(map[session.CancelKey]*session.Session)
}

func (sh *registryShard) add(sess *session.Session) {
	sh.wmu.Lock()
	defer sh.wmu.Unlock()
	cur := sh.load()
	next := make(map[session.CancelKey]*session.Session, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[sess.ID()] = sess
	sh.snap.Store(next)
}

func (sh *registryShard) remove(key session.CancelKey) {
	sh.wmu.Lock()
	defer sh.wmu.Unlock()
	cur := sh.load()
	if _, ok := cur[key]; !ok {
		return
	}
	next := make(map[session.CancelKey]*session.Session, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	sh.snap.Store(next)
}

// Registry is the server context's live-session table (spec.md's "the
// set of active sessions keyed by (pid, secret)"), sharded by pid so
// registration contention under a high connect rate spreads across
// shards while every lookup stays lock-free — the reactor's rendition
// of "sharding" for the one piece of cross-session state the model
// allows (spec.md §5).
type Registry struct {
	shards []*registryShard
}

// NewRegistry returns an empty session registry with the given shard
// count. A count below 1 is treated as 1.
func NewRegistry(numShards int) *Registry {
	if numShards < 1 {
		numShards = 1
	}
	r := &Registry{shards: make([]*registryShard, numShards)}
	for i := range r.shards {
		r.shards[i] = newRegistryShard()
	}
	return r
}

func (r *Registry) shardFor(key session.CancelKey) *registryShard {
	return r.shards[int(key.Pid)%len(r.shards)]
}

// Add registers a live session.
func (r *Registry) Add(sess *session.Session) {
	r.shardFor(sess.ID()).add(sess)
}

// Remove drops a session from the table, e.g. on connection close.
func (r *Registry) Remove(key session.CancelKey) {
	r.shardFor(key).remove(key)
}

// Lookup resolves a cancel key to its session. Lock-free.
func (r *Registry) Lookup(key session.CancelKey) (*session.Session, bool) {
	sess, ok := r.shardFor(key).load()[key]
	return sess, ok
}

// Snapshot returns every live session, for the admin API's session
// listing. Lock-free per shard.
func (r *Registry) Snapshot() []*session.Session {
	var out []*session.Session
	for _, sh := range r.shards {
		for _, sess := range sh.load() {
			out = append(out, sess)
		}
	}
	return out
}

// FindByPid scans every shard for a session with the given pid,
// without requiring its secret. Used by the admin API, which is
// trusted out of band and never sees the wire-level cancel key.
func (r *Registry) FindByPid(pid uint32) (*session.Session, bool) {
	for _, sh := range r.shards {
		for k, sess := range sh.load() {
			if k.Pid == pid {
				return sess, true
			}
		}
	}
	return nil, false
}

// Len reports the number of live sessions across all shards.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		n += len(sh.load())
	}
	return n
}
