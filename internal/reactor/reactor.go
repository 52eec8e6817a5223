// Package reactor implements the multiplexing I/O loop: it accepts
// listeners, drives each session's read→dispatch→write turn to
// completion, maintains the live-session registry for cancel-request
// lookup, and enforces the connection cap, per-session timeouts, and
// write backpressure. Concurrency model: each accepted connection gets
// its own goroutine running its turn loop to completion before the
// next frame is read, which is the idiomatic-Go rendition of "a
// session's handler runs to completion before the reactor advances" —
// the Go runtime's netpoller is the readiness-polling mechanism the
// design leaves implementation-defined. "Sharding" becomes N acceptor
// goroutines, each with its own heartbeat, over one shared listener;
// the registry's write path is sharded separately, by pid.
package reactor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgfixture/pgfixture/internal/dispatch"
	"github.com/pgfixture/pgfixture/internal/respbuilder"
	"github.com/pgfixture/pgfixture/internal/session"
	"github.com/pgfixture/pgfixture/internal/wire"
)

// Metrics is the subset of observability events the reactor reports.
// Accepting an interface here (rather than depending on
// internal/metrics directly) lets conformance-test harnesses run a
// reactor with no metrics collector at all.
type Metrics interface {
	SessionOpened()
	SessionClosed(d time.Duration)
	FrameObserved(direction, msgType string)
	AuthAttempt(method, result string)
	CancelRequest(result string)
	ProtocolError(sqlstate string)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()                        {}
func (noopMetrics) SessionClosed(time.Duration)           {}
func (noopMetrics) FrameObserved(string, string)          {}
func (noopMetrics) AuthAttempt(string, string)            {}
func (noopMetrics) CancelRequest(string)                  {}
func (noopMetrics) ProtocolError(string)                  {}

// Config bounds the reactor's resource model.
type Config struct {
	Host  string
	Port  int
	NumShards int

	MaxConnections     int
	MaxFrameBytes      int
	StartupTimeout     time.Duration
	IdleTimeout        time.Duration // 0 disables idle timeout, per spec.md §5
	WriteHighWaterMark int

	HeartbeatInterval time.Duration

	// ServerParams are sent as ParameterStatus frames after a
	// successful handshake, at minimum server_version, client_encoding,
	// server_encoding, and DateStyle per spec.md §4.2.
	ServerParams []respbuilder.ParameterStatusPair
}

func (c Config) withDefaults() Config {
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrame
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.WriteHighWaterMark <= 0 {
		c.WriteHighWaterMark = 16 << 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	return c
}

// Reactor is one listener plus its bounded acceptor pool.
type Reactor struct {
	cfg        Config
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	metrics    Metrics
	codec      *wire.Codec

	ln net.Listener

	pidCounter  uint32
	activeConns int64

	heartbeats []atomic.Value // time.Time per shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Reactor ready to Serve. metrics may be nil.
func New(cfg Config, registry *Registry, dispatcher *dispatch.Dispatcher, metrics Metrics) *Reactor {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reactor{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics,
		codec:      wire.NewCodec(cfg.MaxFrameBytes),
		heartbeats: make([]atomic.Value, cfg.NumShards),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range r.heartbeats {
		r.heartbeats[i].Store(time.Now())
	}
	return r
}

// Serve binds the listener and starts the acceptor shards. It returns
// once the listener is bound; acceptance runs in background goroutines.
func (r *Reactor) Serve() error {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.ln = ln
	log.Printf("[reactor] listening on %s (%d shard(s))", addr, r.cfg.NumShards)

	for i := 0; i < r.cfg.NumShards; i++ {
		shardID := i
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.acceptLoop(shardID)
		}()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.heartbeatLoop(shardID)
		}()
	}
	return nil
}

func (r *Reactor) heartbeatLoop(shardID int) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.heartbeats[shardID].Store(time.Now())
		}
	}
}

// Heartbeat returns the last liveness timestamp reported by a shard,
// consulted by internal/health. It is refreshed by the shard's ticker
// goroutine and on each connection the shard accepts, so an acceptor
// blocked inside Accept still reports fresh heartbeats.
func (r *Reactor) Heartbeat(shardID int) time.Time {
	return r.heartbeats[shardID].Load().(time.Time)
}

// NumShards reports the configured shard count.
func (r *Reactor) NumShards() int { return r.cfg.NumShards }

// Addr returns the listener's bound address, useful when Config.Port
// is 0 and the OS picked an ephemeral port (tests, and "listen on any
// free port" operation).
func (r *Reactor) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

func (r *Reactor) acceptLoop(shardID int) {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				var ne net.Error
				if errors.As(err, &ne) {
					log.Printf("[reactor] shard %d accept error: %v", shardID, err)
					continue
				}
				log.Printf("[reactor] shard %d listener closed: %v", shardID, err)
				return
			}
		}
		r.heartbeats[shardID].Store(time.Now())

		if int(atomic.LoadInt64(&r.activeConns)) >= r.cfg.MaxConnections && r.cfg.MaxConnections > 0 {
			conn.Close()
			continue
		}
		atomic.AddInt64(&r.activeConns, 1)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer atomic.AddInt64(&r.activeConns, -1)
			r.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits (bounded by ctx)
// for in-flight sessions to drain.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.cancel()
	if r.ln != nil {
		r.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelSession looks up the session holding key and marks it
// cancelled. The wire-level CancelRequest path calls it directly, and
// CancelPid (the admin API's POST /sessions/{pid}/cancel) calls it once
// it has found the session by pid.
func (r *Reactor) CancelSession(key session.CancelKey) bool {
	sess, ok := r.registry.Lookup(key)
	if !ok {
		r.metrics.CancelRequest("unknown")
		return false
	}
	sess.Cancel()
	r.dispatcher.DispatchCancel(key.Pid, key.Secret)
	r.metrics.CancelRequest("ok")
	return true
}

// CancelPid is CancelSession for callers (the admin API) that only
// know a session's pid, not its secret.
func (r *Reactor) CancelPid(pid uint32) bool {
	sess, ok := r.registry.FindByPid(pid)
	if !ok {
		r.metrics.CancelRequest("unknown")
		return false
	}
	return r.CancelSession(sess.ID())
}

func newSecret() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a fatal misconfiguration of the host,
		// not something a session can recover from.
		panic("reactor: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}
