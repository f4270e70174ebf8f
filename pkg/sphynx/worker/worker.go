// Package worker implements the fixed-size worker pool that owns Connexions:
// each worker batches inbound datagrams by owning Connexion and fires a
// periodic tick across its assigned set. See spec.md §4.8 and §5.
package worker

import (
	"context"
	"io"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
)

// TickInterval is how often a worker fires on_tick across its Connexions.
const TickInterval = 20 * time.Millisecond

// Datagram is one inbound packet tagged with its owning Connexion, as routed
// by the I/O layer after a single connection-map lookup.
type Datagram struct {
	Owner *conn.Connexion
	Data  []byte
	Addr  netip.AddrPort
	Now   time.Time
}

// OutgoingFunc hands an encrypted datagram back to the I/O layer for
// transmission.
type OutgoingFunc func(addr netip.AddrPort, data []byte)

// Pool is a fixed-size set of workers, each owning a disjoint subset of
// Connexions. Connection-to-worker assignment happens once at Connexion
// creation (least-populated worker) and never migrates afterwards.
type Pool struct {
	log       zerolog.Logger
	send      OutgoingFunc
	onMessage func(*conn.Connexion, transport.Received)
	onTick    func(*conn.Connexion, time.Time)
	onGone    func(*conn.Connexion)

	tickInterval time.Duration

	workers []*worker

	set         *metrics.Set
	ticks       *metrics.Counter
	dropped     *metrics.Counter
	flushErrors *metrics.Counter
}

// WritePrometheus writes the pool's tick/drop/flush-error counters and
// per-worker assignment gauges in Prometheus exposition format.
func (p *Pool) WritePrometheus(w io.Writer) {
	p.set.WritePrometheus(w)
}

// SetTickInterval overrides how often each worker's loop drains its queue
// and ticks its Connexions, per spec.md §6's worker_tick_ms. d <= 0 leaves
// the default TickInterval in place; call before Run.
func (p *Pool) SetTickInterval(d time.Duration) {
	if d > 0 {
		p.tickInterval = d
	}
}

// New creates a Pool of n workers. send is used to hand outbound datagrams
// produced by a Connexion's flush back to the network layer. onMessage, if
// non-nil, is called once per application message a Connexion's transport
// makes deliverable. onTick, if non-nil, is called once per worker tick for
// every Connexion it owns, right after that Connexion's own Tick runs.
// onGone, if non-nil, is called once a Connexion reaches conn.StateGone so
// the caller can remove it from the connection map.
func New(n int, send OutgoingFunc, onMessage func(*conn.Connexion, transport.Received), onTick func(*conn.Connexion, time.Time), onGone func(*conn.Connexion), log zerolog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	set := metrics.NewSet()
	p := &Pool{
		log: log, send: send, onMessage: onMessage, onTick: onTick, onGone: onGone,
		tickInterval: TickInterval,
		set:          set,
		ticks:        set.NewCounter(`sphynx_worker_ticks`),
		dropped:      set.NewCounter(`sphynx_worker_dropped_datagrams`),
		flushErrors:  set.NewCounter(`sphynx_worker_flush_errors`),
	}
	p.workers = make([]*worker, n)
	for i := range p.workers {
		i := i
		p.workers[i] = newWorker(i, p, log.With().Int("worker", i).Logger())
		set.NewGauge(`sphynx_worker_size{worker="`+strconv.Itoa(i)+`"}`, func() float64 {
			return float64(p.Len(i))
		})
	}
	return p
}

// Run starts every worker's loop, blocking until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	wg.Wait()
}

// Assign picks the least-populated worker for a newly created Connexion and
// adds it to that worker's set, returning the chosen worker's id.
func (p *Pool) Assign(c *conn.Connexion) int {
	best := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.size() < best.size() {
			best = w
		}
	}
	c.SetWorkerID(best.id)
	best.add(c)
	return best.id
}

// Enqueue routes a received datagram to its owner's worker queue. The I/O
// layer calls this after looking up the owning Connexion under the
// connection map's reader lock exactly once.
func (p *Pool) Enqueue(d Datagram) {
	id := d.Owner.WorkerID()
	if id < 0 || id >= len(p.workers) {
		return
	}
	p.workers[id].enqueue(d)
}

// Len reports how many Connexions are currently assigned to worker i.
func (p *Pool) Len(i int) int {
	if i < 0 || i >= len(p.workers) {
		return 0
	}
	return p.workers[i].size()
}

type worker struct {
	id   int
	log  zerolog.Logger
	pool *Pool

	mu      sync.Mutex
	queue   []Datagram
	members map[*conn.Connexion]struct{}
}

func newWorker(id int, pool *Pool, log zerolog.Logger) *worker {
	return &worker{id: id, log: log, pool: pool, members: make(map[*conn.Connexion]struct{})}
}

func (w *worker) add(c *conn.Connexion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.members[c] = struct{}{}
}

func (w *worker) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.members)
}

func (w *worker) enqueue(d Datagram) {
	w.mu.Lock()
	w.queue = append(w.queue, d)
	w.mu.Unlock()
}

// run is the worker's main loop: block on a ticker firing every
// tickInterval (TickInterval unless SetTickInterval changed it), drain the
// datagram queue batched by owner, then fire on_tick across every
// assigned Connexion.
func (w *worker) run(ctx context.Context) {
	tk := time.NewTicker(w.pool.tickInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			w.drainQueue()
			w.tickAll(now)
		}
	}
}

// drainQueue pulls the current queue and dispatches contiguous runs sharing
// an owner to that Connexion in one batch, matching spec.md's "batching
// contiguous runs that share an owner" instruction.
func (w *worker) drainQueue() {
	w.mu.Lock()
	q := w.queue
	w.queue = nil
	w.mu.Unlock()

	i := 0
	for i < len(q) {
		owner := q[i].Owner
		j := i + 1
		for j < len(q) && q[j].Owner == owner {
			j++
		}
		w.dispatchBatch(owner, q[i:j])
		i = j
	}
}

func (w *worker) dispatchBatch(owner *conn.Connexion, batch []Datagram) {
	for _, d := range batch {
		msgs, err := owner.OnDatagram(d.Now, d.Data)
		if err != nil {
			w.log.Debug().Err(err).Str("peer", d.Addr.String()).Msg("dropping invalid datagram")
			w.pool.dropped.Inc()
			continue
		}
		if w.pool.onMessage != nil {
			for _, m := range msgs {
				w.pool.onMessage(owner, m)
			}
		}
	}
	w.flush(owner)
}

func (w *worker) flush(c *conn.Connexion) {
	out, err := c.Flush(1400)
	if err != nil {
		w.log.Warn().Err(err).Msg("flush failed, disconnecting")
		w.pool.flushErrors.Inc()
		c.Disconnect()
		return
	}
	for _, pkt := range out {
		w.pool.send(c.PeerAddr(), pkt)
	}
}

// tickAll fires on_tick over every Connexion currently assigned to this
// worker, then evicts any that have reached conn.StateGone.
func (w *worker) tickAll(now time.Time) {
	w.mu.Lock()
	members := make([]*conn.Connexion, 0, len(w.members))
	for c := range w.members {
		members = append(members, c)
	}
	w.mu.Unlock()

	w.pool.ticks.Inc()
	for _, c := range members {
		c.Tick(now)
		if w.pool.onTick != nil {
			w.pool.onTick(c, now)
		}
		w.flush(c)
		if c.State() == conn.StateGone {
			w.remove(c)
			if w.pool.onGone != nil {
				w.pool.onGone(c)
			}
		}
	}
}

func (w *worker) remove(c *conn.Connexion) {
	w.mu.Lock()
	delete(w.members, c)
	w.mu.Unlock()
}
