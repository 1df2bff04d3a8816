// Package workers runs contract calls on a fixed set of worker goroutines.
//
// A single controller goroutine owns the FIFO queue, the free-worker list
// and the per-worker task slots. Workers never touch storage directly: a
// storage_read inside a call is posted to the controller, which resolves it
// against the engine and answers on the request's reply channel.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nearview/fault"
	"nearview/keys"
	"nearview/logs"
	"nearview/stats"
	"nearview/vm"
)

// ErrClosed is returned for calls submitted to, or still pending in, a
// closed pool.
var ErrClosed = errors.New("workers: pool closed")

// Runner executes one call. *vm.Sandbox implements it.
type Runner interface {
	Run(ctx context.Context, call *vm.Call, reader vm.StorageReader) (*vm.Outcome, error)
}

// DataReader resolves contract storage. Every storage.Engine implements it.
type DataReader interface {
	GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error)
}

type Config struct {
	Workers int
	Timeout time.Duration

	Metrics *stats.Metrics
	Latency *stats.LatencyRecorder
}

func DefaultConfig() Config {
	return Config{Workers: 4, Timeout: 10 * time.Second}
}

// task 是一次排队中的调用
type task struct {
	ctx   context.Context
	call  *vm.Call
	reply chan result
	start time.Time
}

type result struct {
	out *vm.Outcome
	err error
}

type assignment struct {
	ctx  context.Context
	task *task
	seq  uint64
}

type worker struct {
	id    int
	tasks chan *assignment
	quit  chan struct{}
}

// slot 记录忙碌 worker 当前执行的任务
type slot struct {
	worker *worker
	task   *task
	seq    uint64
	cancel context.CancelFunc
	timer  *time.Timer
}

type completion struct {
	worker  int
	seq     uint64
	res     result
	crashed bool
}

type timeoutEvent struct {
	worker int
	seq    uint64
}

type readRequest struct {
	ctx     context.Context
	account string
	key     []byte
	height  uint64
	reply   chan readResult
}

type readResult struct {
	value []byte
	err   error
}

type Pool struct {
	cfg    Config
	runner Runner
	reader DataReader
	log    logs.Logger

	submit   chan *task
	done     chan completion
	timeouts chan timeoutEvent
	reads    chan *readRequest
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	queuedN atomic.Int64
	activeN atomic.Int64

	// 以下字段只由 controller 协程访问
	queue  []*task
	free   []*worker
	slots  map[int]*slot
	nextID int
	seq    uint64
}

func New(runner Runner, reader DataReader, cfg Config) (*Pool, error) {
	if runner == nil || reader == nil {
		return nil, errors.New("workers: runner and reader are required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers: worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("workers: timeout must be positive, got %v", cfg.Timeout)
	}
	p := &Pool{
		cfg:      cfg,
		runner:   runner,
		reader:   reader,
		log:      logs.Named("workers"),
		submit:   make(chan *task, 256),
		done:     make(chan completion, cfg.Workers),
		timeouts: make(chan timeoutEvent, cfg.Workers),
		reads:    make(chan *readRequest, cfg.Workers),
		stop:     make(chan struct{}),
		slots:    make(map[int]*slot, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.free = append(p.free, p.spawn())
	}
	p.wg.Add(1)
	go p.controller()
	p.log.Info("pool started with %d workers, timeout %v", cfg.Workers, cfg.Timeout)
	return p, nil
}

// RunContract queues call and waits for its outcome. Calls start in arrival
// order as workers free up.
func (p *Pool) RunContract(ctx context.Context, call *vm.Call) (*vm.Outcome, error) {
	t := &task{ctx: ctx, call: call, reply: make(chan result, 1), start: time.Now()}
	select {
	case p.submit <- t:
	case <-p.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-t.reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		select {
		case r := <-t.reply:
			return r.out, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// Close rejects pending calls, cancels running ones and waits for every
// goroutine of the pool to exit.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}

// Queued is the number of calls waiting for a worker.
func (p *Pool) Queued() int { return int(p.queuedN.Load()) }

// Active is the number of workers running a call.
func (p *Pool) Active() int { return int(p.activeN.Load()) }

func (p *Pool) GetChannelStats() []stats.ChannelStat {
	return []stats.ChannelStat{
		stats.NewChannelStat("submit", "Pool", len(p.submit), cap(p.submit)),
		stats.NewChannelStat("queue", "Pool", p.Queued(), 0),
		stats.NewChannelStat("reads", "Pool", len(p.reads), cap(p.reads)),
		stats.NewChannelStat("done", "Pool", len(p.done), cap(p.done)),
	}
}

// ===================== controller =====================

func (p *Pool) controller() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.submit:
			p.queue = append(p.queue, t)
			p.dispatch()

		case c := <-p.done:
			s, ok := p.slots[c.worker]
			if !ok || s.seq != c.seq {
				// 超时后被放弃的 worker 迟到的结果
				continue
			}
			delete(p.slots, c.worker)
			s.timer.Stop()
			s.cancel()
			p.finish(s.task, c.res)
			if c.crashed {
				p.log.Warn("worker %d faulted running %s.%s: %v", c.worker, s.task.call.AccountID, s.task.call.Method, c.res.err)
				p.replace(s.worker)
			} else {
				p.free = append(p.free, s.worker)
			}
			p.dispatch()

		case ev := <-p.timeouts:
			s, ok := p.slots[ev.worker]
			if !ok || s.seq != ev.seq {
				continue
			}
			delete(p.slots, ev.worker)
			s.cancel()
			p.log.Warn("call %s.%s exceeded %v on worker %d, abandoning it", s.task.call.AccountID, s.task.call.Method, p.cfg.Timeout, ev.worker)
			p.finish(s.task, result{err: fault.New(fault.CodeExecutionTimedOut, "contract execution timed out")})
			p.replace(s.worker)
			p.dispatch()

		case req := <-p.reads:
			go p.resolve(req)

		case <-p.stop:
			p.shutdown()
			return
		}
	}
}

func (p *Pool) dispatch() {
	for len(p.queue) > 0 && len(p.free) > 0 {
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if t.ctx.Err() != nil {
			// 调用方在排队期间已放弃
			continue
		}
		w := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]

		p.seq++
		ctx, cancel := context.WithTimeout(t.ctx, p.cfg.Timeout)
		s := &slot{worker: w, task: t, seq: p.seq, cancel: cancel}
		ev := timeoutEvent{worker: w.id, seq: s.seq}
		s.timer = time.AfterFunc(p.cfg.Timeout, func() {
			select {
			case p.timeouts <- ev:
			case <-p.stop:
			}
		})
		p.slots[w.id] = s
		w.tasks <- &assignment{ctx: ctx, task: t, seq: s.seq}
	}
	p.queuedN.Store(int64(len(p.queue)))
	p.activeN.Store(int64(len(p.slots)))
	p.cfg.Metrics.SetPool(len(p.queue), len(p.slots))
}

func (p *Pool) finish(t *task, r result) {
	t.reply <- r
	outcome := "ok"
	if r.err != nil {
		outcome = string(fault.CodeOf(r.err))
		if outcome == "" {
			outcome = "error"
		}
	}
	p.cfg.Metrics.ObserveCall(outcome, time.Since(t.start))
	p.cfg.Latency.Since("RunContract", t.start)
}

// replace retires w and starts a fresh worker in its place.
func (p *Pool) replace(w *worker) {
	close(w.quit)
	p.free = append(p.free, p.spawn())
	p.cfg.Metrics.WorkerReplaced()
}

func (p *Pool) spawn() *worker {
	p.nextID++
	w := &worker{id: p.nextID, tasks: make(chan *assignment, 1), quit: make(chan struct{})}
	p.wg.Add(1)
	go p.runWorker(w)
	return w
}

func (p *Pool) shutdown() {
	for drained := false; !drained; {
		select {
		case t := <-p.submit:
			p.queue = append(p.queue, t)
		default:
			drained = true
		}
	}
	for _, t := range p.queue {
		t.reply <- result{err: ErrClosed}
	}
	p.queue = nil
	for id, s := range p.slots {
		s.timer.Stop()
		s.cancel()
		s.task.reply <- result{err: ErrClosed}
		close(s.worker.quit)
		delete(p.slots, id)
	}
	for _, w := range p.free {
		close(w.quit)
	}
	p.free = nil
	p.queuedN.Store(0)
	p.activeN.Store(0)
	p.log.Info("pool stopped")
}

// resolve answers one storage read; it runs on its own goroutine.
func (p *Pool) resolve(req *readRequest) {
	v, err := p.reader.GetLatestData(req.ctx, keys.DataKey(req.account, req.key), req.height)
	if err != nil {
		p.log.Warn("storage read for %s at %d failed: %v", req.account, req.height, err)
		err = fmt.Errorf("read %s at %d: %w", req.account, req.height, err)
	}
	req.reply <- readResult{value: v, err: err}
}

// ===================== worker =====================

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case a := <-w.tasks:
			res, crashed := p.execute(a)
			select {
			case p.done <- completion{worker: w.id, seq: a.seq, res: res, crashed: crashed}:
			case <-p.stop:
				return
			}
		case <-w.quit:
			return
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) execute(a *assignment) (res result, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: fault.Newf(fault.CodeHostError, "worker fault: %v", r)}
			crashed = true
		}
	}()
	call := a.task.call
	reader := vm.StorageReaderFunc(func(ctx context.Context, key []byte) ([]byte, error) {
		return p.relayRead(ctx, call, key)
	})
	out, err := p.runner.Run(a.ctx, call, reader)
	return result{out: out, err: err}, false
}

// relayRead posts a read to the controller and blocks until it is answered.
func (p *Pool) relayRead(ctx context.Context, call *vm.Call, key []byte) ([]byte, error) {
	req := &readRequest{
		ctx:     ctx,
		account: call.AccountID,
		key:     append([]byte(nil), key...),
		height:  call.BlockHeight,
		reply:   make(chan readResult, 1),
	}
	select {
	case p.reads <- req:
	case <-ctx.Done():
		return nil, interrupted(ctx)
	case <-p.stop:
		return nil, ErrClosed
	}
	select {
	case r := <-req.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, interrupted(ctx)
	}
}

func interrupted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.CodeExecutionTimedOut, "contract execution timed out")
	}
	return ctx.Err()
}
