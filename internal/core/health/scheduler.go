package health

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"crawladapter/internal/shared/logger"
	"crawladapter/proxypool/model"
)

const (
	maxSleep     = 30 * time.Second
	minSleep     = time.Second
	errorBackoff = 30 * time.Second
)

// 健康等级对应的检查间隔倍数: 越健康检查越少
var stateMultipliers = map[HealthState]float64{
	StateExcellent: 2.0,
	StateGood:      1.5,
	StateFair:      1.0,
	StatePoor:      0.5,
	StateCritical:  0.25,
	StateUnknown:   0.5,
}

// SchedulerConfig 定义自适应间隔的基准与上下限。
type SchedulerConfig struct {
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
}

// Interval 计算某个等级下的检查间隔，结果总在 [MinInterval, MaxInterval] 内。
func (c SchedulerConfig) Interval(state HealthState) time.Duration {
	m, ok := stateMultipliers[state]
	if !ok {
		m = 1.0
	}
	d := time.Duration(float64(c.BaseInterval) * m)
	if d < c.MinInterval {
		d = c.MinInterval
	}
	if d > c.MaxInterval {
		d = c.MaxInterval
	}
	return d
}

type probeFunc interface {
	Probe(ctx context.Context, id model.ProxyIdentity) model.HealthSample
}

type scheduleEntry struct {
	due   time.Time
	name  string
	index int
}

// scheduleQueue 是按 due 排序的最小堆。
type scheduleQueue []*scheduleEntry

func (q scheduleQueue) Len() int           { return len(q) }
func (q scheduleQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }
func (q scheduleQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *scheduleQueue) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *scheduleQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler 按健康等级动态安排每个代理的下一次检查。
// 每个代理同一时刻至多有一个待执行条目。
type Scheduler struct {
	cfg      SchedulerConfig
	prober   probeFunc
	tracker  *Tracker
	limiter  *semaphore.Weighted
	clock    clock.Clock
	log      zerolog.Logger
	onResult func(name string, sample model.HealthSample)

	mu      sync.Mutex
	queue   scheduleQueue
	entries map[string]*scheduleEntry
	roster  map[string]model.ProxyIdentity
	running bool
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler 创建调度器。limiter 为全局探测并发上限，与 CheckAll 共享。
func NewScheduler(cfg SchedulerConfig, p probeFunc, tracker *Tracker, limiter *semaphore.Weighted, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		cfg:     cfg,
		prober:  p,
		tracker: tracker,
		limiter: limiter,
		clock:   clk,
		log:     logger.WithComponent("Health/Scheduler"),
		entries: make(map[string]*scheduleEntry),
		roster:  make(map[string]model.ProxyIdentity),
		wake:    make(chan struct{}, 1),
	}
}

// OnResult 设置每次调度探测完成后的回调。需在 Start 之前调用。
func (s *Scheduler) OnResult(fn func(name string, sample model.HealthSample)) {
	s.onResult = fn
}

// Start 为 identities 建立初始计划并启动后台循环。重复调用只同步名册。
func (s *Scheduler) Start(identities []model.ProxyIdentity) {
	s.Sync(identities)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info().Int("proxies", len(s.roster)).Msg("Adaptive scheduler started.")
}

// Stop 取消循环并等待在途探测结束。可重复调用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info().Msg("Adaptive scheduler stopped.")
}

// Running 报告后台循环是否在运行。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sync 以新名册替换旧名册: 移除消失的代理的计划，为新代理建立计划。
func (s *Scheduler) Sync(identities []model.ProxyIdentity) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]model.ProxyIdentity, len(identities))
	for _, id := range identities {
		next[id.Name] = id
	}
	for name, e := range s.entries {
		if _, ok := next[name]; !ok {
			heap.Remove(&s.queue, e.index)
			delete(s.entries, name)
		}
	}
	for name := range next {
		if _, ok := s.entries[name]; !ok {
			s.pushLocked(name, now.Add(s.cfg.Interval(s.tracker.Classify(name))))
		}
	}
	s.roster = next
	s.signal()
}

// Pending 返回计划中的代理及其到期时间。
func (s *Scheduler) Pending() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.due
	}
	return out
}

func (s *Scheduler) pushLocked(name string, due time.Time) {
	if old, ok := s.entries[name]; ok {
		old.due = due
		heap.Fix(&s.queue, old.index)
		return
	}
	e := &scheduleEntry{due: due, name: name}
	heap.Push(&s.queue, e)
	s.entries[name] = e
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait, err := s.tick(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Scheduler tick failed, backing off.")
			wait = errorBackoff
		}

		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick 执行所有已到期的检查并重新入队，返回下一次休眠时长。
func (s *Scheduler) tick(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
		}
	}()

	due := s.popDue(s.clock.Now())
	if len(due) > 0 {
		s.log.Debug().Int("due", len(due)).Msg("Running scheduled health checks.")
	}

	var wg sync.WaitGroup
	for _, id := range due {
		if err := s.limiter.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id model.ProxyIdentity) {
			defer wg.Done()
			defer s.limiter.Release(1)
			s.runOne(ctx, id)
		}(id)
	}
	wg.Wait()

	return s.nextWait(s.clock.Now()), nil
}

func (s *Scheduler) popDue(now time.Time) []model.ProxyIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.ProxyIdentity
	for s.queue.Len() > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*scheduleEntry)
		delete(s.entries, e.name)
		if id, ok := s.roster[e.name]; ok {
			due = append(due, id)
		}
	}
	return due
}

func (s *Scheduler) runOne(ctx context.Context, id model.ProxyIdentity) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("proxy", id.Name).Interface("panic", r).Msg("Scheduled probe panicked.")
			s.reschedule(id.Name)
		}
	}()

	sample := s.prober.Probe(ctx, id)
	if ctx.Err() != nil {
		return
	}
	s.tracker.Record(id.Name, sample)
	if s.onResult != nil {
		s.onResult(id.Name, sample)
	}
	s.reschedule(id.Name)
}

func (s *Scheduler) reschedule(name string) {
	interval := s.cfg.Interval(s.tracker.Classify(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roster[name]; !ok {
		return
	}
	s.pushLocked(name, s.clock.Now().Add(interval))
}

func (s *Scheduler) nextWait(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return maxSleep
	}
	d := s.queue[0].due.Sub(now)
	if d < minSleep {
		d = minSleep
	}
	if d > maxSleep {
		d = maxSleep
	}
	return d
}
