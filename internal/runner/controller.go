package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torosent/wsramp/internal/protocol"
	"github.com/torosent/wsramp/internal/session"
	"github.com/torosent/wsramp/internal/tracing"
)

// Phase is where a scenario is in its life.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseRunning  Phase = "running"
	PhaseDraining Phase = "draining"
	PhaseDone     Phase = "done"
)

// ScenarioStats is a point-in-time view of one scenario.
type ScenarioStats struct {
	Name      string `json:"name"`
	Phase     Phase  `json:"phase"`
	Stage     int    `json:"stage"`
	Target    int    `json:"target"`
	Live      int    `json:"live"`
	Draining  int    `json:"draining"`
	PeakLive  int    `json:"peak_live"`
	Started   int64  `json:"started"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Stopped   int64  `json:"stopped"`
}

type tracked struct {
	sess       *session.Session
	draining   bool
	drainTimer *time.Timer
}

// controller drives one scenario: it follows the stage plan, spawns sessions
// up to the target and drains the newest ones when the target drops.
type controller struct {
	sched   *Scheduler
	sc      Scenario
	plan    *stagePlan
	log     *zap.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	live     []*tracked
	draining map[*tracked]struct{}
	stats    ScenarioStats
	fatal    error

	wg sync.WaitGroup
}

func newController(s *Scheduler, sc Scenario) *controller {
	return &controller{
		sched:    s,
		sc:       sc,
		plan:     compileStagePlan(sc.Stages, sc.Ramp),
		log:      s.opt.Logger.With(zap.String("scenario", sc.Name)),
		limiter:  s.opt.LimiterFactory(sc.SpawnRate),
		draining: make(map[*tracked]struct{}),
		stats:    ScenarioStats{Name: sc.Name, Phase: PhaseWaiting},
	}
}

// run drives the scenario to completion. It returns the first resource
// exhaustion error seen by one of its sessions.
func (c *controller) run(ctx context.Context) error {
	defer c.setPhase(PhaseDone)
	if !c.waitStart(ctx) {
		c.log.Info("scenario skipped before start")
		return nil
	}

	ctx, span := tracing.StartScenarioSpan(ctx, c.sched.opt.Tracer, c.sc.Name)
	defer span.End()

	c.setPhase(PhaseRunning)
	c.log.Info("scenario started",
		zap.Int("stages", len(c.sc.Stages)),
		zap.Int("peak_target", c.plan.peak()),
		zap.Duration("duration", c.plan.totalDuration()),
	)

	start := time.Now()
	ticker := time.NewTicker(c.sched.opt.TickInterval)
	defer ticker.Stop()

	reason := "completed"
	if c.tick(ctx, 0) {
	loop:
		for {
			select {
			case <-ctx.Done():
				reason = "cancelled"
				break loop
			case <-c.sched.abortCh:
				reason = "aborted"
				break loop
			case <-ticker.C:
				if !c.tick(ctx, time.Since(start)) {
					break loop
				}
			}
		}
	}

	c.setPhase(PhaseDraining)
	c.drainAll()
	c.wg.Wait()

	st := c.Stats()
	c.log.Info("scenario finished",
		zap.String("reason", reason),
		zap.Int64("started", st.Started),
		zap.Int64("completed", st.Completed),
		zap.Int64("failed", st.Failed),
		zap.Int("peak_live", st.PeakLive),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *controller) waitStart(ctx context.Context) bool {
	if c.sc.StartOffset <= 0 {
		return ctx.Err() == nil && !c.sched.Aborted()
	}
	c.log.Debug("waiting for start offset", zap.Duration("offset", c.sc.StartOffset))
	timer := time.NewTimer(c.sc.StartOffset)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !c.sched.Aborted()
	case <-ctx.Done():
		return false
	case <-c.sched.abortCh:
		return false
	}
}

// tick reconciles live sessions with the plan. It returns false once the plan
// has run out.
func (c *controller) tick(ctx context.Context, elapsed time.Duration) bool {
	target, ok := c.plan.targetAt(elapsed)
	if !ok {
		return false
	}
	stage, _ := c.plan.stageAt(elapsed)

	c.mu.Lock()
	if stage != c.stats.Stage {
		c.log.Info("stage changed", zap.Int("stage", stage), zap.Int("target", target))
	}
	c.stats.Stage = stage
	c.stats.Target = target
	for len(c.live) > target {
		last := c.live[len(c.live)-1]
		c.live = c.live[:len(c.live)-1]
		c.beginDrainLocked(last)
	}
	deficit := target - len(c.live)
	c.mu.Unlock()

	// Only the current shortfall is spawned; failed sessions are replaced on a
	// later tick rather than retried.
	for i := 0; i < deficit; i++ {
		if ctx.Err() != nil || c.sched.Aborted() {
			break
		}
		if !c.limiter.Allow() {
			break
		}
		c.spawn(ctx)
	}
	return true
}

func (c *controller) spawn(ctx context.Context) {
	id := c.sched.nextID.Add(1)
	tmpl := c.sc.Session
	sess := session.New(session.Config{
		ID:                id,
		Scenario:          c.sc.Name,
		Endpoint:          tmpl.Endpoint,
		Channel:           protocol.ChannelName(tmpl.ChannelTemplate, id),
		Lifetime:          tmpl.Lifetime,
		KeepAliveInterval: tmpl.KeepAliveInterval,
		ClosingTimeout:    tmpl.ClosingTimeout,
		EventPrefix:       tmpl.EventPrefix,
	}, session.Deps{
		Dialer:  c.sched.opt.Dialer,
		Sink:    c.sched.opt.Sink,
		Logger:  c.sched.opt.Logger,
		Tracer:  c.sched.opt.Tracer,
		Tracker: c.sched.opt.Tracker,
	})

	t := &tracked{sess: sess}
	c.mu.Lock()
	c.live = append(c.live, t)
	c.stats.Started++
	if len(c.live) > c.stats.PeakLive {
		c.stats.PeakLive = len(c.live)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := sess.Run(ctx)
		c.exit(t, err)
	}()
}

// beginDrainLocked removes a session from the live count. It keeps running
// until its own deadline or the ramp-down grace, whichever comes first.
func (c *controller) beginDrainLocked(t *tracked) {
	t.draining = true
	c.draining[t] = struct{}{}
	if c.sc.GracefulRampDown <= 0 {
		t.sess.Stop()
		return
	}
	t.drainTimer = time.AfterFunc(c.sc.GracefulRampDown, t.sess.Stop)
}

func (c *controller) drainAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.live {
		c.beginDrainLocked(t)
	}
	c.live = nil
}

func (c *controller) exit(t *tracked, err error) {
	c.mu.Lock()
	if t.drainTimer != nil {
		t.drainTimer.Stop()
	}
	if t.draining {
		delete(c.draining, t)
	} else {
		for i, l := range c.live {
			if l == t {
				c.live = append(c.live[:i], c.live[i+1:]...)
				break
			}
		}
	}
	switch {
	case err == nil:
		c.stats.Completed++
	case errors.Is(err, session.ErrStopped):
		c.stats.Stopped++
	default:
		c.stats.Failed++
	}
	exhausted := session.IsResourceExhausted(err)
	if exhausted && c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()

	if exhausted {
		c.sched.fail(err)
	}
}

func (c *controller) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Phase = p
	if p == PhaseDone {
		c.stats.Target = 0
	}
}

// Stats returns a copy of the scenario counters.
func (c *controller) Stats() ScenarioStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Live = len(c.live)
	st.Draining = len(c.draining)
	return st
}
