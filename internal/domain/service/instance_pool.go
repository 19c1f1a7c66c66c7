package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/entity"
	"github.com/agentkernel/gateway/internal/domain/repository"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// pollInterval is the DB-poll fallback cadence a worker uses to discover
// unclaimed RESEARCHING sessions when it missed a direct-dispatch notify.
const pollInterval = 250 * time.Millisecond

// heartbeatInterval is how often each worker writes its liveness heartbeat
// to the Store (§4.7).
const heartbeatInterval = 5 * time.Second

// StepOutcome reports what RunStep did to a session so the pool knows
// whether to keep driving it or release the instance.
type StepOutcome int

const (
	StepContinue StepOutcome = iota
	StepSuspended
	StepCompleted
	StepFailed
	StepWorkerFault
)

// StepRunner is the Agent Loop Driver's (C8) surface as seen by the
// Instance Pool: run exactly one reasoning/selection/action step of a
// claimed session.
type StepRunner interface {
	RunStep(ctx context.Context, sess *entity.Session) (StepOutcome, error)
}

// InstancePool implements the named-slot Instance Pool (C7): one long-lived
// goroutine per enabled AgentInstance, each pinned to a template version,
// claiming and draining RESEARCHING sessions until suspension or terminal
// state. Each worker is an independent ticker-plus-select loop.
type InstancePool struct {
	instances repository.InstanceRepository
	sessions  repository.SessionRepository
	driver    StepRunner
	logger    *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	notify  map[string]chan struct{} // instanceID -> direct-dispatch wakeup
}

// NewInstancePool constructs an InstancePool.
func NewInstancePool(instances repository.InstanceRepository, sessions repository.SessionRepository, driver StepRunner, logger *zap.Logger) *InstancePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstancePool{
		instances: instances, sessions: sessions, driver: driver, logger: logger,
		cancels: make(map[string]context.CancelFunc),
		notify:  make(map[string]chan struct{}),
	}
}

// Start boots a worker goroutine for every enabled instance found in the
// Store with auto_start=true. Each worker's boot reclaims an instance left
// BUSY/ERROR by a prior crash to OFFLINE first (§4.7).
func (p *InstancePool) Start(ctx context.Context) error {
	instances, err := p.instances.FindAllEnabled(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if !inst.AutoStart() {
			continue
		}
		p.spawn(ctx, inst)
	}
	return nil
}

func (p *InstancePool) spawn(ctx context.Context, inst *entity.AgentInstance) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[inst.ID()] = cancel
	p.notify[inst.ID()] = make(chan struct{}, 1)
	p.mu.Unlock()

	w := &instanceWorker{
		instanceID:        inst.ID(),
		templateVersionID: inst.TemplateVersionID(),
		pool:              p,
	}
	go w.run(workerCtx)
}

// NotifySessionReady performs direct dispatch (§4.7): a fresh
// RESEARCHING session skips the poll interval entirely if a worker for its
// template version is listening.
func (p *InstancePool) NotifySessionReady(templateVersionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.notify {
		_ = id
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	_ = templateVersionID // direct dispatch fans out; workers self-filter by template version on wake
}

// Stop cancels every worker goroutine.
func (p *InstancePool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels {
		cancel()
	}
}

// instanceWorker drives one named slot through boot, claim, run, release.
type instanceWorker struct {
	instanceID        string
	templateVersionID string
	pool              *InstancePool
}

func (w *instanceWorker) run(ctx context.Context) {
	log := w.pool.logger.With(zap.String("instance_id", w.instanceID))

	if err := w.boot(ctx); err != nil {
		log.Error("instance failed to boot", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	w.pool.mu.Lock()
	notifyCh := w.pool.notify[w.instanceID]
	w.pool.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := w.pool.instances.Heartbeat(ctx, w.instanceID); err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		case <-notifyCh:
			w.tryClaimAndDrain(ctx, log)
		case <-poll.C:
			w.tryClaimAndDrain(ctx, log)
		}
	}
}

// boot performs the OFFLINE->STARTING->IDLE CAS sequence (§4.7). A worker
// found already BUSY or ERROR from a prior process crash is first reclaimed
// to OFFLINE so the normal boot path can run.
func (w *instanceWorker) boot(ctx context.Context) error {
	inst, err := w.pool.instances.FindByID(ctx, w.instanceID)
	if err != nil {
		return err
	}
	if inst.Status() == entity.InstanceBusy || inst.Status() == entity.InstanceError {
		_ = w.pool.instances.CompareAndSetStatus(ctx, w.instanceID, inst.Status(), entity.InstanceOffline)
	}
	if err := w.pool.instances.CompareAndSetStatus(ctx, w.instanceID, entity.InstanceOffline, entity.InstanceStarting); err != nil {
		if !domainErrors.IsStale(err) {
			return err
		}
	}
	return w.pool.instances.CompareAndSetStatus(ctx, w.instanceID, entity.InstanceStarting, entity.InstanceIdle)
}

// tryClaimAndDrain looks for one unclaimed RESEARCHING session pinned to
// this worker's template version, claims it (first writer wins), and drives
// it to suspension or a terminal state before returning to IDLE.
func (w *instanceWorker) tryClaimAndDrain(ctx context.Context, log *zap.Logger) {
	candidates, err := w.pool.sessions.FindResearchingUnclaimed(ctx, w.templateVersionID)
	if err != nil {
		log.Warn("poll for unclaimed sessions failed", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		return
	}
	// FIFO fairness: FindResearchingUnclaimed orders oldest-updated-first.
	sess := candidates[0]

	if err := w.pool.instances.ClaimInstance(ctx, w.instanceID, sess.ID()); err != nil {
		if domainErrors.IsStale(err) {
			return // another worker won the race; not an error
		}
		log.Warn("claim failed", zap.Error(err))
		return
	}

	outcome := w.drain(ctx, sess, log)
	w.release(ctx, outcome, log)
}

func (w *instanceWorker) drain(ctx context.Context, sess *entity.Session, log *zap.Logger) StepOutcome {
	for {
		outcome, err := w.pool.driver.RunStep(ctx, sess)
		if err != nil {
			log.Error("step failed", zap.String("session_id", sess.ID()), zap.Error(err))
			return StepWorkerFault
		}
		if outcome != StepContinue {
			return outcome
		}
	}
}

func (w *instanceWorker) release(ctx context.Context, outcome StepOutcome, log *zap.Logger) {
	ok := outcome != StepWorkerFault
	lastErr := ""
	if outcome == StepWorkerFault {
		lastErr = "worker fault during step execution"
	} else if outcome == StepFailed {
		lastErr = "session transitioned to FAILED"
	}
	if err := w.pool.instances.ReleaseInstance(ctx, w.instanceID, ok, lastErr); err != nil {
		log.Error("release failed", zap.Error(err))
	}
}
