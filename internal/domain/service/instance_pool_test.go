package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentkernel/gateway/internal/domain/entity"
	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// fakeInstanceRepository is an in-memory stand-in for repository.InstanceRepository.
type fakeInstanceRepository struct {
	mu        sync.Mutex
	instances map[string]*entity.AgentInstance
	heartbeats int
}

func newFakeInstanceRepository(instances ...*entity.AgentInstance) *fakeInstanceRepository {
	m := make(map[string]*entity.AgentInstance, len(instances))
	for _, i := range instances {
		m[i.ID()] = i
	}
	return &fakeInstanceRepository{instances: m}
}

func (f *fakeInstanceRepository) FindByID(ctx context.Context, id string) (*entity.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, domainErrors.NewNotFoundError("instance not found")
	}
	return inst, nil
}

func (f *fakeInstanceRepository) FindAllEnabled(ctx context.Context) ([]*entity.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.AgentInstance
	for _, i := range f.instances {
		if i.Enabled() {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeInstanceRepository) FindIdleInstance(ctx context.Context, templateVersionID string) (*entity.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.instances {
		if i.TemplateVersionID() == templateVersionID && i.IsIdle() {
			return i, nil
		}
	}
	return nil, nil
}

func (f *fakeInstanceRepository) Save(ctx context.Context, inst *entity.AgentInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID()] = inst
	return nil
}

func (f *fakeInstanceRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next entity.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return domainErrors.NewNotFoundError("instance not found")
	}
	if inst.Status() != expected {
		return domainErrors.NewStaleSessionError("instance status changed underneath the caller")
	}
	f.instances[id] = entity.ReconstructAgentInstance(
		inst.ID(), inst.Name(), inst.DisplayName(), inst.TemplateID(), inst.TemplateVersionID(),
		next, inst.CurrentSessionID(), inst.Enabled(), inst.AutoStart(), inst.Priority(),
		inst.LastHeartbeatAt(), inst.SessionsHandled(), inst.MessagesHandled(), inst.ToolCallsHandled(),
		inst.ErrorCount(), inst.LastError(), time.Time{}, time.Now(), time.Now(),
	)
	return nil
}

func (f *fakeInstanceRepository) ClaimInstance(ctx context.Context, instanceID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return domainErrors.NewNotFoundError("instance not found")
	}
	if inst.Status() != entity.InstanceIdle && inst.Status() != entity.InstanceStarting {
		return domainErrors.NewStaleSessionError("instance not claimable")
	}
	f.instances[instanceID] = entity.ReconstructAgentInstance(
		inst.ID(), inst.Name(), inst.DisplayName(), inst.TemplateID(), inst.TemplateVersionID(),
		entity.InstanceBusy, sessionID, inst.Enabled(), inst.AutoStart(), inst.Priority(),
		inst.LastHeartbeatAt(), inst.SessionsHandled(), inst.MessagesHandled(), inst.ToolCallsHandled(),
		inst.ErrorCount(), inst.LastError(), time.Time{}, time.Now(), time.Now(),
	)
	return nil
}

func (f *fakeInstanceRepository) ReleaseInstance(ctx context.Context, instanceID string, ok bool, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, found := f.instances[instanceID]
	if !found {
		return domainErrors.NewNotFoundError("instance not found")
	}
	status := entity.InstanceIdle
	if !ok {
		status = entity.InstanceError
	}
	f.instances[instanceID] = entity.ReconstructAgentInstance(
		inst.ID(), inst.Name(), inst.DisplayName(), inst.TemplateID(), inst.TemplateVersionID(),
		status, "", inst.Enabled(), inst.AutoStart(), inst.Priority(),
		inst.LastHeartbeatAt(), inst.SessionsHandled()+1, inst.MessagesHandled(), inst.ToolCallsHandled(),
		inst.ErrorCount(), lastError, time.Time{}, time.Now(), time.Now(),
	)
	return nil
}

func (f *fakeInstanceRepository) Heartbeat(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeInstanceRepository) IncrementCounters(ctx context.Context, instanceID string, sessions, messages, toolCalls, errs int64) error {
	return nil
}

func (f *fakeInstanceRepository) statusOf(t *testing.T, id string) entity.InstanceStatus {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[id].Status()
}

// fakeStepRunner lets a test script the outcomes RunStep returns, one per call.
type fakeStepRunner struct {
	mu       sync.Mutex
	outcomes []StepOutcome
	calls    int
}

func (f *fakeStepRunner) RunStep(ctx context.Context, sess *entity.Session) (StepOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.outcomes) {
		return StepCompleted, nil
	}
	o := f.outcomes[f.calls]
	f.calls++
	return o, nil
}

func testAgentInstance(t *testing.T, id, templateVersionID string) *entity.AgentInstance {
	t.Helper()
	inst, err := entity.NewAgentInstance(id, id, id, "tpl-1", templateVersionID, 0, true, true)
	if err != nil {
		t.Fatalf("failed to build instance: %v", err)
	}
	return inst
}

func TestInstancePool_StartBootsEnabledInstancesToIdle(t *testing.T) {
	instRepo := newFakeInstanceRepository(testAgentInstance(t, "inst-1", "tv-1"))
	sessRepo := newFakeSessionRepository()
	pool := NewInstancePool(instRepo, sessRepo, &fakeStepRunner{}, testLogger())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if instRepo.statusOf(t, "inst-1") == entity.InstanceIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected instance to reach IDLE, got %s", instRepo.statusOf(t, "inst-1"))
}

func TestInstancePool_ClaimsAndDrainsAResearchingSession(t *testing.T) {
	instRepo := newFakeInstanceRepository(testAgentInstance(t, "inst-1", "tv-1"))
	sessRepo := newFakeSessionRepository()
	sess, err := entity.NewSession("sess-1", "tv-1", "hello")
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	snap := sess.ContextSnapshot()
	if err := sess.Transition(entity.SessionResearching, snap); err != nil {
		t.Fatalf("failed to move session to RESEARCHING: %v", err)
	}
	if err := sessRepo.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	runner := &fakeStepRunner{outcomes: []StepOutcome{StepContinue, StepCompleted}}
	pool := NewInstancePool(instRepo, sessRepo, runner, testLogger())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()
	pool.NotifySessionReady("tv-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runner.mu.Lock()
		calls := runner.calls
		runner.mu.Unlock()
		if calls >= 2 && instRepo.statusOf(t, "inst-1") == entity.InstanceIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the pool to drain the session to completion and return to IDLE, got status=%s calls=%d",
		instRepo.statusOf(t, "inst-1"), runner.calls)
}

func TestInstancePool_StopCancelsWorkers(t *testing.T) {
	instRepo := newFakeInstanceRepository(testAgentInstance(t, "inst-1", "tv-1"))
	sessRepo := newFakeSessionRepository()
	pool := NewInstancePool(instRepo, sessRepo, &fakeStepRunner{}, testLogger())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pool.Stop()

	// Calling Stop a second time must not panic or deadlock.
	pool.Stop()
}
