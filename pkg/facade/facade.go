// Package facade implements the orchestration façade of spec §4.8: the
// single entry point collaborators (cloud transport binding, host
// process) use to drive the workflow engine -- OnDesiredPropertiesChanged,
// Cancel, Tick, Shutdown -- and the translation from cloud
// desired-property JSON into work-queue items.
package facade

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/device-update/agent-core/pkg/agentcontext"
	"github.com/device-update/agent-core/pkg/apis/deployment"
	"github.com/device-update/agent-core/pkg/worker"
	"github.com/device-update/agent-core/pkg/workqueue"
)

// itemKind tags a work item's payload so the worker's processor knows
// how to decode it.
type itemKind string

const (
	kindDeployment itemKind = "deployment"
	kindCancel     itemKind = "cancel"
)

type envelope struct {
	Kind       itemKind              `json:"kind"`
	Deployment *deployment.Deployment `json:"deployment,omitempty"`
	WorkflowID string                `json:"workflowId,omitempty"`
}

// Engine is the subset of *workflowengine.Engine the façade drives.
// A narrow interface so tests can substitute a recording fake.
type Engine interface {
	StartDeployment(ctx context.Context, d deployment.Deployment) (bool, error)
	Cancel(ctx context.Context, workflowID string) error
	Tick(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Evictor is the subset of *cache.Cache the façade needs to enforce
// the source update cache's size budget (spec §4.4) once per Tick. A
// narrow interface, the same way Engine is, so tests can substitute a
// fake instead of a live Redis-backed cache.
type Evictor interface {
	EvictOldestUntilUnder(ctx context.Context, totalSizeCap int64) error
}

// Facade is the orchestration entry point of spec §4.8. It owns the
// work queue and translates cloud-facing calls into queued work items
// the single worker goroutine drains in order.
type Facade struct {
	queue  *workqueue.Queue
	engine Engine
	actx   *agentcontext.Context

	cacheEvictor      Evictor
	cacheSizeCapBytes int64
}

// Option configures a Facade at construction.
type Option func(*Facade)

// WithCacheEviction wires the source update cache's size cap (spec
// §4.4: "exceeding it triggers EvictOldestUntilUnder") into the
// façade's Tick, the same periodic heartbeat that drives time-based
// retries -- without it, the cache has nothing enforcing its budget in
// a running agent.
func WithCacheEviction(evictor Evictor, sizeCapBytes int64) Option {
	return func(f *Facade) {
		f.cacheEvictor = evictor
		f.cacheSizeCapBytes = sizeCapBytes
	}
}

// New builds a Facade over queue and engine. Callers must call Start
// before enqueuing anything.
func New(queue *workqueue.Queue, engine Engine, actx *agentcontext.Context, opts ...Option) *Facade {
	f := &Facade{queue: queue, engine: engine, actx: actx}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start resumes any persisted workflow (spec §4.7) before the façade
// accepts new work.
func (f *Facade) Start(ctx context.Context) error {
	return f.engine.Resume(ctx)
}

// OnDesiredPropertiesChanged implements spec §4.8: parses the cloud's
// desired-properties JSON into a Deployment and enqueues it. Parsing
// failures are returned to the caller as an error at the boundary, not
// silently dropped.
func (f *Facade) OnDesiredPropertiesChanged(payloadJSON string) error {
	var d deployment.Deployment
	if err := json.Unmarshal([]byte(payloadJSON), &d); err != nil {
		return fmt.Errorf("facade: parsing desired properties: %w", err)
	}
	raw, err := json.Marshal(envelope{Kind: kindDeployment, Deployment: &d})
	if err != nil {
		return fmt.Errorf("facade: encoding work item: %w", err)
	}
	if !f.queue.Enqueue(string(raw)) {
		return fmt.Errorf("facade: queue is shut down")
	}
	return nil
}

// Cancel implements spec §4.8: enqueues a cancel item for workflowID.
func (f *Facade) Cancel(workflowID string) error {
	raw, err := json.Marshal(envelope{Kind: kindCancel, WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("facade: encoding cancel item: %w", err)
	}
	if !f.queue.Enqueue(string(raw)) {
		return fmt.Errorf("facade: queue is shut down")
	}
	return nil
}

// Tick implements spec §4.8: called periodically by the host to drive
// time-based retries, then enforces the source cache's size cap if one
// was wired in with WithCacheEviction. Eviction failures are logged,
// not returned: a full cache doesn't block the workflow retry Tick
// exists to drive.
func (f *Facade) Tick(ctx context.Context) error {
	if err := f.engine.Tick(ctx); err != nil {
		return err
	}
	if f.cacheEvictor != nil {
		if err := f.cacheEvictor.EvictOldestUntilUnder(ctx, f.cacheSizeCapBytes); err != nil {
			klog.Errorf("facade: enforcing source cache size cap: %v", err)
		}
	}
	return nil
}

// Shutdown implements spec §4.8: flips the shared shutdown flag, which
// stops the workflow engine from driving further phases. The worker
// goroutine does not read this flag; it exits once worker.Stop is
// called.
func (f *Facade) Shutdown() {
	f.actx.RequestShutdown()
}

// Process is the worker.Processor this façade's worker is built with:
// it decodes one work item and dispatches it to the engine. Handler
// invocations triggered from here may block on I/O (spec §5) -- this
// is expected to run on the single dedicated worker goroutine only.
func (f *Facade) Process(ctx context.Context, payloadJSON string) {
	var env envelope
	if err := json.Unmarshal([]byte(payloadJSON), &env); err != nil {
		klog.Errorf("facade: dropping malformed work item: %v", err)
		return
	}
	switch env.Kind {
	case kindDeployment:
		if env.Deployment == nil {
			klog.Errorf("facade: deployment work item missing deployment body")
			return
		}
		if _, err := f.engine.StartDeployment(ctx, *env.Deployment); err != nil {
			klog.Errorf("facade: starting deployment %s: %v", env.Deployment.WorkflowID, err)
		}
	case kindCancel:
		if err := f.engine.Cancel(ctx, env.WorkflowID); err != nil {
			klog.Errorf("facade: cancelling %s: %v", env.WorkflowID, err)
		}
	default:
		klog.Errorf("facade: dropping work item with unknown kind %q", env.Kind)
	}
}

// Processor adapts Process to the worker.Processor signature, letting
// the façade's worker goroutine be built with worker.New(queue, f.Processor()).
func (f *Facade) Processor() worker.Processor {
	return func(item workqueue.Item) {
		f.Process(context.Background(), item.GetPayload())
	}
}
