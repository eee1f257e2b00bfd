package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/dmaengine-go/xfer"
)

// ErrClosed indicates the engine has already been closed.
var ErrClosed = errors.New("dmaengine: closed")

// ErrNoPath indicates no channel can carry the requested copy.
var ErrNoPath = errors.New("dmaengine: no channel supports the requested path")

// Config controls engine construction.
type Config struct {
	// Node is this process's identity in the runtime.
	Node xfer.NodeID

	// Transport carries cross-node messages; a loopback transport is built
	// when nil.
	Transport xfer.Transport

	Logger  *zap.Logger
	Metrics MetricHook
	Tracer  Tracer

	// MaxReqSize caps a single transfer request; descriptors default it
	// when zero.
	MaxReqSize uint64
}

// Engine owns the data-movement machinery of one node: the descriptor
// queue, the channel set, and their background workers.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	queue    *xfer.XferDesQueue
	channels *xfer.ChannelManager
	loopback *xfer.LoopbackTransport

	metrics MetricHook
	tracer  Tracer

	started atomic.Bool
	closed  atomic.Bool
}

// New builds an engine. Call Start before submitting work.
func New(cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	transport := cfg.Transport
	var loopback *xfer.LoopbackTransport
	if transport == nil {
		loopback = xfer.NewLoopbackTransport(cfg.Node, log)
		transport = loopback
	}

	queue := xfer.NewXferDesQueue(cfg.Node, transport, log)
	if lb, ok := transport.(*xfer.LoopbackTransport); ok {
		lb.RegisterQueue(cfg.Node, queue)
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		queue:    queue,
		channels: xfer.NewChannelManager(cfg.Node, transport, log),
		loopback: loopback,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	if lb, ok := transport.(*xfer.LoopbackTransport); ok {
		lb.RegisterCreateHandler(cfg.Node, e.handleCreateMessage)
	}
	return e, nil
}

// handleCreateMessage builds and enqueues a descriptor another node asked
// this node to run.
func (e *Engine) handleCreateMessage(msg xfer.XferDesCreateMessage) {
	cfg := msg.Config
	cfg.Queue = e.queue
	if cfg.Log == nil {
		cfg.Log = e.log
	}
	ready, err := e.buildXD(&XDSpec{Kind: msg.Kind}, cfg)
	if err != nil {
		e.log.Error("remote descriptor creation failed", zap.Error(err))
		if cfg.CompleteFence != nil {
			cfg.CompleteFence.MarkFinished(false)
		}
		return
	}
	e.metricDescriptorEnqueued(msg.Kind)
	e.queue.EnqueueLocal(ready)
}

// Start launches the channel workers; idempotent.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.channels.Start()
	e.log.Debug("engine started", zap.Int32("node", int32(e.cfg.Node)))
	return nil
}

// Close stops the workers. Outstanding operations are not cancelled; their
// in-flight requests run to completion first.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.channels.Shutdown()
	e.log.Debug("engine closed", zap.Int32("node", int32(e.cfg.Node)))
	return nil
}

// Queue exposes the descriptor queue, mainly for transports and tests.
func (e *Engine) Queue() *xfer.XferDesQueue { return e.queue }

// Channels exposes the channel manager.
func (e *Engine) Channels() *xfer.ChannelManager { return e.channels }

// Loopback returns the engine-owned loopback transport, or nil when the
// caller supplied its own transport.
func (e *Engine) Loopback() *xfer.LoopbackTransport { return e.loopback }

// NewGUID allocates a descriptor GUID owned by this node.
func (e *Engine) NewGUID() xfer.XferDesID { return e.queue.NewGUID() }

// FindChannel matches a copy's endpoints against the channel capability
// tables and returns the descriptor kind that will carry it.
func (e *Engine) FindChannel(srcMem, dstMem xfer.Memory,
	srcSerdez, dstSerdez xfer.SerdezID, redop xfer.ReductionOpID) (xfer.XferDesKind, error) {
	_, match, ok := e.channels.FindPath(srcMem, dstMem, srcSerdez, dstSerdez, redop)
	if !ok {
		return xfer.KindNone, ErrNoPath
	}
	return match.Kind, nil
}

// XDSpec describes one descriptor of a copy pipeline. Peer GUIDs inside the
// port infos refer to other specs of the same plan (or descriptors already
// submitted elsewhere).
type XDSpec struct {
	Kind     xfer.XferDesKind
	GUID     xfer.XferDesID
	Inputs   []xfer.PortInfo
	Outputs  []xfer.PortInfo
	Priority int

	// ReleaseIB, when set, is called for each input IB window once the
	// descriptor retires.
	ReleaseIB func(mem xfer.Memory, ibOffset, ibSize uint64)
}

// CopyPlan is an explicit descriptor pipeline; the planner that produces it
// lives above this engine.
type CopyPlan struct {
	XDs []XDSpec
}

// CopyOperation tracks one submitted plan.
type CopyOperation struct {
	ID     uuid.UUID
	fences []*xfer.Fence
	done   chan struct{}
	ok     atomic.Bool
}

// Done closes when every descriptor of the plan has retired.
func (op *CopyOperation) Done() <-chan struct{} { return op.done }

// Await blocks until the plan completes or the context is cancelled.
func (op *CopyOperation) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		select {
		case <-op.done:
		default:
			return ctx.Err()
		}
	case <-op.done:
	}
	if !op.ok.Load() {
		return fmt.Errorf("dmaengine: operation %s failed", op.ID)
	}
	return nil
}

// Submit builds and enqueues the plan's descriptors and returns an
// operation handle.
func (e *Engine) Submit(plan CopyPlan) (*CopyOperation, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.started.Load() {
		return nil, errors.New("dmaengine: engine not started")
	}
	if len(plan.XDs) == 0 {
		return nil, errors.New("dmaengine: empty copy plan")
	}

	op := &CopyOperation{
		ID:   uuid.New(),
		done: make(chan struct{}),
	}

	var span Span
	if e.tracer != nil {
		span = e.tracer.StartSpan("dmaengine-operation",
			TraceAttribute{Key: "operation_id", Value: op.ID.String()},
			TraceAttribute{Key: "descriptors", Value: len(plan.XDs)})
	}

	enqueues := make([]func(), 0, len(plan.XDs))
	for i := range plan.XDs {
		spec := &plan.XDs[i]
		if spec.GUID == xfer.NoGUID {
			return nil, fmt.Errorf("dmaengine: descriptor %d has no GUID", i)
		}
		fence := xfer.NewFence()
		op.fences = append(op.fences, fence)

		cfg := xfer.XferDesConfig{
			Queue:         e.queue,
			LaunchNode:    e.cfg.Node,
			GUID:          spec.GUID,
			Inputs:        spec.Inputs,
			Outputs:       spec.Outputs,
			MaxReqSize:    e.cfg.MaxReqSize,
			Priority:      spec.Priority,
			CompleteFence: fence,
			Log:           e.log,
		}

		if owner := spec.GUID.OwnerNode(); owner != e.cfg.Node {
			// the owning node builds the descriptor from the create
			// message; the fence crosses back through the transport
			kind := spec.Kind
			cfg.Log = nil
			enqueues = append(enqueues, func() {
				e.queue.Transport().SendCreateXferDes(owner,
					xfer.XferDesCreateMessage{Kind: kind, Config: cfg})
			})
			continue
		}

		ready, err := e.buildXD(spec, cfg)
		if err != nil {
			return nil, err
		}
		if spec.ReleaseIB != nil {
			ready.XD().ReleaseIB = spec.ReleaseIB
		}
		enqueues = append(enqueues, func() { e.queue.EnqueueLocal(ready) })
		e.metricDescriptorEnqueued(spec.Kind)
	}

	// enqueue only after every descriptor built, so a bad spec cannot
	// leave half a pipeline running
	for _, enqueue := range enqueues {
		enqueue()
	}

	e.metricOperationSubmitted(op)
	e.log.Debug("operation submitted",
		zap.String("operation", op.ID.String()),
		zap.Int("descriptors", len(plan.XDs)))

	go func() {
		ok := true
		for _, fence := range op.fences {
			success, _ := fence.Await(context.Background())
			ok = ok && success
		}
		op.ok.Store(ok)
		if ok {
			e.metricOperationCompleted(op)
		} else {
			e.metricOperationFailed(op)
		}
		if span != nil {
			var err error
			if !ok {
				err = fmt.Errorf("dmaengine: operation %s failed", op.ID)
			}
			span.End(err)
		}
		close(op.done)
	}()

	return op, nil
}

func (e *Engine) buildXD(spec *XDSpec, cfg xfer.XferDesConfig) (xfer.ReadyXD, error) {
	switch spec.Kind {
	case xfer.KindMemcpy:
		return xfer.NewMemcpyXferDes(cfg, e.channels.Memcpy()), nil
	case xfer.KindRemoteWrite:
		return xfer.NewRemoteWriteXferDes(cfg, e.channels.RemoteWrite()), nil
	case xfer.KindGlobalRead, xfer.KindGlobalWrite:
		return xfer.NewGlobalXferDes(cfg, e.channels.GlobalRead(), e.channels.GlobalWrite()), nil
	case xfer.KindFileRead, xfer.KindFileWrite:
		return xfer.NewFileXferDes(cfg, e.channels.File()), nil
	default:
		return nil, fmt.Errorf("dmaengine: unsupported descriptor kind %v", spec.Kind)
	}
}
