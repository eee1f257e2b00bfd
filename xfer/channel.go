package xfer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PathEndpointType says how one side of a SupportedPath matches memories.
type PathEndpointType int

const (
	// PathSpecificMemory matches one concrete memory.
	PathSpecificMemory PathEndpointType = iota
	// PathLocalKind matches any memory of a kind owned by the channel's node.
	PathLocalKind
	// PathGlobalKind matches any memory of a kind on any node.
	PathGlobalKind
	// PathLocalRDMA matches channel-local memories reachable by RDMA.
	PathLocalRDMA
	// PathRemoteRDMA matches remote memories reachable by RDMA.
	PathRemoteRDMA
)

// SupportedPath is one entry of a channel's capability table.
type SupportedPath struct {
	SrcType PathEndpointType
	SrcMem  Memory
	SrcKind MemoryKind

	DstType PathEndpointType
	DstMem  Memory
	DstKind MemoryKind

	Bandwidth uint
	Latency   uint

	RedopsAllowed bool
	SerdezAllowed bool

	XDKind XferDesKind
}

// PathMatch is the result of a successful supports-path query.
type PathMatch struct {
	Kind      XferDesKind
	Bandwidth uint
	Latency   uint
}

// Channel matches path queries to a transfer backend and drives the
// descriptors assigned to it.
type Channel interface {
	Kind() XferDesKind
	Node() NodeID
	Paths() []SupportedPath

	SupportsPath(srcMem, dstMem Memory, srcSerdez, dstSerdez SerdezID, redop ReductionOpID) (PathMatch, bool)

	// EnqueueReadyXD hands a runnable descriptor to the channel's worker.
	EnqueueReadyXD(xd ReadyXD)

	// Shutdown stops the channel's worker and waits for it to exit.
	Shutdown()
}

// pathTable implements capability registration and matching; concrete
// channels embed it.
type pathTable struct {
	node  NodeID
	myNod NodeID // the process's node, for RDMA locality checks
	paths []SupportedPath
}

// AddPathMem registers a specific-memory to specific-memory path.
func (t *pathTable) AddPathMem(srcMem, dstMem Memory, bw, lat uint,
	redops, serdez bool, kind XferDesKind) {
	t.paths = append(t.paths, SupportedPath{
		SrcType: PathSpecificMemory, SrcMem: srcMem,
		DstType: PathSpecificMemory, DstMem: dstMem,
		Bandwidth: bw, Latency: lat,
		RedopsAllowed: redops, SerdezAllowed: serdez,
		XDKind: kind,
	})
}

// AddPathKinds registers a kind-to-kind path; the global flags widen a side
// from channel-local to any node.
func (t *pathTable) AddPathKinds(srcKind MemoryKind, srcGlobal bool,
	dstKind MemoryKind, dstGlobal bool,
	bw, lat uint, redops, serdez bool, kind XferDesKind) {
	p := SupportedPath{
		SrcType: PathLocalKind, SrcKind: srcKind,
		DstType: PathLocalKind, DstKind: dstKind,
		Bandwidth: bw, Latency: lat,
		RedopsAllowed: redops, SerdezAllowed: serdez,
		XDKind: kind,
	}
	if srcGlobal {
		p.SrcType = PathGlobalKind
	}
	if dstGlobal {
		p.DstType = PathGlobalKind
	}
	t.paths = append(t.paths, p)
}

// AddPathRDMA registers an RDMA path from channel-local memory to either
// loopback-local or remote RDMA-reachable memory.
func (t *pathTable) AddPathRDMA(localLoopback bool, bw, lat uint,
	redops, serdez bool, kind XferDesKind) {
	p := SupportedPath{
		SrcType:   PathLocalRDMA,
		DstType:   PathRemoteRDMA,
		Bandwidth: bw, Latency: lat,
		RedopsAllowed: redops, SerdezAllowed: serdez,
		XDKind: kind,
	}
	if localLoopback {
		p.DstType = PathLocalRDMA
	}
	t.paths = append(t.paths, p)
}

func (t *pathTable) Paths() []SupportedPath { return t.paths }

func (t *pathTable) endpointOK(pt PathEndpointType, pathMem Memory, pathKind MemoryKind, mem Memory) bool {
	switch pt {
	case PathSpecificMemory:
		return mem == pathMem
	case PathLocalKind:
		return mem.Kind() == pathKind && mem.OwnerNode() == t.node
	case PathGlobalKind:
		return mem.Kind() == pathKind
	case PathLocalRDMA:
		return mem.OwnerNode() == t.node && rdmaReachable(mem, t.myNod)
	case PathRemoteRDMA:
		return mem.OwnerNode() != t.node && rdmaReachable(mem, t.myNod)
	default:
		return false
	}
}

// rdmaReachable checks whether a memory can be named on the wire: a local
// memory through its registration info, a remote one through a resolvable
// address.
func rdmaReachable(mem Memory, myNode NodeID) bool {
	if mem.OwnerNode() == myNode {
		return mem.RDMAInfo() != nil
	}
	_, ok := mem.RemoteAddr(0)
	return ok
}

// supportsPath vets serdez/redop allowance, then the source and destination
// types, returning the first matching path.
func (t *pathTable) supportsPath(srcMem, dstMem Memory,
	srcSerdez, dstSerdez SerdezID, redop ReductionOpID) (PathMatch, bool) {
	for i := range t.paths {
		p := &t.paths[i]
		if !p.SerdezAllowed && (srcSerdez != 0 || dstSerdez != 0) {
			continue
		}
		if !p.RedopsAllowed && redop != 0 {
			continue
		}
		if !t.endpointOK(p.SrcType, p.SrcMem, p.SrcKind, srcMem) {
			continue
		}
		if !t.endpointOK(p.DstType, p.DstMem, p.DstKind, dstMem) {
			continue
		}
		return PathMatch{Kind: p.XDKind, Bandwidth: p.Bandwidth, Latency: p.Latency}, true
	}
	return PathMatch{}, false
}

// xdqChannel is the common single-ready-queue channel body: one background
// worker pops descriptors and gives each a time slice of progress.
type xdqChannel struct {
	pathTable
	kind XferDesKind
	name string
	log  *zap.Logger

	mu     sync.Mutex
	ready  []ReadyXD
	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	slice time.Duration
}

func (c *xdqChannel) init(kind XferDesKind, name string, node NodeID, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	c.pathTable = pathTable{node: node, myNod: node}
	c.kind = kind
	c.name = name
	c.log = log.With(zap.String("channel", name))
	c.notify = make(chan struct{}, 1)
	c.stopCh = make(chan struct{})
	c.slice = 200 * time.Microsecond
}

func (c *xdqChannel) Kind() XferDesKind { return c.kind }
func (c *xdqChannel) Node() NodeID      { return c.node }

func (c *xdqChannel) SupportsPath(srcMem, dstMem Memory,
	srcSerdez, dstSerdez SerdezID, redop ReductionOpID) (PathMatch, bool) {
	// simultaneous serialization and deserialization is not supported
	// anywhere right now
	if srcSerdez != 0 && dstSerdez != 0 {
		return PathMatch{}, false
	}
	return c.supportsPath(srcMem, dstMem, srcSerdez, dstSerdez, redop)
}

func (c *xdqChannel) EnqueueReadyXD(xd ReadyXD) {
	c.mu.Lock()
	c.ready = append(c.ready, xd)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutine.
func (c *xdqChannel) Start() {
	c.wg.Add(1)
	go c.worker()
}

// Shutdown stops the worker and waits for it.
func (c *xdqChannel) Shutdown() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

func (c *xdqChannel) pop() ReadyXD {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ready) == 0 {
		return nil
	}
	xd := c.ready[0]
	c.ready = c.ready[1:]
	return xd
}

func (c *xdqChannel) worker() {
	defer c.wg.Done()
	c.log.Debug("channel worker started")
	defer c.log.Debug("channel worker stopped")

	for {
		ready := c.pop()
		if ready == nil {
			select {
			case <-c.stopCh:
				return
			case <-c.notify:
				continue
			}
		}

		xd := ready.XD()
		xd.beginRun()
		didWork := ready.Progress(WorkFor(c.slice))

		if xd.IsCompleted() {
			xd.sched.Store(xdIdle)
			xd.ops.Flush()
			c.log.Debug("xd retired", zap.Uint64("xd", uint64(xd.GUID)))
			xd.MarkCompleted()
			xd.Queue.DestroyXferDes(xd.GUID)
			continue
		}

		if xd.endRun() || didWork {
			// updates arrived mid-run, or more work may remain
			xd.markQueued()
			c.mu.Lock()
			c.ready = append(c.ready, ready)
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}

		select {
		case <-c.stopCh:
			return
		default:
		}
	}
}

// RemoteChannel is the local proxy for a channel hosted on another node; it
// answers path queries from the advertised table but never runs work.
type RemoteChannel struct {
	pathTable
	kind XferDesKind
}

// NewRemoteChannel builds a proxy with the remote channel's advertised
// paths.
func NewRemoteChannel(kind XferDesKind, node, myNode NodeID, paths []SupportedPath) *RemoteChannel {
	return &RemoteChannel{
		pathTable: pathTable{node: node, myNod: myNode, paths: paths},
		kind:      kind,
	}
}

func (c *RemoteChannel) Kind() XferDesKind      { return c.kind }
func (c *RemoteChannel) Node() NodeID           { return c.node }
func (c *RemoteChannel) Shutdown()              {}
func (c *RemoteChannel) EnqueueReadyXD(ReadyXD) { panic("xfer: remote channel cannot run descriptors") }

func (c *RemoteChannel) SupportsPath(srcMem, dstMem Memory,
	srcSerdez, dstSerdez SerdezID, redop ReductionOpID) (PathMatch, bool) {
	if srcSerdez != 0 && dstSerdez != 0 {
		return PathMatch{}, false
	}
	return c.supportsPath(srcMem, dstMem, srcSerdez, dstSerdez, redop)
}
