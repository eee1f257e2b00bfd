package xfer

import (
	"sync"

	"go.uber.org/zap"
)

// ChannelManager owns the process's concrete channels, one per role, plus
// proxies for channels hosted on other nodes.
type ChannelManager struct {
	node NodeID
	log  *zap.Logger

	memcpy      *MemcpyChannel
	remoteWrite *RemoteWriteChannel
	globalRead  *GlobalChannel
	globalWrite *GlobalChannel
	file        *FileChannel

	mu      sync.Mutex
	remotes []*RemoteChannel
	started bool
	stopped bool
}

// NewChannelManager constructs every local channel. Start launches their
// workers.
func NewChannelManager(node NodeID, transport Transport, log *zap.Logger) *ChannelManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChannelManager{
		node:        node,
		log:         log,
		memcpy:      NewMemcpyChannel(node, log),
		remoteWrite: NewRemoteWriteChannel(node, transport, log),
		globalRead:  NewGlobalChannel(node, KindGlobalRead, log),
		globalWrite: NewGlobalChannel(node, KindGlobalWrite, log),
		file:        NewFileChannel(node, log),
	}
}

// Memcpy returns the local memcpy channel.
func (m *ChannelManager) Memcpy() *MemcpyChannel { return m.memcpy }

// RemoteWrite returns the remote-write channel.
func (m *ChannelManager) RemoteWrite() *RemoteWriteChannel { return m.remoteWrite }

// GlobalRead returns the global-memory read channel.
func (m *ChannelManager) GlobalRead() *GlobalChannel { return m.globalRead }

// GlobalWrite returns the global-memory write channel.
func (m *ChannelManager) GlobalWrite() *GlobalChannel { return m.globalWrite }

// File returns the file channel.
func (m *ChannelManager) File() *FileChannel { return m.file }

// AddRemoteChannel registers a proxy for a channel on another node, used
// only for path planning.
func (m *ChannelManager) AddRemoteChannel(rc *RemoteChannel) {
	m.mu.Lock()
	m.remotes = append(m.remotes, rc)
	m.mu.Unlock()
}

// Channels lists every channel, local first.
func (m *ChannelManager) Channels() []Channel {
	out := []Channel{m.memcpy, m.remoteWrite, m.globalRead, m.globalWrite, m.file}
	m.mu.Lock()
	for _, rc := range m.remotes {
		out = append(out, rc)
	}
	m.mu.Unlock()
	return out
}

// FindPath returns the first channel that can carry the requested copy.
func (m *ChannelManager) FindPath(srcMem, dstMem Memory,
	srcSerdez, dstSerdez SerdezID, redop ReductionOpID) (Channel, PathMatch, bool) {
	for _, ch := range m.Channels() {
		if match, ok := ch.SupportsPath(srcMem, dstMem, srcSerdez, dstSerdez, redop); ok {
			return ch, match, true
		}
	}
	return nil, PathMatch{}, false
}

// Start launches every local channel worker; idempotent.
func (m *ChannelManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.memcpy.Start()
	m.remoteWrite.Start()
	m.globalRead.Start()
	m.globalWrite.Start()
	m.file.Start()
	m.log.Debug("channel manager started")
}

// Shutdown stops every local channel worker; idempotent.
func (m *ChannelManager) Shutdown() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.memcpy.Shutdown()
	m.remoteWrite.Shutdown()
	m.globalRead.Shutdown()
	m.globalWrite.Shutdown()
	m.file.Shutdown()
	m.log.Debug("channel manager stopped")
}
