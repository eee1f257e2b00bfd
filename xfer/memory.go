package xfer

import (
	"errors"
	"fmt"
	"os"
)

// MemoryKind classifies a memory for channel path matching.
type MemoryKind int

const (
	MemSystem MemoryKind = iota
	MemRegistered
	MemZeroCopy
	MemSocket
	MemFramebuffer
	MemDisk
	MemFile
	MemGlobal
)

func (k MemoryKind) String() string {
	switch k {
	case MemSystem:
		return "system"
	case MemRegistered:
		return "registered"
	case MemZeroCopy:
		return "zero_copy"
	case MemSocket:
		return "socket"
	case MemFramebuffer:
		return "framebuffer"
	case MemDisk:
		return "disk"
	case MemFile:
		return "file"
	case MemGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// RemoteAddress is an opaque network-resolvable destination, typically an
// {rkey, virtual address} pair.
type RemoteAddress struct {
	Key  uint64
	Addr uint64
}

// ErrNotAddressable is returned by byte accessors on memories that do not
// support the access mode.
var ErrNotAddressable = errors.New("xfer: memory not addressable this way")

// Memory is the abstract capability the transfer core moves bytes between.
// Implementations decide which access modes they support: DirectPtr for
// load/store memory, RemoteAddr/RDMAInfo for network-reachable memory,
// GetBytes/PutBytes for memory behind an API.
type Memory interface {
	Kind() MemoryKind
	OwnerNode() NodeID
	Size() uint64

	// DirectPtr returns a byte view of [offset, offset+length), or nil if
	// the memory cannot be addressed directly.
	DirectPtr(offset, length uint64) []byte

	// RemoteAddr resolves an offset to a network-visible address.
	RemoteAddr(offset uint64) (RemoteAddress, bool)

	// RDMAInfo returns the registration blob for the (single) network, or
	// nil if the memory is not registered.
	RDMAInfo() []byte

	GetBytes(offset uint64, dst []byte) error
	PutBytes(offset uint64, src []byte) error
}

// LocalMemory is load/store-addressable memory owned by one node. When
// registered with a transport it also becomes a remote-write target.
type LocalMemory struct {
	kind MemoryKind
	node NodeID
	buf  []byte

	rdmaInfo []byte
	rkey     uint64
	remote   bool
}

// NewLocalMemory allocates a local memory of the given kind and size.
func NewLocalMemory(kind MemoryKind, node NodeID, size uint64) *LocalMemory {
	return &LocalMemory{kind: kind, node: node, buf: make([]byte, size)}
}

func (m *LocalMemory) Kind() MemoryKind  { return m.kind }
func (m *LocalMemory) OwnerNode() NodeID { return m.node }
func (m *LocalMemory) Size() uint64      { return uint64(len(m.buf)) }

func (m *LocalMemory) DirectPtr(offset, length uint64) []byte {
	if offset+length > uint64(len(m.buf)) {
		return nil
	}
	return m.buf[offset:]
}

func (m *LocalMemory) RemoteAddr(offset uint64) (RemoteAddress, bool) {
	if !m.remote {
		return RemoteAddress{}, false
	}
	return RemoteAddress{Key: m.rkey, Addr: offset}, true
}

func (m *LocalMemory) RDMAInfo() []byte { return m.rdmaInfo }

func (m *LocalMemory) GetBytes(offset uint64, dst []byte) error {
	if offset+uint64(len(dst)) > uint64(len(m.buf)) {
		return fmt.Errorf("xfer: get of [%d,+%d) past end of %d-byte memory", offset, len(dst), len(m.buf))
	}
	copy(dst, m.buf[offset:])
	return nil
}

func (m *LocalMemory) PutBytes(offset uint64, src []byte) error {
	if offset+uint64(len(src)) > uint64(len(m.buf)) {
		return fmt.Errorf("xfer: put of [%d,+%d) past end of %d-byte memory", offset, len(src), len(m.buf))
	}
	copy(m.buf[offset:], src)
	return nil
}

// GlobalMemory is memory reachable only through get/put, the way a
// partitioned global address space segment is.
type GlobalMemory struct {
	node NodeID
	buf  []byte
}

// NewGlobalMemory allocates a global memory segment of the given size.
func NewGlobalMemory(node NodeID, size uint64) *GlobalMemory {
	return &GlobalMemory{node: node, buf: make([]byte, size)}
}

func (m *GlobalMemory) Kind() MemoryKind  { return MemGlobal }
func (m *GlobalMemory) OwnerNode() NodeID { return m.node }
func (m *GlobalMemory) Size() uint64      { return uint64(len(m.buf)) }

func (m *GlobalMemory) DirectPtr(offset, length uint64) []byte { return nil }

func (m *GlobalMemory) RemoteAddr(offset uint64) (RemoteAddress, bool) {
	return RemoteAddress{}, false
}

func (m *GlobalMemory) RDMAInfo() []byte { return nil }

func (m *GlobalMemory) GetBytes(offset uint64, dst []byte) error {
	if offset+uint64(len(dst)) > uint64(len(m.buf)) {
		return fmt.Errorf("xfer: global get of [%d,+%d) past end of %d-byte segment", offset, len(dst), len(m.buf))
	}
	copy(dst, m.buf[offset:])
	return nil
}

func (m *GlobalMemory) PutBytes(offset uint64, src []byte) error {
	if offset+uint64(len(src)) > uint64(len(m.buf)) {
		return fmt.Errorf("xfer: global put of [%d,+%d) past end of %d-byte segment", offset, len(src), len(m.buf))
	}
	copy(m.buf[offset:], src)
	return nil
}

// FileMemory is memory backed by a file, addressed by byte offset.
type FileMemory struct {
	node NodeID
	file *os.File
	size uint64
}

// NewFileMemory wraps an open file as a memory of the given size.
func NewFileMemory(node NodeID, file *os.File, size uint64) *FileMemory {
	return &FileMemory{node: node, file: file, size: size}
}

func (m *FileMemory) Kind() MemoryKind  { return MemFile }
func (m *FileMemory) OwnerNode() NodeID { return m.node }
func (m *FileMemory) Size() uint64      { return m.size }

func (m *FileMemory) DirectPtr(offset, length uint64) []byte { return nil }

func (m *FileMemory) RemoteAddr(offset uint64) (RemoteAddress, bool) {
	return RemoteAddress{}, false
}

func (m *FileMemory) RDMAInfo() []byte { return nil }

func (m *FileMemory) GetBytes(offset uint64, dst []byte) error {
	_, err := m.file.ReadAt(dst, int64(offset))
	return err
}

func (m *FileMemory) PutBytes(offset uint64, src []byte) error {
	_, err := m.file.WriteAt(src, int64(offset))
	return err
}

// Sync flushes written data to stable storage.
func (m *FileMemory) Sync() error {
	return m.file.Sync()
}
