package xfer

import (
	"go.uber.org/zap"
)

// memcpy1D/2D/3D copy rectangles between byte views. copy already lowers to
// the widest moves the addresses allow, so no per-alignment dispatch is
// needed here.
func memcpy1D(dst, src []byte, bytes uint64) {
	copy(dst[:bytes], src[:bytes])
}

func memcpy2D(dst []byte, dstLStride uint64, src []byte, srcLStride uint64,
	bytes, lines uint64) {
	var dOfs, sOfs uint64
	for i := uint64(0); i < lines; i++ {
		copy(dst[dOfs:dOfs+bytes], src[sOfs:sOfs+bytes])
		dOfs += dstLStride
		sOfs += srcLStride
	}
}

func memcpy3D(dst []byte, dstLStride, dstPStride uint64,
	src []byte, srcLStride, srcPStride uint64,
	bytes, lines, planes uint64) {
	// walk destination addresses as linearly as possible
	if dstPStride < dstLStride {
		dstPStride, dstLStride = dstLStride, dstPStride
		srcPStride, srcLStride = srcLStride, srcPStride
		planes, lines = lines, planes
	}
	var dPlane, sPlane uint64
	for j := uint64(0); j < planes; j++ {
		dOfs, sOfs := dPlane, sPlane
		for i := uint64(0); i < lines; i++ {
			copy(dst[dOfs:dOfs+bytes], src[sOfs:sOfs+bytes])
			dOfs += dstLStride
			sOfs += srcLStride
		}
		dPlane += dstPStride
		sPlane += srcPStride
	}
}

// cpuMemKinds are the memory kinds a host thread can touch directly.
var cpuMemKinds = []MemoryKind{MemSystem, MemRegistered, MemZeroCopy, MemSocket}

// MemcpyChannel executes local load/store copies between any combination of
// CPU-addressable memory kinds.
type MemcpyChannel struct {
	xdqChannel
}

var (
	_ Channel = (*MemcpyChannel)(nil)
	_ ReadyXD = (*MemcpyXferDes)(nil)
)

// NewMemcpyChannel builds the channel and its capability table.
func NewMemcpyChannel(node NodeID, log *zap.Logger) *MemcpyChannel {
	c := &MemcpyChannel{}
	c.init(KindMemcpy, "memcpy", node, log)
	for _, src := range cpuMemKinds {
		for _, dst := range cpuMemKinds {
			c.AddPathKinds(src, false, dst, false, 0, 0, true, true, KindMemcpy)
		}
	}
	return c
}

// MemcpyXferDes drives local copies, with a cursor-based fast path when no
// port uses serdez.
type MemcpyXferDes struct {
	XferDes
	channel   *MemcpyChannel
	hasSerdez bool
}

// NewMemcpyXferDes builds a memcpy descriptor bound to the channel.
func NewMemcpyXferDes(cfg XferDesConfig, ch *MemcpyChannel) *MemcpyXferDes {
	xd := &MemcpyXferDes{channel: ch}
	xd.initXferDes(cfg, KindMemcpy)
	xd.hasSerdez = false
	for i := range cfg.Inputs {
		if cfg.Inputs[i].Serdez != nil {
			xd.hasSerdez = true
		}
	}
	for i := range cfg.Outputs {
		if cfg.Outputs[i].Serdez != nil {
			xd.hasSerdez = true
		}
	}
	// the copy is executed in-thread, so a single reusable request is all
	// the serdez path needs
	xd.seedRequests(1)
	xd.bind(xd, nil, ch)
	return xd
}

// XD exposes the base state machine.
func (xd *MemcpyXferDes) XD() *XferDes { return &xd.XferDes }

// memcpyMaxCall keeps individual copies small enough to stay responsive to
// the time limit.
const memcpyMaxCall = 256 << 10

// Progress runs the copy loop until the time budget expires or no forward
// progress is possible.
func (xd *MemcpyXferDes) Progress(workUntil TimeLimit) bool {
	if xd.hasSerdez {
		reqs := make([]*Request, 1)
		didWork := false
		for {
			count := xd.defaultGetRequests(reqs, stepPolicy{})
			if count == 0 {
				break
			}
			xd.channel.submit(reqs[:count])
			didWork = true
			if workUntil.Expired() {
				break
			}
		}
		return didWork
	}

	// fast path - no serdez anywhere
	didWork := false
	rseqcache := newReadSeqCache(&xd.XferDes, 2<<20)
	wseqcache := newWriteSeqCache(&xd.XferDes, 2<<20)

	for {
		minXferSize := uint64(4096)
		maxBytes := xd.getAddresses(minXferSize, rseqcache)
		if maxBytes == 0 {
			break
		}

		var inPort, outPort *XferPort
		var inSpanStart, outSpanStart uint64
		if xd.inputControl.currentIOPort >= 0 {
			inPort = &xd.InputPorts[xd.inputControl.currentIOPort]
			inSpanStart = inPort.LocalBytesTotal
		}
		if xd.outputControl.currentIOPort >= 0 {
			outPort = &xd.OutputPorts[xd.outputControl.currentIOPort]
			outSpanStart = outPort.LocalBytesTotal
		}

		var totalBytes uint64
		switch {
		case inPort != nil && outPort != nil:
			xd.log.Debug("memcpy chunk",
				zap.Uint64("min", minXferSize), zap.Uint64("max", maxBytes))

			inBase := inPort.Mem.DirectPtr(0, inPort.Mem.Size())
			outBase := outPort.Mem.DirectPtr(0, outPort.Mem.Size())
			if inBase == nil || outBase == nil {
				panic("xfer: memcpy port not directly addressable")
			}

			for totalBytes < maxBytes {
				bytes := xd.copyChunk(inPort, outPort, inBase, outBase, maxBytes-totalBytes)
				totalBytes += bytes

				// stop once it has been too long, but move at least the
				// minimum
				if totalBytes >= minXferSize && workUntil.Expired() {
					break
				}
			}

		case inPort != nil:
			// input but no output: discard input bytes
			totalBytes = maxBytes
			inPort.AddrCursor.SkipBytes(totalBytes)

		case outPort != nil:
			// output but no input: leave output bytes unwritten
			totalBytes = maxBytes
			outPort.AddrCursor.SkipBytes(totalBytes)

		default:
			// simultaneous gather+scatter skip
			totalBytes = maxBytes
		}

		// memcpy completes immediately, so skips and copies account the
		// same way
		rseqcache.addSpan(xd.inputControl.currentIOPort, inSpanStart, totalBytes)
		wseqcache.addSpan(xd.outputControl.currentIOPort, outSpanStart, totalBytes)

		done := xd.recordAddressConsumption(totalBytes)
		didWork = true
		if done || workUntil.Expired() {
			break
		}
	}

	rseqcache.flush()
	wseqcache.flush()
	return didWork
}

// copyChunk emits one 1-D, 2-D, or 3-D copy chosen from the two cursors,
// bounded by bytesLeft and the per-call ceiling, and advances both cursors.
func (xd *MemcpyXferDes) copyChunk(inPort, outPort *XferPort, inBase, outBase []byte, bytesLeft uint64) uint64 {
	inALC := &inPort.AddrCursor
	outALC := &outPort.AddrCursor

	inOffset := inALC.Offset()
	outOffset := outALC.Offset()

	// partially consumed entries report a reduced dim, so whatever we see
	// here is regular
	inDim := inALC.Dim()
	outDim := outALC.Dim()
	if inDim <= 0 || outDim <= 0 {
		panic("xfer: memcpy with indirect address list")
	}

	if bytesLeft > memcpyMaxCall {
		bytesLeft = memcpyMaxCall
	}

	icount := inALC.Remaining(0)
	ocount := outALC.Remaining(0)

	// contiguous bytes are always the min of the first dimensions
	contigBytes := minU64(minU64(icount, ocount), bytesLeft)

	// simple 1-D case first
	if contigBytes == bytesLeft ||
		(contigBytes == icount && inDim == 1) ||
		(contigBytes == ocount && outDim == 1) {
		memcpy1D(outBase[outOffset:], inBase[inOffset:], contigBytes)
		inALC.Advance(0, contigBytes)
		outALC.Advance(0, contigBytes)
		return contigBytes
	}

	// grow to a 2-D copy
	var id int
	var iscale uint64
	var inLStride uint64
	if contigBytes < icount {
		// second input dim comes from splitting the first
		id = 0
		inLStride = contigBytes
		ilines := icount / contigBytes
		if ilines*contigBytes != icount {
			inDim = 1 // a leftover blocks growth past this entry
		}
		icount = ilines
		iscale = contigBytes
	} else {
		id = 1
		icount = inALC.Remaining(id)
		inLStride = inALC.Stride(id)
		iscale = 1
	}

	var od int
	var oscale uint64
	var outLStride uint64
	if contigBytes < ocount {
		od = 0
		outLStride = contigBytes
		olines := ocount / contigBytes
		if olines*contigBytes != ocount {
			outDim = 1
		}
		ocount = olines
		oscale = contigBytes
	} else {
		od = 1
		ocount = outALC.Remaining(od)
		outLStride = outALC.Stride(od)
		oscale = 1
	}

	lines := minU64(minU64(icount, ocount), bytesLeft/contigBytes)

	// stop at 2-D?
	if contigBytes*lines == bytesLeft ||
		(lines == icount && id == inDim-1) ||
		(lines == ocount && od == outDim-1) {
		bytes := contigBytes * lines
		memcpy2D(outBase[outOffset:], outLStride,
			inBase[inOffset:], inLStride,
			contigBytes, lines)
		inALC.Advance(id, lines*iscale)
		outALC.Advance(od, lines*oscale)
		return bytes
	}

	// grow to a 3-D copy
	var inPStride uint64
	if lines < icount {
		// third input dim comes from splitting the current one
		inPStride = inLStride * lines
		icount = icount / lines
		iscale *= lines
	} else {
		id++
		icount = inALC.Remaining(id)
		inPStride = inALC.Stride(id)
		iscale = 1
	}

	var outPStride uint64
	if lines < ocount {
		outPStride = outLStride * lines
		ocount = ocount / lines
		oscale *= lines
	} else {
		od++
		ocount = outALC.Remaining(od)
		outPStride = outALC.Stride(od)
		oscale = 1
	}

	planes := minU64(minU64(icount, ocount), bytesLeft/(contigBytes*lines))
	bytes := contigBytes * lines * planes
	memcpy3D(outBase[outOffset:], outLStride, outPStride,
		inBase[inOffset:], inLStride, inPStride,
		contigBytes, lines, planes)
	inALC.Advance(id, planes*iscale)
	outALC.Advance(od, planes*oscale)
	return bytes
}
