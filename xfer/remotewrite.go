package xfer

import (
	"go.uber.org/zap"
)

// RemoteWriteChannel ships payload messages to RDMA-reachable memory on
// other nodes, piggybacking the produced-bytes updates on the payloads.
type RemoteWriteChannel struct {
	xdqChannel
	transport Transport
}

var (
	_ Channel = (*RemoteWriteChannel)(nil)
	_ ReadyXD = (*RemoteWriteXferDes)(nil)
	_ xdOps   = (*RemoteWriteXferDes)(nil)
)

// NewRemoteWriteChannel builds the channel; its single path covers local
// RDMA sources to remote RDMA destinations.
func NewRemoteWriteChannel(node NodeID, transport Transport, log *zap.Logger) *RemoteWriteChannel {
	c := &RemoteWriteChannel{transport: transport}
	c.init(KindRemoteWrite, "remote_write", node, log)
	c.AddPathRDMA(false, 0, 0, false, false, KindRemoteWrite)
	return c
}

// RemoteWriteXferDes drives payload messages, choosing 1-D, 2-D, or
// gather-assembled sources per chunk based on the transport's recommended
// payload size.
type RemoteWriteXferDes struct {
	XferDes
	channel *RemoteWriteChannel
}

// NewRemoteWriteXferDes builds a remote-write descriptor bound to the
// channel.
func NewRemoteWriteXferDes(cfg XferDesConfig, ch *RemoteWriteChannel) *RemoteWriteXferDes {
	xd := &RemoteWriteXferDes{channel: ch}
	xd.initXferDes(cfg, KindRemoteWrite)
	xd.bind(xd, xd, ch)
	return xd
}

// XD exposes the base state machine.
func (xd *RemoteWriteXferDes) XD() *XferDes { return &xd.XferDes }

// UpdateBytesWrite records the local ack only; the produced-bytes update
// reached the peer on the payload message itself.
func (xd *RemoteWriteXferDes) UpdateBytesWrite(portIdx int, offset, size uint64) {
	outPort := &xd.OutputPorts[portIdx]
	incAmt := outPort.SeqLocal.AddSpan(offset, size)
	xd.log.Debug("bytes_write",
		zap.Uint64("xd", uint64(xd.GUID)),
		zap.Int("port", portIdx),
		zap.Uint64("offset", offset),
		zap.Uint64("size", size),
		zap.Uint64("inc", incAmt))
	if incAmt > 0 {
		xd.UpdateProgress()
	}
}

// Flush is a no-op; message completion carries all the accounting.
func (xd *RemoteWriteXferDes) Flush() {}

// maxAssemblySize caps the payload a gather-assembled message carries.
const maxAssemblySize = 4096

// Progress emits payload messages until the time budget expires or no
// forward progress is possible.
func (xd *RemoteWriteXferDes) Progress(workUntil TimeLimit) bool {
	didWork := false
	// immediate acks for reads happen when input is assembled or skipped;
	// immediate acks for writes only when output is skipped
	rseqcache := newReadSeqCache(&xd.XferDes, 0)
	wseqcache := newWriteSeqCache(&xd.XferDes, 0)

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
			xd.log.Debug("remote write chunk",
				zap.Uint64("min", minXferSize), zap.Uint64("max", maxBytes))

			for totalBytes < maxBytes {
				bytes := xd.emitMessage(inPort, outPort, &inSpanStart, &outSpanStart,
					maxBytes-totalBytes, rseqcache)
				totalBytes += bytes

				if totalBytes >= minXferSize && workUntil.Expired() {
					break
				}
			}

		case inPort != nil:
			totalBytes = maxBytes
			inPort.AddrCursor.SkipBytes(totalBytes)
			rseqcache.addSpan(xd.inputControl.currentIOPort, inSpanStart, totalBytes)

		case outPort != nil:
			totalBytes = maxBytes
			outPort.AddrCursor.SkipBytes(totalBytes)
			wseqcache.addSpan(xd.outputControl.currentIOPort, outSpanStart, totalBytes)

		default:
			totalBytes = maxBytes
		}

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

// emitMessage sends one payload message covering as much of the two cursors
// as the transport recommends, and returns the bytes it carried.
func (xd *RemoteWriteXferDes) emitMessage(inPort, outPort *XferPort,
	inSpanStart, outSpanStart *uint64, bytesLeft uint64, rseqcache *readSeqCache) uint64 {

	inALC := &inPort.AddrCursor
	outALC := &outPort.AddrCursor
	inDim := inALC.Dim()
	outDim := outALC.Dim()
	icount := inALC.Remaining(0)
	ocount := outALC.Remaining(0)

	// the output controls the message shape; only contiguous 1-D targets
	// are implemented, so the destination bound is the first dimension
	if outDim <= 0 {
		panic("xfer: remote write scatter target not supported")
	}
	dst1DMaxBytes := minU64(bytesLeft, ocount)

	dstNode := outPort.Mem.OwnerNode()
	dstAddr, ok := outPort.Mem.RemoteAddr(outALC.Offset())
	if !ok {
		panic("xfer: remote write target is not remotely addressable")
	}

	transport := xd.channel.transport
	recBytes := transport.RecommendedMaxPayload(dstNode)

	inputPort := xd.inputControl.currentIOPort
	outputPort := xd.outputControl.currentIOPort

	var src1DMaxBytes uint64
	if inDim > 0 {
		src1DMaxBytes = minU64(minU64(dst1DMaxBytes, icount), recBytes)
	}
	var src2DMaxBytes uint64
	if inDim > 1 {
		lines := inALC.Remaining(1)
		// round the recommendation down to whole lines
		rec := recBytes - recBytes%icount
		src2DMaxBytes = minU64(minU64(dst1DMaxBytes, icount*lines), rec)
	}
	// a gather assembles into a buffer owned by the message
	srcGAMaxBytes := minU64(minU64(dst1DMaxBytes, bytesLeft), minU64(recBytes, maxAssemblySize))

	msg := Write1DMessage{
		DstAddr:     dstAddr,
		NextXDGUID:  outPort.PeerGUID,
		NextPortIdx: outPort.PeerPortIdx,
		SpanStart:   *outSpanStart,
	}

	// favor 1d >> 2d >> gather
	switch {
	case src1DMaxBytes >= src2DMaxBytes && src1DMaxBytes >= srcGAMaxBytes:
		bytes := src1DMaxBytes
		src := inPort.Mem.DirectPtr(inALC.Offset(), bytes)
		if src == nil {
			panic("xfer: remote write source not directly addressable")
		}
		payload := PayloadSource{Base: src, BytesPerLine: bytes, Lines: 1}

		onLocal := xd.readCompletion(inPort, inputPort, *inSpanStart, bytes)
		*inSpanStart += bytes
		onRemote := xd.writeCompletion(outputPort, *outSpanStart, bytes)
		*outSpanStart += bytes

		transport.SendWrite1D(dstNode, msg, payload, onLocal, onRemote)
		inALC.Advance(0, bytes)
		outALC.Advance(0, bytes)
		return bytes

	case src2DMaxBytes >= srcGAMaxBytes:
		bytesPerLine := icount
		lines := src2DMaxBytes / icount
		bytes := bytesPerLine * lines
		src := inPort.Mem.DirectPtr(inALC.Offset(), bytesPerLine)
		if src == nil {
			panic("xfer: remote write source not directly addressable")
		}
		payload := PayloadSource{
			Base:         src,
			BytesPerLine: bytesPerLine,
			Lines:        lines,
			LineStride:   inALC.Stride(1),
		}

		onLocal := xd.readCompletion(inPort, inputPort, *inSpanStart, bytes)
		*inSpanStart += bytes
		onRemote := xd.writeCompletion(outputPort, *outSpanStart, bytes)
		*outSpanStart += bytes

		transport.SendWrite1D(dstNode, msg, payload, onLocal, onRemote)
		inALC.Advance(1, lines)
		outALC.Advance(0, bytes)
		return bytes

	default:
		// gather: assemble the payload from however many rectangles the
		// source cursor is holding
		bytes := srcGAMaxBytes
		payload := PayloadSource{Gathered: xd.gatherPayload(inPort, bytes)}

		onRemote := xd.writeCompletion(outputPort, *outSpanStart, bytes)
		*outSpanStart += bytes

		transport.SendWrite1D(dstNode, msg, payload, nil, onRemote)

		// the payload holds a copy, so the read completed here
		rseqcache.addSpan(inputPort, *inSpanStart, bytes)
		*inSpanStart += bytes

		outALC.Advance(0, bytes)
		return bytes
	}
}

// readCompletion builds the local-completion callback that acks the read
// back to the upstream; nil when no upstream cares.
func (xd *RemoteWriteXferDes) readCompletion(inPort *XferPort, portIdx int, spanStart, bytes uint64) func() {
	if inPort.PeerGUID == NoGUID {
		return nil
	}
	return func() {
		xd.UpdateBytesRead(portIdx, spanStart, bytes)
	}
}

// writeCompletion builds the remote-completion callback that records the
// write locally; the peer already learned of it from the payload message.
func (xd *RemoteWriteXferDes) writeCompletion(portIdx int, spanStart, bytes uint64) func() {
	return func() {
		xd.UpdateBytesWrite(portIdx, spanStart, bytes)
	}
}

// gatherPayload copies up to `bytes` bytes out of the source cursor into a
// fresh buffer, taking the largest rectangles available.
func (xd *RemoteWriteXferDes) gatherPayload(inPort *XferPort, bytes uint64) []byte {
	out := make([]byte, bytes)
	var outOfs uint64
	inALC := &inPort.AddrCursor
	todo := bytes
	for todo > 0 {
		inDim := inALC.Dim()
		if inDim <= 0 {
			panic("xfer: gather through indirect address list")
		}
		icount := inALC.Remaining(0)
		src := inPort.Mem.DirectPtr(inALC.Offset(), minU64(icount, todo))
		if src == nil {
			panic("xfer: gather source not directly addressable")
		}

		if icount >= todo/2 || inDim == 1 {
			chunk := minU64(todo, icount)
			memcpy1D(out[outOfs:], src, chunk)
			inALC.Advance(0, chunk)
			outOfs += chunk
			todo -= chunk
		} else {
			lines := minU64(todo/icount, inALC.Remaining(1))
			if icount*lines >= todo/2 || inDim == 2 {
				memcpy2D(out[outOfs:], icount, src, inALC.Stride(1), icount, lines)
				inALC.Advance(1, lines)
				outOfs += icount * lines
				todo -= icount * lines
			} else {
				planes := minU64(todo/(icount*lines), inALC.Remaining(2))
				memcpy3D(out[outOfs:], icount, icount*lines,
					src, inALC.Stride(1), inALC.Stride(2),
					icount, lines, planes)
				inALC.Advance(2, planes)
				outOfs += icount * lines * planes
				todo -= icount * lines * planes
			}
		}
	}
	return out
}
