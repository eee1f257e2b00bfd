package xfer

import "go.uber.org/zap"

// stepPolicy carries the per-side dimension allowances a channel grants to
// the request builder.
type stepPolicy struct {
	src StepFlags
	dst StepFlags
}

func (p stepPolicy) linesPossible() bool {
	return (p.src|p.dst)&StepLinesOK != 0
}

// defaultGetRequests builds up to len(reqs) concrete transfer requests from
// the current IO ports, handling flow control, serdez sizing, out-of-range
// scatter/gather skips, and dimension reconciliation between the source and
// destination iterators. It is the request-at-a-time path shared by the
// channels that hand requests to an external backend.
func (xd *XferDes) defaultGetRequests(reqs []*Request, policy stepPolicy) int {
	idx := 0

	for idx < len(reqs) && xd.requestAvailable() {
		if xd.iterationCompleted.Load() {
			break
		}

		if xd.updateControlInfo(nil) == 0 {
			break
		}

		var inPort, outPort *XferPort
		if xd.inputControl.currentIOPort >= 0 {
			inPort = &xd.InputPorts[xd.inputControl.currentIOPort]
		}
		if xd.outputControl.currentIOPort >= 0 {
			outPort = &xd.OutputPorts[xd.outputControl.currentIOPort]
		}

		// out-of-range scatter/gather: one side may have no real port
		if inPort == nil {
			if outPort == nil {
				panic("xfer: control stream with neither input nor output")
			}
			// no valid input, so nothing lands in the destination - just
			// step the output iterator past the skipped range
			if outPort.PeerGUID != NoGUID || outPort.Serdez != nil {
				panic("xfer: skip into intermediate buffer output")
			}
			skip := minU64(xd.inputControl.remainingCount, xd.outputControl.remainingCount)
			skipBytes, _ := outPort.Iter.Step(skip, policy.dst, false)
			if skipBytes == 0 {
				panic("xfer: output skip made no progress")
			}
			xd.log.Debug("skipping output", zap.Uint64("bytes", skipBytes))
			xd.inputControl.remainingCount -= skipBytes
			xd.outputControl.remainingCount -= skipBytes
			if xd.checkControlCompletion(-1) {
				break
			}
			continue
		}
		if outPort == nil {
			// valid input that must be discarded; wait for the producer
			// anyway so it does not overwrite bytes we have not "read"
			if inPort.Serdez != nil {
				panic("xfer: skip of serialized input")
			}
			skip := minU64(xd.inputControl.remainingCount, xd.outputControl.remainingCount)
			if inPort.PeerGUID != NoGUID {
				skip = inPort.SeqRemote.SpanExists(inPort.LocalBytesTotal, skip)
				if skip == 0 {
					break
				}
			}
			skipBytes, _ := inPort.Iter.Step(skip, policy.src, false)
			if skipBytes == 0 {
				panic("xfer: input skip made no progress")
			}
			xd.log.Debug("skipping input", zap.Uint64("bytes", skipBytes))
			xd.UpdateBytesRead(xd.inputControl.currentIOPort, inPort.LocalBytesTotal, skipBytes)
			inPort.LocalBytesTotal += skipBytes
			xd.inputControl.remainingCount -= skipBytes
			xd.outputControl.remainingCount -= skipBytes
			if xd.checkControlCompletion(-1) {
				break
			}
			continue
		}

		// sample the asynchronously-updated counters once and reason only
		// about the snapshots below
		pbtSnapshot := inPort.remoteBytesTotal.Load()
		rbcSnapshot := inPort.localBytesCons.Load()
		wbcSnapshot := outPort.localBytesCons.Load()

		// empty iterators and filtered streams can finish between requests
		inExhausted := inPort.Iter.Done()
		if inPort.PeerGUID != NoGUID {
			inExhausted = inPort.LocalBytesTotal == pbtSnapshot
		}
		if inExhausted {
			if inPort.LocalBytesTotal == 0 {
				xd.log.Debug("empty transfer", zap.Uint64("xd", uint64(xd.GUID)))
			}
			xd.iterationCompleted.Store(true)
			for i := range xd.OutputPorts {
				xd.ops.UpdateBytesWrite(i, xd.OutputPorts[i].LocalBytesTotal, 0)
			}
			break
		}

		var srcInfo, dstInfo AddressInfo
		var readBytes, writeBytes, readSeq, writeSeq uint64
		var readPadBytes, writePadBytes uint64

		switch {
		case inPort.Serdez != nil && outPort.Serdez == nil:
			// serialization only - raw source, IB destination. The output
			// space consumed is unknown until execution, so the
			// destination iterator is not stepped here; instead clamp the
			// source step so the worst case fits the IB window.
			if inPort.PeerGUID != NoGUID || outPort.PeerGUID == NoGUID {
				panic("xfer: serializing port misconfigured")
			}
			op := inPort.Serdez
			if outPort.SeqRemote.SpanExists(wbcSnapshot, op.MaxSerializedSize) < op.MaxSerializedSize {
				// no room for even one worst-case element
				return idx
			}

			srcBytes, info := inPort.Iter.Step(xd.MaxReqSize, policy.src, true)
			srcInfo = info
			numElems := srcBytes / op.FieldSize
			if numElems == 0 {
				if srcBytes != 0 {
					inPort.Iter.CancelStep()
				}
				return idx
			}
			if numElems*op.FieldSize != srcBytes {
				panic("xfer: serialize step not element-aligned")
			}
			maxDstBytes := numElems * op.MaxSerializedSize

			if xd.outputControl.controlPortIdx >= 0 && numElems > xd.outputControl.remainingCount {
				numElems = xd.outputControl.remainingCount
			}

			clampDstBytes := numElems * op.MaxSerializedSize
			dstBytesAvail := outPort.SeqRemote.SpanExists(wbcSnapshot, clampDstBytes)

			if dstBytesAvail == maxDstBytes {
				inPort.Iter.ConfirmStep()
			} else {
				actElems := dstBytesAvail / op.MaxSerializedSize
				dstBytesAvail = actElems * op.MaxSerializedSize
				newSrcBytes := actElems * op.FieldSize
				inPort.Iter.CancelStep()
				srcBytes, srcInfo = inPort.Iter.Step(newSrcBytes, policy.src, false)
				// a 2-D/3-D source may round the step down
				if srcBytes < newSrcBytes {
					if srcBytes == 0 {
						return idx
					}
					numElems = srcBytes / op.FieldSize
					if numElems*op.FieldSize != srcBytes {
						panic("xfer: serialize re-step not element-aligned")
					}
					dstBytesAvail = numElems * op.MaxSerializedSize
				}
			}

			// the destination iterator steps during execution; mirror the
			// source shape so lines and planes match up
			dstInfo = srcInfo

			readSeq = inPort.LocalBytesTotal
			readBytes = srcBytes
			inPort.LocalBytesTotal += srcBytes

			writeSeq = 0 // assigned at execution
			writeBytes = dstBytesAvail
			outPort.localBytesCons.Add(dstBytesAvail)

		case inPort.Serdez == nil && outPort.Serdez != nil:
			// deserialization only - IB source, raw destination; the
			// source step happens at execution
			if inPort.PeerGUID == NoGUID || outPort.PeerGUID != NoGUID {
				panic("xfer: deserializing port misconfigured")
			}
			op := outPort.Serdez

			// input is done only if the limit is known and every byte up
			// to it has arrived
			inputDataDone := pbtSnapshot != noLimit &&
				(rbcSnapshot >= pbtSnapshot ||
					inPort.SeqRemote.SpanExists(rbcSnapshot, pbtSnapshot-rbcSnapshot) == pbtSnapshot-rbcSnapshot)
			// a mid-stream input control makes the above imprecise
			if xd.inputControl.controlPortIdx >= 0 && !xd.inputControl.eosReceived {
				inputDataDone = false
			}

			if !inputDataDone {
				if inPort.SeqRemote.SpanExists(rbcSnapshot, op.MaxSerializedSize) < op.MaxSerializedSize {
					return idx
				}
			}

			dstBytes, info := outPort.Iter.Step(xd.MaxReqSize, policy.dst, !inputDataDone)
			dstInfo = info
			numElems := dstBytes / op.FieldSize
			if numElems == 0 {
				if dstBytes != 0 && !inputDataDone {
					outPort.Iter.CancelStep()
				}
				return idx
			}
			if numElems*op.FieldSize != dstBytes {
				panic("xfer: deserialize step not element-aligned")
			}
			maxSrcBytes := numElems * op.MaxSerializedSize

			if xd.inputControl.controlPortIdx >= 0 && numElems > xd.inputControl.remainingCount {
				numElems = xd.inputControl.remainingCount
			}

			clampSrcBytes := numElems * op.MaxSerializedSize
			var srcBytesAvail uint64
			if inputDataDone {
				// everything remaining has arrived; the worst-case bound
				// cannot actually overshoot
				srcBytesAvail = maxSrcBytes
			} else {
				srcBytesAvail = inPort.SeqRemote.SpanExists(rbcSnapshot, clampSrcBytes)
				if srcBytesAvail == maxSrcBytes {
					outPort.Iter.ConfirmStep()
				} else {
					actElems := srcBytesAvail / op.MaxSerializedSize
					srcBytesAvail = actElems * op.MaxSerializedSize
					newDstBytes := actElems * op.FieldSize
					outPort.Iter.CancelStep()
					dstBytes, dstInfo = outPort.Iter.Step(newDstBytes, policy.dst, false)
					if dstBytes < newDstBytes {
						if dstBytes == 0 {
							return idx
						}
						numElems = dstBytes / op.FieldSize
						if numElems*op.FieldSize != dstBytes {
							panic("xfer: deserialize re-step not element-aligned")
						}
						srcBytesAvail = numElems * op.MaxSerializedSize
					}
				}
			}

			srcInfo = dstInfo

			readSeq = 0 // assigned at execution
			readBytes = srcBytesAvail
			inPort.localBytesCons.Add(srcBytesAvail)

			writeSeq = outPort.LocalBytesTotal
			writeBytes = dstBytes
			outPort.LocalBytesTotal += dstBytes
			outPort.localBytesCons.Store(outPort.LocalBytesTotal)

		default:
			// direct mode (no serdez on either side)
			if inPort.Serdez != nil {
				panic("xfer: simultaneous serialize and deserialize")
			}
			maxBytes := minU64(xd.MaxReqSize,
				minU64(xd.inputControl.remainingCount, xd.outputControl.remainingCount))

			if inPort.PeerGUID != NoGUID {
				preMax := pbtSnapshot - inPort.LocalBytesTotal
				if preMax == 0 {
					panic("xfer: exhausted input not detected by snapshot")
				}
				if preMax < maxBytes {
					maxBytes = preMax
				}
				maxBytes = inPort.SeqRemote.SpanExists(inPort.LocalBytesTotal, maxBytes)
				if maxBytes == 0 {
					return idx
				}
			}
			if outPort.PeerGUID != NoGUID {
				maxBytes = outPort.SeqRemote.SpanExists(outPort.LocalBytesTotal, maxBytes)
				if maxBytes == 0 {
					return idx
				}
			}

			srcBytes, sInfo := inPort.Iter.Step(maxBytes, policy.src, true)
			srcInfo = sInfo
			if srcBytes == 0 {
				return idx
			}

			// when either side is a plain (non-IB) region and multi-line
			// steps are allowed, the two iterators may collapse dimensions
			// differently, so destination steps stay tentative
			dimensionMismatchPossible := (inPort.PeerGUID == NoGUID || outPort.PeerGUID == NoGUID) &&
				policy.linesPossible()

			dstBytes, dInfo := outPort.Iter.Step(srcBytes, policy.dst, dimensionMismatchPossible)
			dstInfo = dInfo
			if dstBytes == 0 {
				// an IB source feeding a non-IB target that came up short
				// of maxBytes needs padding to the IB boundary
				if inPort.PeerGUID != NoGUID && outPort.PeerGUID == NoGUID && srcBytes < maxBytes {
					xd.log.Debug("padding input", zap.Uint64("bytes", srcBytes))
					srcInfo = AddressInfo{NumLines: 1, NumPlanes: 1}
					dstInfo = AddressInfo{NumLines: 1, NumPlanes: 1}
					readPadBytes = srcBytes
					srcBytes = 0
					dimensionMismatchPossible = false
					// the source step is confirmed below
				} else {
					inPort.Iter.CancelStep()
					return idx
				}
			}

			if dstBytes < srcBytes {
				// shrink the source step to what the destination took
				inPort.Iter.CancelStep()
				srcBytes, srcInfo = inPort.Iter.Step(dstBytes, policy.src, dimensionMismatchPossible)
				if srcBytes == 0 {
					// non-IB source into a destination IB that wants
					// padding to its boundary
					if inPort.PeerGUID != NoGUID || outPort.PeerGUID == NoGUID {
						panic("xfer: zero-byte source re-step")
					}
					if dstBytes < maxBytes {
						xd.log.Debug("padding output", zap.Uint64("bytes", dstBytes))
						srcInfo = AddressInfo{NumLines: 1, NumPlanes: 1}
						dstInfo = AddressInfo{NumLines: 1, NumPlanes: 1}
						writePadBytes = dstBytes
						dstBytes = 0
						// the destination step was tentative iff a
						// mismatch was possible
						if dimensionMismatchPossible {
							outPort.Iter.ConfirmStep()
						}
						dimensionMismatchPossible = false
					} else {
						if dimensionMismatchPossible {
							outPort.Iter.CancelStep()
						}
						return idx
					}
				}
				if srcBytes < dstBytes {
					if !dimensionMismatchPossible {
						panic("xfer: byte count mismatch without dimension mismatch")
					}
					outPort.Iter.CancelStep()
					dstBytes, dstInfo = outPort.Iter.Step(srcBytes, policy.dst, true)
				}
				if srcBytes != dstBytes {
					panic("xfer: source and destination steps disagree")
				}
			} else if !dimensionMismatchPossible {
				inPort.Iter.ConfirmStep()
			}

			if dimensionMismatchPossible {
				srcBytes = xd.reconcileDimensions(&srcInfo, &dstInfo, srcBytes, policy, inPort, outPort)
				if srcBytes == 0 && readPadBytes == 0 && writePadBytes == 0 {
					return idx
				}
			} else if readPadBytes == 0 && writePadBytes == 0 {
				if srcInfo.BytesPerChunk != dstInfo.BytesPerChunk ||
					srcInfo.NumLines != 1 || srcInfo.NumPlanes != 1 ||
					dstInfo.NumLines != 1 || dstInfo.NumPlanes != 1 {
					panic("xfer: unexpected multi-dimensional step")
				}
			}

			actBytes := srcInfo.TotalBytes()
			if readPadBytes > 0 || writePadBytes > 0 {
				actBytes = 0
			}
			readSeq = inPort.LocalBytesTotal
			readBytes = actBytes + readPadBytes
			if inPort.IndirectPortIdx < 0 {
				inPort.LocalBytesTotal += readBytes
			}

			writeSeq = outPort.LocalBytesTotal
			writeBytes = actBytes + writePadBytes
			outPort.LocalBytesTotal += writeBytes
			outPort.localBytesCons.Store(outPort.LocalBytesTotal)
		}

		req := xd.dequeueRequest()
		req.SrcPortIdx = xd.inputControl.currentIOPort
		req.DstPortIdx = xd.outputControl.currentIOPort
		req.ReadSeqPos = readSeq
		req.ReadSeqCount = readBytes
		req.WriteSeqPos = writeSeq
		req.WriteSeqCount = writeBytes
		switch {
		case srcInfo.NumPlanes > 1:
			req.Dim = Dim3D
		case srcInfo.NumLines > 1:
			req.Dim = Dim2D
		default:
			req.Dim = Dim1D
		}
		req.SrcOff = srcInfo.BaseOffset
		req.DstOff = dstInfo.BaseOffset
		req.NBytes = srcInfo.BytesPerChunk
		req.NLines = srcInfo.NumLines
		req.SrcStr = srcInfo.LineStride
		req.DstStr = dstInfo.LineStride
		req.NPlanes = srcInfo.NumPlanes
		req.SrcPStr = srcInfo.PlaneStride
		req.DstPStr = dstInfo.PlaneStride

		// the asynchronously-updated produced-bytes prefix can reveal the
		// end of an IB input even when the snapshot predated the total, so
		// resample before the completion checks
		if inPort.PeerGUID != NoGUID && pbtSnapshot == noLimit {
			pbtSnapshot = inPort.remoteBytesTotal.Load()
		}

		if xd.inputControl.controlPortIdx >= 0 || xd.outputControl.controlPortIdx >= 0 {
			inputCount := readBytes - readPadBytes
			outputCount := writeBytes - writePadBytes
			// serdez streams are counted in elements, not bytes
			if inPort.Serdez != nil {
				if outputCount%inPort.Serdez.MaxSerializedSize != 0 {
					panic("xfer: serialized output not element-aligned")
				}
				outputCount /= inPort.Serdez.MaxSerializedSize
			}
			if outPort.Serdez != nil {
				if inputCount%outPort.Serdez.MaxSerializedSize != 0 {
					panic("xfer: serialized input not element-aligned")
				}
				inputCount /= outPort.Serdez.MaxSerializedSize
			}
			if xd.inputControl.remainingCount < inputCount ||
				xd.outputControl.remainingCount < outputCount {
				panic("xfer: control count underflow")
			}
			xd.inputControl.remainingCount -= inputCount
			xd.outputControl.remainingCount -= outputCount
			xd.checkControlCompletion(xd.outputControl.currentIOPort)
		} else {
			if inPort.Iter.Done() || outPort.Iter.Done() ||
				inPort.LocalBytesTotal == pbtSnapshot {
				xd.iterationCompleted.Store(true)
				for i := range xd.OutputPorts {
					if i != xd.outputControl.currentIOPort {
						xd.ops.UpdateBytesWrite(i, xd.OutputPorts[i].LocalBytesTotal, 0)
					}
				}
			}
		}

		xd.logRequest(req)
		reqs[idx] = req
		idx++
	}
	return idx
}

// checkControlCompletion flags iteration completion from control stream
// exhaustion, poking every output except skipPort with a zero-length write.
func (xd *XferDes) checkControlCompletion(skipPort int) bool {
	if (xd.inputControl.remainingCount == 0 && xd.inputControl.eosReceived) ||
		(xd.outputControl.remainingCount == 0 && xd.outputControl.eosReceived) {
		xd.log.Debug("iteration completed via control port", zap.Uint64("xd", uint64(xd.GUID)))
		xd.iterationCompleted.Store(true)
		for i := range xd.OutputPorts {
			if i != skipPort {
				xd.ops.UpdateBytesWrite(i, xd.OutputPorts[i].LocalBytesTotal, 0)
			}
		}
		return true
	}
	return false
}

// reconcileDimensions grows the smaller side's rectangle until both sides
// agree on chunk, line, and plane counts, re-stepping both iterators exactly
// when the agreed volume is less than what they produced. Returns the byte
// volume both iterators are committed to.
func (xd *XferDes) reconcileDimensions(srcInfo, dstInfo *AddressInfo, stepBytes uint64,
	policy stepPolicy, inPort, outPort *XferPort) uint64 {

	// mismatched chunk sizes push the coarser side's lines into planes
	src4dFactor := uint64(1)
	dst4dFactor := uint64(1)
	if srcInfo.BytesPerChunk < dstInfo.BytesPerChunk {
		ratio := dstInfo.BytesPerChunk / srcInfo.BytesPerChunk
		if srcInfo.BytesPerChunk*ratio != dstInfo.BytesPerChunk {
			panic("xfer: chunk sizes not divisible")
		}
		dst4dFactor *= dstInfo.NumPlanes
		dstInfo.NumPlanes = dstInfo.NumLines
		dstInfo.PlaneStride = dstInfo.LineStride
		dstInfo.NumLines = ratio
		dstInfo.LineStride = srcInfo.BytesPerChunk
		dstInfo.BytesPerChunk = srcInfo.BytesPerChunk
	}
	if dstInfo.BytesPerChunk < srcInfo.BytesPerChunk {
		ratio := srcInfo.BytesPerChunk / dstInfo.BytesPerChunk
		if dstInfo.BytesPerChunk*ratio != srcInfo.BytesPerChunk {
			panic("xfer: chunk sizes not divisible")
		}
		src4dFactor *= srcInfo.NumPlanes
		srcInfo.NumPlanes = srcInfo.NumLines
		srcInfo.PlaneStride = srcInfo.LineStride
		srcInfo.NumLines = ratio
		srcInfo.LineStride = dstInfo.BytesPerChunk
		srcInfo.BytesPerChunk = dstInfo.BytesPerChunk
	}

	// mismatched line counts promote the coarser side from 2-D to 3-D
	if srcInfo.NumLines < dstInfo.NumLines {
		ratio := dstInfo.NumLines / srcInfo.NumLines
		if srcInfo.NumLines*ratio != dstInfo.NumLines {
			panic("xfer: line counts not divisible")
		}
		dst4dFactor *= dstInfo.NumPlanes
		dstInfo.NumPlanes = ratio
		dstInfo.PlaneStride = dstInfo.LineStride * srcInfo.NumLines
		dstInfo.NumLines = srcInfo.NumLines
	}
	if dstInfo.NumLines < srcInfo.NumLines {
		ratio := srcInfo.NumLines / dstInfo.NumLines
		if dstInfo.NumLines*ratio != srcInfo.NumLines {
			panic("xfer: line counts not divisible")
		}
		src4dFactor *= srcInfo.NumPlanes
		srcInfo.NumPlanes = ratio
		srcInfo.PlaneStride = srcInfo.LineStride * dstInfo.NumLines
		srcInfo.NumLines = dstInfo.NumLines
	}

	if srcInfo.NumLines != dstInfo.NumLines ||
		srcInfo.NumPlanes*src4dFactor != dstInfo.NumPlanes*dst4dFactor {
		panic("xfer: dimension reconciliation failed")
	}

	// only as many planes as both sides can manage
	if srcInfo.NumPlanes > dstInfo.NumPlanes {
		srcInfo.NumPlanes = dstInfo.NumPlanes
	} else {
		dstInfo.NumPlanes = srcInfo.NumPlanes
	}

	if (policy.src|policy.dst)&StepPlanesOK == 0 {
		srcInfo.NumPlanes = 1
		dstInfo.NumPlanes = 1
	}

	actBytes := srcInfo.TotalBytes()
	if actBytes == stepBytes {
		inPort.Iter.ConfirmStep()
		outPort.Iter.ConfirmStep()
		return actBytes
	}

	// the agreed volume shrank - cancel both tentative steps and retake
	// them exactly
	inPort.Iter.CancelStep()
	srcBytes, _ := inPort.Iter.Step(actBytes, policy.src, false)
	if srcBytes != actBytes {
		panic("xfer: exact source re-step disagreed")
	}
	outPort.Iter.CancelStep()
	dstBytes, _ := outPort.Iter.Step(actBytes, policy.dst, false)
	if dstBytes != actBytes {
		panic("xfer: exact destination re-step disagreed")
	}
	return actBytes
}

func (xd *XferDes) logRequest(req *Request) {
	switch req.Dim {
	case Dim1D:
		xd.log.Debug("request",
			zap.Uint64("xd", uint64(xd.GUID)),
			zap.Uint64("src", req.SrcOff), zap.Uint64("dst", req.DstOff),
			zap.Uint64("len", req.NBytes))
	case Dim2D:
		xd.log.Debug("request",
			zap.Uint64("xd", uint64(xd.GUID)),
			zap.Uint64("src", req.SrcOff), zap.Uint64("dst", req.DstOff),
			zap.Uint64("len", req.NBytes), zap.Uint64("lines", req.NLines))
	case Dim3D:
		xd.log.Debug("request",
			zap.Uint64("xd", uint64(xd.GUID)),
			zap.Uint64("src", req.SrcOff), zap.Uint64("dst", req.DstOff),
			zap.Uint64("len", req.NBytes), zap.Uint64("lines", req.NLines),
			zap.Uint64("planes", req.NPlanes))
	}
}
