// Package capture implements the sample sequencer-driven capture pipeline
// that turns frame-provider callbacks into sample envelopes, fanning each
// one out to the session recorder and (if attached) the secure transport.
// The frame/depth/mesh source itself is an external collaborator named
// only by the FrameSource interface below, per the specification's scope:
// this package produces samples from frames, it does not capture them.
package capture

import (
	"encoding/json"
	"scan/pkg/ids"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/recorder"
	"scan/pkg/scanerr"
	"scan/pkg/sequencer"
	"strconv"
	"time"
)

// FrameSource is the external frame/sensor provider. Pipeline only needs
// to pause it on Stop; frame delivery itself happens via OnFrame
// callbacks driven by the provider, not by pulling from this interface.
type FrameSource interface {
	Pause()
}

// MeshAnchor is one anchor in a MeshAnchorBatch sample.
type MeshAnchor struct {
	Identifier  string    `json:"identifier"`
	Transform   [16]float64 `json:"transform"`
	Vertices    []float64 `json:"vertices"`
	FaceIndices []int     `json:"face_indices"`
}

// Frame is the heterogeneous per-tick input the frame source hands to
// OnFrame. Fields are optional (nil/zero) depending on what the source
// produced for this tick.
type Frame struct {
	TimestampSec     float64
	Pose             [16]float64
	IntrinsicsMatrix [9]float64
	Resolution       [2]int
	Image            []byte
	Depth            []byte
	MeshAnchors      []MeshAnchor
}

// Sender is the transport dependency the pipeline forwards samples to.
// Matching pkg/transport.Client's SendSample signature, named here so
// tests can substitute a fake without importing pkg/transport.
type Sender interface {
	SendSample(envelope model.Envelope, payload []byte) error
}

// Params are the runtime-adjustable sampling parameters, set from config
// defaults and overridden by BackpressureHint control messages.
type Params struct {
	KeyframeIntervalSec float64
	DepthStride         int
	MeshIntervalSec     float64
	DropNonKeyframes    bool
}

// Pipeline is the capture pipeline actor: OnFrame calls are serialized
// onto one goroutine so per-frame processing (and the sample_seq order it
// produces) is strictly ordered.
type Pipeline struct {
	sessionID      string
	sourceDeviceID string
	clockID        string
	seq            *sequencer.Sequencer
	rec            *recorder.Recorder
	sender         Sender
	source         FrameSource
	log            *logger.Log

	params Params

	frameCounter   int64
	lastKeyframeTS float64
	lastMeshTS     float64
	haveKeyframeTS bool
	haveMeshTS     bool
	samplesTotal   int64
	samplesDropped int64

	cmds chan func()
	done chan struct{}
}

const heartbeatEveryNFrames = 30

// New builds a pipeline for sessionID. sender and source may be nil: a
// nil sender means local-only recording; a nil source means Stop has
// nothing to pause.
func New(sessionID, sourceDeviceID, clockID string, seq *sequencer.Sequencer, rec *recorder.Recorder, sender Sender, source FrameSource, params Params, log *logger.Log) *Pipeline {
	p := &Pipeline{
		sessionID:      sessionID,
		sourceDeviceID: sourceDeviceID,
		clockID:        clockID,
		seq:            seq,
		rec:            rec,
		sender:         sender,
		source:         source,
		params:         normalizeParams(params),
		log:            log,
		cmds:           make(chan func()),
		done:           make(chan struct{}),
	}
	go p.run()
	return p
}

// ParamsFromConfig derives the initial runtime Params from the static
// configuration defaults (§4.7's target_keyframe_fps is expressed as an
// FPS in config but as a pre-computed interval on the wire hint).
func ParamsFromConfig(cfg model.Capture) Params {
	return normalizeParams(Params{
		KeyframeIntervalSec: keyframeIntervalFromFPS(cfg.TargetKeyframeFPS),
		DepthStride:         cfg.DepthStride,
		MeshIntervalSec:     float64(cfg.MeshUpdateIntervalMs) / 1000,
		DropNonKeyframes:    cfg.DropNonKeyframes,
	})
}

func normalizeParams(p Params) Params {
	if p.KeyframeIntervalSec <= 0 {
		p.KeyframeIntervalSec = 1.0
	}
	if p.KeyframeIntervalSec < 0.1 {
		p.KeyframeIntervalSec = 0.1
	}
	if p.DepthStride < 1 {
		p.DepthStride = 1
	}
	if p.MeshIntervalSec < 0.1 {
		p.MeshIntervalSec = 0.1
	}
	return p
}

func (p *Pipeline) run() {
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.cmds:
			fn()
		}
	}
}

func (p *Pipeline) do(fn func()) {
	reply := make(chan struct{})
	p.cmds <- func() {
		defer close(reply)
		fn()
	}
	<-reply
}

// ApplyBackpressureHint re-derives the runtime sampling parameters from a
// peer-delivered hint, per §4.7's formulas.
func (p *Pipeline) ApplyBackpressureHint(hint model.BackpressureHint) {
	p.do(func() {
		next := p.params
		if hint.KeyframeIntervalSec > 0 {
			next.KeyframeIntervalSec = hint.KeyframeIntervalSec
		}
		if hint.DepthStride > 0 {
			next.DepthStride = hint.DepthStride
		}
		if hint.MeshIntervalSec > 0 {
			next.MeshIntervalSec = hint.MeshIntervalSec
		}
		if hint.DropNonKeyframes != nil {
			next.DropNonKeyframes = *hint.DropNonKeyframes
		}
		p.params = normalizeParams(next)
		p.log.Event("capture.backpressure_applied", p.sessionID,
			"keyframe_interval_sec", p.params.KeyframeIntervalSec,
			"depth_stride", p.params.DepthStride,
			"mesh_interval_sec", p.params.MeshIntervalSec,
			"drop_non_keyframes", p.params.DropNonKeyframes)
	})
}

// keyframeIntervalFromFPS derives the keyframe interval from a target
// FPS, per the §4.7 formula (fps<=0 defaults to 1.0s).
func keyframeIntervalFromFPS(fps float64) float64 {
	if fps <= 0 {
		return 1.0
	}
	interval := 1 / fps
	if interval < 0.1 {
		return 0.1
	}
	return interval
}

// OnFrame processes one frame-provider tick, serialized onto the
// pipeline's owning goroutine.
func (p *Pipeline) OnFrame(frame Frame) {
	p.do(func() { p.processFrame(frame) })
}

func (p *Pipeline) processFrame(frame Frame) {
	p.frameCounter++
	captureTimeNs := int64(frame.TimestampSec * 1e9)

	p.emitCameraPose(captureTimeNs, frame.Pose)
	p.emitIntrinsics(captureTimeNs, frame.IntrinsicsMatrix, frame.Resolution)

	if !p.haveKeyframeTS || frame.TimestampSec-p.lastKeyframeTS >= p.params.KeyframeIntervalSec {
		if len(frame.Image) > 0 {
			p.emitKeyframe(captureTimeNs, frame.Image)
			p.lastKeyframeTS = frame.TimestampSec
			p.haveKeyframeTS = true
		}
	}

	if !p.params.DropNonKeyframes {
		if p.frameCounter%int64(p.params.DepthStride) == 0 && len(frame.Depth) > 0 {
			p.emitDepth(captureTimeNs, frame.Depth)
		}
		if (!p.haveMeshTS || frame.TimestampSec-p.lastMeshTS >= p.params.MeshIntervalSec) && len(frame.MeshAnchors) > 0 {
			p.emitMesh(captureTimeNs, frame.MeshAnchors)
			p.lastMeshTS = frame.TimestampSec
			p.haveMeshTS = true
		}
	}

	if p.frameCounter%heartbeatEveryNFrames == 0 {
		p.emitHeartbeat(captureTimeNs, false)
	}
}

func (p *Pipeline) emitCameraPose(captureTimeNs int64, pose [16]float64) {
	payload, err := json.Marshal(struct {
		Transform [16]float64 `json:"transform"`
	}{pose})
	if err != nil {
		p.log.EventError("capture.marshal_failed", p.sessionID, err, "kind", model.SampleKindCameraPose)
		return
	}
	p.emit(model.SampleKindCameraPose, captureTimeNs, payload, nil)
}

func (p *Pipeline) emitIntrinsics(captureTimeNs int64, matrix [9]float64, resolution [2]int) {
	payload, err := json.Marshal(struct {
		Matrix     [9]float64 `json:"matrix"`
		Resolution [2]int     `json:"resolution"`
	}{matrix, resolution})
	if err != nil {
		p.log.EventError("capture.marshal_failed", p.sessionID, err, "kind", model.SampleKindIntrinsics)
		return
	}
	p.emit(model.SampleKindIntrinsics, captureTimeNs, payload, nil)
}

func (p *Pipeline) emitKeyframe(captureTimeNs int64, image []byte) {
	p.emit(model.SampleKindKeyframeRGB, captureTimeNs, image, nil)
}

func (p *Pipeline) emitDepth(captureTimeNs int64, depth []byte) {
	p.emit(model.SampleKindDepthFrame, captureTimeNs, depth, nil)
}

func (p *Pipeline) emitMesh(captureTimeNs int64, anchors []MeshAnchor) {
	payload, err := json.Marshal(anchors)
	if err != nil {
		p.log.EventError("capture.marshal_failed", p.sessionID, err, "kind", model.SampleKindMeshAnchorBatch)
		return
	}
	p.emit(model.SampleKindMeshAnchorBatch, captureTimeNs, payload, nil)
}

func (p *Pipeline) emitHeartbeat(captureTimeNs int64, sessionEnd bool) {
	payload, err := json.Marshal(struct {
		FrameCounter int64 `json:"frame_counter"`
		SessionEnd   bool  `json:"session_end"`
	}{p.frameCounter, sessionEnd})
	if err != nil {
		p.log.EventError("capture.marshal_failed", p.sessionID, err, "kind", model.SampleKindHeartbeat)
		return
	}
	p.emit(model.SampleKindHeartbeat, captureTimeNs, payload, nil)
}

// emit hashes payload, mints the next sample_seq, builds the envelope,
// writes it to the recorder, and forwards it to the transport if one is
// attached. Recorder success but transport failure does not abort the
// recorder; each side's per-sample failure is isolated and counted as a
// drop rather than propagated.
func (p *Pipeline) emit(kind model.SampleKind, captureTimeNs int64, payload []byte, extraMetadata map[string]string) {
	hash := ids.SHA256Hex(payload)
	seq := p.seq.Next()

	metadata := map[string]string{"source_device_id": p.sourceDeviceID}
	for k, v := range extraMetadata {
		metadata[k] = v
	}

	envelope := model.Envelope{
		SessionID:     p.sessionID,
		SampleSeq:     seq,
		CaptureTimeNs: captureTimeNs,
		ClockID:       p.clockID,
		SampleKind:    kind,
		HashSHA256:    hash,
		PayloadRef:    "blobs/sha256/" + hash,
		Metadata:      metadata,
	}

	p.samplesTotal++

	if err := p.rec.Record(envelope, payload); err != nil {
		p.samplesDropped++
		p.log.EventError("capture.record_failed", p.sessionID, err, "sample_seq", seq, "kind", kind)
	}

	if p.sender == nil {
		return
	}
	if err := p.sender.SendSample(envelope, payload); err != nil {
		p.samplesDropped++
		p.log.EventError("capture.transport_send_failed", p.sessionID, err, "sample_seq", seq, "kind", kind)
	}
}

// Stop pauses the frame source, emits a final session-end Heartbeat, and
// finalizes the recorder with the run's summary metadata.
func (p *Pipeline) Stop() (string, error) {
	var dir string
	var err error
	p.do(func() {
		if p.source != nil {
			p.source.Pause()
		}
		p.emitHeartbeat(time.Now().UnixNano(), true)
	})

	dir, err = p.rec.Finalize(map[string]string{
		"samples_total":   strconv.FormatInt(p.samplesTotal, 10),
		"samples_dropped": strconv.FormatInt(p.samplesDropped, 10),
	})
	if err != nil {
		return "", scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}
	return dir, nil
}

// Close stops the pipeline's goroutine without finalizing.
func (p *Pipeline) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
