// Package controller implements the lifecycle glue between pairing,
// capture, and finalize: the Idle -> Paired -> Capturing -> Finalized -> Idle
// state machine described in §4.9, plus the status snapshot and
// correlation id the CLI entrypoint surfaces to the user.
package controller

import (
	"context"
	"fmt"
	"scan/pkg/capture"
	"scan/pkg/discovery"
	"scan/pkg/identitystore"
	"scan/pkg/ids"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/pairing"
	"scan/pkg/pki"
	"scan/pkg/recorder"
	"scan/pkg/scanerr"
	"scan/pkg/sequencer"
	"scan/pkg/transport"
	"scan/pkg/truststore"
	"sync"
	"time"
)

// State is one of the four lifecycle states of §4.9.
type State string

const (
	StateIdle      State = "Idle"
	StatePaired    State = "Paired"
	StateCapturing State = "Capturing"
	StateFinalized State = "Finalized"
)

// Status is the human-readable snapshot recomputed on every transition.
type Status struct {
	State        State
	Detail       string
	UpdatedAtUTC time.Time
}

// StartCaptureOptions configures a Paired -> Capturing transition.
type StartCaptureOptions struct {
	SessionID    string
	Endpoint     discovery.Endpoint
	Source       capture.FrameSource
	ClockID      string
	CaptureParams capture.Params
	DialTimeout  time.Duration
}

// Controller drives the pairing -> capture -> finalize lifecycle for a
// single device process.
type Controller struct {
	cfg      *model.Cfg
	identity *identitystore.Store
	trust    *truststore.Store
	pairing  *pairing.Client
	log      *logger.Log

	correlationID string

	mu          sync.Mutex
	state       State
	status      Status
	sessionID   string
	trustRecord *model.TrustRecord
	seq         *sequencer.Sequencer
	rec         *recorder.Recorder
	tr          *transport.Client
	pipeline    *capture.Pipeline
}

// New builds a Controller in the Idle state, minting a fresh
// process-wide correlation id.
func New(cfg *model.Cfg, identity *identitystore.Store, trust *truststore.Store, pairingClient *pairing.Client, log *logger.Log) *Controller {
	c := &Controller{
		cfg:           cfg,
		identity:      identity,
		trust:         trust,
		pairing:       pairingClient,
		log:           log,
		correlationID: ids.New(),
		state:         StateIdle,
	}
	c.setStatus(StateIdle, "idle")
	return c
}

// CorrelationID returns the process-wide sortable id attached to every
// structured log event this controller (and its owned components) emit.
func (c *Controller) CorrelationID() string { return c.correlationID }

// Status returns the latest status snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(state State, detail string) {
	c.state = state
	c.status = Status{State: state, Detail: detail, UpdatedAtUTC: time.Now().UTC()}
	c.log.Event("controller.transition", c.correlationID, "state", string(state), "detail", detail)
}

// Pair validates and imports a QR payload, completes the confirm
// exchange, and transitions Idle -> Paired on success.
func (c *Controller) Pair(ctx context.Context, qrPayload []byte) (*model.TrustRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, fmt.Errorf("controller: Pair requires Idle, got %s", c.state)
	}

	record, err := c.pairing.Pair(ctx, qrPayload)
	if err != nil {
		c.log.EventError("controller.pair_failed", c.correlationID, err)
		return nil, err
	}

	c.trustRecord = record
	c.setStatus(StatePaired, "paired with "+record.PeerDeviceID)
	return record, nil
}

// StartCapture transitions Paired -> Capturing. It requires a resolved
// endpoint and a matching trust record; it attempts a transport connect
// when a client-TLS bundle is installed, falling back to local-only
// recording if the connect fails.
func (c *Controller) StartCapture(ctx context.Context, opts StartCaptureOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaired {
		return fmt.Errorf("controller: StartCapture requires Paired, got %s", c.state)
	}
	if c.trustRecord == nil || c.trustRecord.PeerDeviceID != opts.Endpoint.DeviceID {
		return fmt.Errorf("controller: no trust record matching endpoint device %s", opts.Endpoint.DeviceID)
	}

	mat, err := c.identity.Material()
	if err != nil {
		return err
	}

	rec, err := recorder.New(c.cfg.Session.RootDir, opts.SessionID, mat.DeviceID, c.log)
	if err != nil {
		return err
	}

	seq := sequencer.New()

	var tr *transport.Client
	if clientTLS, ok, err := c.identity.ClientTLSIdentity(); err == nil && ok {
		tr, err = c.dialTransport(opts, mat, clientTLS)
		if err != nil {
			c.log.EventError("controller.transport_connect_failed", c.correlationID, err,
				"session_id", opts.SessionID)
			tr = nil
		}
	}

	var sender capture.Sender
	if tr != nil {
		sender = tr
	}

	pipeline := capture.New(opts.SessionID, mat.DeviceID, opts.ClockID, seq, rec, sender, opts.Source, opts.CaptureParams, c.log)

	c.sessionID = opts.SessionID
	c.seq = seq
	c.rec = rec
	c.tr = tr
	c.pipeline = pipeline

	detail := "capturing over secure transport"
	if tr == nil {
		detail = "capturing, local-only (no transport)"
	}
	c.setStatus(StateCapturing, detail)
	return nil
}

func (c *Controller) dialTransport(opts StartCaptureOptions, mat *identitystore.Material, clientTLS *identitystore.ClientTLSIdentity) (*transport.Client, error) {
	cert, err := pki.ClientCertificateFromBundle(clientTLS.Bytes)
	if err != nil {
		return nil, err
	}
	signingKey, err := mat.SigningKey()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", opts.Endpoint.Host, opts.Endpoint.QUICPort)
	return transport.Connect(addr, transport.Options{
		SessionID:         opts.SessionID,
		ScanDeviceID:      mat.DeviceID,
		FingerprintLower:  mat.FingerprintSHA256,
		SigningKey:        signingKey,
		SigningPubX963:    mat.PublicKeyX963,
		PinnedFingerprint: clientTLS.PeerCertFingerprint,
		ClientCert:        &cert,
		DialTimeout:       opts.DialTimeout,
	}, c.log)
}

// OnFrame forwards a frame to the active capture pipeline. It is a no-op
// outside the Capturing state.
func (c *Controller) OnFrame(frame capture.Frame) {
	c.mu.Lock()
	pipeline := c.pipeline
	state := c.state
	c.mu.Unlock()

	if state != StateCapturing || pipeline == nil {
		return
	}
	pipeline.OnFrame(frame)
}

// Stop transitions Capturing -> Finalized. It always attempts recorder
// finalize and always disconnects the transport, regardless of whether
// finalize succeeds.
func (c *Controller) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCapturing {
		return "", fmt.Errorf("controller: Stop requires Capturing, got %s", c.state)
	}

	dir, finalizeErr := c.pipeline.Stop()

	if c.tr != nil {
		c.tr.Close()
	}
	if c.seq != nil {
		c.seq.Close()
	}

	if finalizeErr != nil {
		c.log.EventError("controller.finalize_failed", c.correlationID, finalizeErr, "session_id", c.sessionID)
		c.setStatus(StateFinalized, "finalize failed: "+finalizeErr.Error())
		return dir, finalizeErr
	}

	c.setStatus(StateFinalized, "finalized "+c.sessionID)
	return dir, nil
}

// Export copies the finalized session package to its sibling
// ".roomcapture" export directory. Valid only once Finalized.
func (c *Controller) Export(destinationRoot string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFinalized {
		return "", fmt.Errorf("controller: Export requires Finalized, got %s", c.state)
	}
	if c.rec == nil {
		return "", scanerr.New(scanerr.KindRecorderIoFailure, "no recorder to export")
	}
	return c.rec.Export(destinationRoot)
}

// ResetToIdle returns a Finalized controller to Idle so another capture
// can begin against the same paired peer.
func (c *Controller) ResetToIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateFinalized {
		return
	}
	if c.rec != nil {
		c.rec.Close()
	}
	c.sessionID = ""
	c.seq = nil
	c.rec = nil
	c.tr = nil
	c.pipeline = nil
	c.setStatus(StateIdle, "idle")
}
