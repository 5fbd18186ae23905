// Package transport implements the single-stream framed client that
// carries the secure channel handshake (pkg/securechannel) and, once
// established, sample and control traffic. Like the store packages it
// is a single-writer actor: a command channel serializes every send,
// handshake step, and inbound dispatch onto one goroutine.
package transport

import (
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/pki"
	"scan/pkg/scanerr"
	"scan/pkg/securechannel"
	"time"
)

const (
	outerChannelControl = 0x01
	outerChannelSample  = 0x02 // legacy, handshake-free; rejected inbound
	outerChannelEnvelope = 0x03

	replayBufferCap = 512
)

// BackpressureHandler receives BackpressureHint control messages from the
// peer.
type BackpressureHandler func(model.BackpressureHint)

// Options configures a Client connection.
type Options struct {
	SessionID           string
	ScanDeviceID        string
	FingerprintLower    string
	SigningKey          *ecdsa.PrivateKey
	SigningPubX963      []byte
	PinnedFingerprint   string
	ClientCert          *tls.Certificate
	DialTimeout         time.Duration
	BackpressureHandler BackpressureHandler
}

type bufferedFrame struct {
	seq   int64
	frame []byte
}

// Client is the handshake-gated framed transport connection.
type Client struct {
	conn    net.Conn
	log     *logger.Log
	opts    Options
	session *securechannel.Session

	outboundSeqHighWater int64 // locally tracked high-water mark sent to peer, -1 for new sessions
	peerAckedSeq         int64

	replayOrder []bufferedFrame

	cmds chan func()
	done chan struct{}
}

// Connect dials addr with pinned-leaf TLS, optionally presenting a client
// certificate, drives the secure handshake to completion, and sends the
// initial ResumeCheckpoint.
func Connect(addr string, opts Options, log *logger.Log) (*Client, error) {
	tlsCfg := pki.PinnedClientTLSConfig(opts.PinnedFingerprint, opts.ClientCert)
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindUntrustedEndpoint, err)
	}
	return newClient(conn, opts, log)
}

// newClient wires a Client around an already-established connection: it
// drives the handshake, starts the command/reader goroutines, and sends
// the initial ResumeCheckpoint. Split out from Connect so tests can
// exercise the protocol over an in-memory pipe instead of a real TLS
// dial.
func newClient(conn net.Conn, opts Options, log *logger.Log) (*Client, error) {
	c := &Client{
		conn:                 conn,
		log:                  log,
		opts:                 opts,
		outboundSeqHighWater: -1,
		peerAckedSeq:         -1,
		cmds:                 make(chan func()),
		done:                 make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.runCommands()
	go c.readLoop()

	if err := c.sendResumeCheckpoint(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) handshake() error {
	hs, hello, err := securechannel.BuildHello(c.opts.SessionID, c.opts.ScanDeviceID, c.opts.FingerprintLower, c.opts.SigningKey, c.opts.SigningPubX963)
	if err != nil {
		return err
	}
	helloBytes, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if err := writeOuterFrame(c.conn, outerChannelControl, helloBytes); err != nil {
		return scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}

	channel, payload, err := readOuterFrame(c.conn)
	if err != nil {
		return scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}
	if channel != outerChannelControl {
		return scanerr.New(scanerr.KindHandshakeMismatch, "expected ack on control channel")
	}

	var ack securechannel.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return scanerr.Wrap(scanerr.KindHandshakeMismatch, err)
	}

	session, err := hs.CompleteHandshake(&ack)
	if err != nil {
		return err
	}
	c.session = session
	return nil
}

func (c *Client) sendResumeCheckpoint() error {
	checkpoint := model.ResumeCheckpoint{
		Type:               "ResumeCheckpoint",
		SessionID:          c.opts.SessionID,
		LastAckedSampleSeq: c.outboundSeqHighWater,
		CapturedAtUTC:      time.Now().UTC().Format(time.RFC3339Nano),
		StreamID:           c.opts.ScanDeviceID,
	}
	return c.SendControl(checkpoint)
}

// SendControl serializes value as JSON and sends it as an inner control
// message (channel 0x01) over the encrypted envelope (outer channel
// 0x03).
func (c *Client) SendControl(value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	c.cmds <- func() {
		reply <- c.sealAndWrite(securechannel.ChannelControl, body)
	}
	return <-reply
}

// SendSample emits [env_len u32 BE][env_json][payload] as the inner
// plaintext on channel 0x02, encrypted and sent on outer channel 0x03,
// and buffers the emitted outer frame bytes keyed by envelope.SampleSeq
// for resume replay.
func (c *Client) SendSample(envelope model.Envelope, payload []byte) error {
	envJSON, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	inner := make([]byte, 4+len(envJSON)+len(payload))
	binary.BigEndian.PutUint32(inner[0:4], uint32(len(envJSON)))
	copy(inner[4:], envJSON)
	copy(inner[4+len(envJSON):], payload)

	reply := make(chan error, 1)
	c.cmds <- func() {
		reply <- c.sealBufferAndWrite(envelope.SampleSeq, inner)
	}
	return <-reply
}

func (c *Client) sealAndWrite(ch securechannel.Channel, plaintext []byte) error {
	frame, err := c.session.Seal(ch, plaintext)
	if err != nil {
		return err
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := writeOuterFrame(c.conn, outerChannelEnvelope, body); err != nil {
		return scanerr.Wrap(scanerr.KindTransportClosed, err)
	}
	return nil
}

func (c *Client) sealBufferAndWrite(seq int64, plaintext []byte) error {
	frame, err := c.session.Seal(securechannel.ChannelSample, plaintext)
	if err != nil {
		return err
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	outerFrame := encodeOuterFrame(outerChannelEnvelope, body)
	if err := writeRaw(c.conn, outerFrame); err != nil {
		return scanerr.Wrap(scanerr.KindTransportClosed, err)
	}

	c.bufferFrame(seq, outerFrame)
	if seq > c.outboundSeqHighWater {
		c.outboundSeqHighWater = seq
	}
	return nil
}

// bufferFrame appends the emitted frame, evicting the oldest entry by
// insertion order once the buffer exceeds its 512-entry cap.
func (c *Client) bufferFrame(seq int64, frame []byte) {
	c.replayOrder = append(c.replayOrder, bufferedFrame{seq: seq, frame: frame})
	if len(c.replayOrder) > replayBufferCap {
		c.replayOrder = c.replayOrder[len(c.replayOrder)-replayBufferCap:]
	}
}

// trimAcked removes every buffered frame with seq <= ack.
func (c *Client) trimAcked(ack int64) {
	kept := c.replayOrder[:0]
	for _, bf := range c.replayOrder {
		if bf.seq > ack {
			kept = append(kept, bf)
		}
	}
	c.replayOrder = kept
}

func (c *Client) runCommands() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

func (c *Client) readLoop() {
	for {
		channel, payload, err := readOuterFrame(c.conn)
		if err != nil {
			c.log.EventError("transport.read_failed", c.opts.SessionID, err)
			return
		}

		switch channel {
		case outerChannelEnvelope:
			c.dispatchEnvelope(payload)
		case outerChannelSample:
			c.log.EventError("transport.rejected_inbound_channel", c.opts.SessionID,
				scanerr.New(scanerr.KindTransportClosed, "inbound channel 0x02 is not accepted"))
			c.Close()
			return
		default:
			// Control-channel traffic after handshake is unexpected; ignore.
		}
	}
}

func (c *Client) dispatchEnvelope(payload []byte) {
	var frame securechannel.EncryptedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.log.EventError("transport.envelope_decode_failed", c.opts.SessionID, err)
		return
	}

	reply := make(chan struct{})
	c.cmds <- func() {
		defer close(reply)
		ch, plaintext, ok, err := c.session.Open(&frame)
		if err != nil {
			c.log.EventError("transport.aead_failure", c.opts.SessionID, err)
			c.Close()
			return
		}
		if !ok {
			return // replay, silently dropped
		}
		if ch != securechannel.ChannelControl {
			return
		}
		c.handleControl(plaintext)
	}
	<-reply
}

func (c *Client) handleControl(plaintext []byte) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plaintext, &tag); err != nil {
		return
	}

	switch tag.Type {
	case "ResumeCheckpoint":
		var checkpoint model.ResumeCheckpoint
		if err := json.Unmarshal(plaintext, &checkpoint); err != nil {
			return
		}
		c.handleResumeCheckpoint(checkpoint)
	case "BackpressureHint":
		var hint model.BackpressureHint
		if err := json.Unmarshal(plaintext, &hint); err != nil {
			return
		}
		if c.opts.BackpressureHandler != nil {
			c.opts.BackpressureHandler(hint)
		}
	}
}

func (c *Client) handleResumeCheckpoint(checkpoint model.ResumeCheckpoint) {
	if checkpoint.LastAckedSampleSeq > c.peerAckedSeq {
		c.peerAckedSeq = checkpoint.LastAckedSampleSeq
	}
	c.trimAcked(c.peerAckedSeq)

	if checkpoint.StreamID != "desktop-resume" {
		return
	}

	toRetransmit := make([]bufferedFrame, 0, len(c.replayOrder))
	for _, bf := range c.replayOrder {
		if bf.seq > checkpoint.LastAckedSampleSeq {
			toRetransmit = append(toRetransmit, bf)
		}
	}
	for i := 0; i < len(toRetransmit); i++ {
		for j := i + 1; j < len(toRetransmit); j++ {
			if toRetransmit[j].seq < toRetransmit[i].seq {
				toRetransmit[i], toRetransmit[j] = toRetransmit[j], toRetransmit[i]
			}
		}
	}
	for _, bf := range toRetransmit {
		if err := writeRaw(c.conn, bf.frame); err != nil {
			c.log.EventError("transport.resume_retransmit_failed", c.opts.SessionID, err)
			return
		}
	}
}

// Close tears down the reader loop, cancels the underlying connection,
// and clears secure session state.
func (c *Client) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
	c.session = nil
	c.replayOrder = nil
}

func encodeOuterFrame(channel byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = channel
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

func writeRaw(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

func writeOuterFrame(w io.Writer, channel byte, payload []byte) error {
	return writeRaw(w, encodeOuterFrame(channel, payload))
}

func readOuterFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	channel := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if length > 64<<20 {
		return 0, nil, errors.New("transport: frame length exceeds maximum")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return channel, payload, nil
}
