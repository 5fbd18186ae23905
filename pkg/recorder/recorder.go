// Package recorder implements the content-addressed, append-only session
// package: a directory of deduplicated blobs, a newline-delimited sample
// log, a manifest, and an integrity digest over both. Like the store
// packages it is a single-writer actor — one goroutine owns the session
// directory for its entire lifetime, so concurrent Record calls from the
// capture pipeline never race on the log file or the blob directory.
package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"scan/pkg/logger"
	"scan/pkg/model"
	"scan/pkg/scanerr"
	"strconv"
	"time"
)

const (
	manifestSchemaVersion = "1"
	producerVersion       = "provinode.scan.recorder.v1"
	exportSuffix          = ".roomcapture"
)

// Recorder is the session package actor.
type Recorder struct {
	dir            string
	sessionID      string
	sourceDeviceID string
	startAt        time.Time
	log            *logger.Log

	sampleCount int64
	blobHashes  map[string]string // "blobs/sha256/<hex>" -> hex
	endAt       time.Time

	cmds chan func()
	done chan struct{}
}

// New initializes the session directory (blobs/sha256/ and an empty
// samples.log) and starts the recorder's goroutine.
func New(root, sessionID, sourceDeviceID string, log *logger.Log) (*Recorder, error) {
	dir := filepath.Join(root, sessionID)
	blobsDir := filepath.Join(dir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}

	logPath := filepath.Join(dir, "samples.log")
	if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}
		f.Close()
	} else if err != nil {
		return nil, scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}

	r := &Recorder{
		dir:            dir,
		sessionID:      sessionID,
		sourceDeviceID: sourceDeviceID,
		startAt:        time.Now().UTC(),
		log:            log,
		blobHashes:     map[string]string{},
		cmds:           make(chan func()),
		done:           make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Dir returns the session directory path.
func (r *Recorder) Dir() string { return r.dir }

func (r *Recorder) run() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.cmds:
			fn()
		}
	}
}

func (r *Recorder) do(fn func() error) error {
	reply := make(chan error, 1)
	r.cmds <- func() { reply <- fn() }
	return <-reply
}

// Record hashes payload, checks it against envelope.HashSHA256, writes the
// blob if it isn't already on disk, and appends a log line for it.
func (r *Recorder) Record(envelope model.Envelope, payload []byte) error {
	return r.do(func() error {
		sum := sha256.Sum256(payload)
		gotHash := hex.EncodeToString(sum[:])
		if gotHash != envelope.HashSHA256 {
			return scanerr.New(scanerr.KindPayloadHashMismatch, "payload sha256 does not match envelope hash_sha256")
		}

		blobRelPath := filepath.Join("blobs", "sha256", envelope.HashSHA256)
		if _, ok := r.blobHashes[blobRelPath]; !ok {
			if err := r.writeBlobIfAbsent(envelope.HashSHA256, payload); err != nil {
				return err
			}
			r.blobHashes[blobRelPath] = envelope.HashSHA256
		}

		line := map[string]any{
			"sample_seq":      envelope.SampleSeq,
			"sample_kind":     envelope.SampleKind,
			"capture_time_ns": envelope.CaptureTimeNs,
			"hash_sha256":     envelope.HashSHA256,
			"blob_path":       blobRelPath,
			"byte_size":       len(payload),
		}
		if err := r.appendLogLine(line); err != nil {
			return err
		}

		r.sampleCount++
		r.endAt = time.Now().UTC()
		return nil
	})
}

func (r *Recorder) writeBlobIfAbsent(hash string, payload []byte) error {
	path := filepath.Join(r.dir, "blobs", "sha256", hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}
	if err := atomicWrite(path, payload); err != nil {
		return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}
	return nil
}

func (r *Recorder) appendLogLine(line map[string]any) error {
	body, err := json.Marshal(line)
	if err != nil {
		return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}
	f, err := os.OpenFile(filepath.Join(r.dir, "samples.log"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}
	defer f.Close()
	if _, err := f.Write(append(body, '\n')); err != nil {
		return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
	}
	return nil
}

// Finalize merges the minimum metadata set with extraMetadata (caller
// keys override), writes session.manifest.json and integrity.json, and
// returns the session directory path.
func (r *Recorder) Finalize(extraMetadata map[string]string) (string, error) {
	var dir string
	err := r.do(func() error {
		metadata := map[string]string{
			"room.session_id":        r.sessionID,
			"schema_version":         manifestSchemaVersion,
			"source_device_id":       r.sourceDeviceID,
			"capture_started_at_utc": r.startAt.Format(time.RFC3339Nano),
		}
		for k, v := range extraMetadata {
			metadata[k] = v
		}

		endAt := r.endAt
		if endAt.IsZero() {
			endAt = r.startAt
		}

		manifest := map[string]any{
			"producer_version": producerVersion,
			"sample_count":     r.sampleCount,
			"blob_count":       len(r.blobHashes),
			"start_at_utc":     r.startAt.Format(time.RFC3339Nano),
			"end_at_utc":       endAt.Format(time.RFC3339Nano),
			"metadata":         metadata,
		}
		manifestBody, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}
		manifestPath := filepath.Join(r.dir, "session.manifest.json")
		if err := atomicWrite(manifestPath, manifestBody); err != nil {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}

		logBody, err := os.ReadFile(filepath.Join(r.dir, "samples.log"))
		if err != nil {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}

		manifestSum := sha256.Sum256(manifestBody)
		logSum := sha256.Sum256(logBody)
		provenanceSum := sha256.Sum256([]byte(
			r.sessionID + ":" + strconv.FormatInt(r.sampleCount, 10) + ":" + strconv.Itoa(len(r.blobHashes)),
		))

		blobHashesCopy := make(map[string]string, len(r.blobHashes))
		for path, hash := range r.blobHashes {
			blobHashesCopy[path] = hash
		}

		integrity := map[string]any{
			"manifest_sha256":    hex.EncodeToString(manifestSum[:]),
			"samples_log_sha256": hex.EncodeToString(logSum[:]),
			"blob_hashes":        blobHashesCopy,
			"provenance_digest":  hex.EncodeToString(provenanceSum[:]),
		}
		integrityBody, err := json.MarshalIndent(integrity, "", "  ")
		if err != nil {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}
		if err := atomicWrite(filepath.Join(r.dir, "integrity.json"), integrityBody); err != nil {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}

		dir = r.dir
		r.log.Event("recorder.finalized", r.sessionID, "sample_count", r.sampleCount, "blob_count", len(r.blobHashes))
		return nil
	})
	return dir, err
}

// Export produces a sibling directory "<session_id>.roomcapture" under
// destinationRoot (defaulting to the session directory's parent) that is
// a byte-identical copy of the session directory, overwriting any
// existing export by removing it first.
func (r *Recorder) Export(destinationRoot string) (string, error) {
	var out string
	err := r.do(func() error {
		root := destinationRoot
		if root == "" {
			root = filepath.Dir(r.dir)
		}
		dest := filepath.Join(root, r.sessionID+exportSuffix)

		if _, err := os.Stat(dest); err == nil {
			if err := os.RemoveAll(dest); err != nil {
				return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}

		if err := copyTree(r.dir, dest); err != nil {
			return scanerr.Wrap(scanerr.KindRecorderIoFailure, err)
		}
		out = dest
		return nil
	})
	return out, err
}

// Close stops the recorder's goroutine. It does not finalize.
func (r *Recorder) Close() {
	close(r.done)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".recorder-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
