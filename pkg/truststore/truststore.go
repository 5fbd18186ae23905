// Package truststore persists the map from peer device id to trust
// record. Like pkg/identitystore it is a single-writer actor: every
// public method is a request/reply round trip through the store's
// command channel, so the encrypted document on disk never sees two
// concurrent writers.
package truststore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"scan/pkg/model"
	"scan/pkg/scanerr"
	"sort"
)

const formatTag = "provinode.scan.trust.v1"
const keyInfo = "scan-device:trust-store:v1"

// document is the on-disk encrypted container.
type document struct {
	Format    string `json:"format"`
	BlobB64   string `json:"blob_b64"`
}

// sealed is the JSON payload encrypted inside the document's blob.
type sealed struct {
	Records map[string]model.TrustRecord `json:"records"`
}

type req struct {
	op       string
	record   model.TrustRecord
	deviceID string
	reply    chan reply
}

type reply struct {
	record  *model.TrustRecord
	records []model.TrustRecord
	err     error
}

// Store is the trust store actor.
type Store struct {
	storePath string
	keyPath   string
	cmds      chan req
	done      chan struct{}
}

// New loads (or creates) the trust store document at storePath, and its
// sibling random key file at keyPath.
func New(storePath, keyPath string) (*Store, error) {
	s := &Store{storePath: storePath, keyPath: keyPath, cmds: make(chan req), done: make(chan struct{})}

	if _, err := s.loadKeyOrCreate(); err != nil {
		return nil, err
	}
	if _, err := s.loadRecords(); err != nil {
		return nil, err
	}

	go s.run()
	return s, nil
}

// Close stops the store's goroutine.
func (s *Store) Close() {
	close(s.done)
}

func (s *Store) run() {
	for {
		select {
		case <-s.done:
			return
		case r := <-s.cmds:
			switch r.op {
			case "upsert":
				err := s.upsertSync(r.record)
				r.reply <- reply{err: err}
			case "trustedPeer":
				rec, err := s.trustedPeerSync(r.deviceID)
				r.reply <- reply{record: rec, err: err}
			case "all":
				recs, err := s.allSync()
				r.reply <- reply{records: recs, err: err}
			}
		}
	}
}

// Upsert persists record, replacing any existing entry for its
// PeerDeviceID.
func (s *Store) Upsert(record model.TrustRecord) error {
	r := s.send(req{op: "upsert", record: record})
	return r.err
}

// TrustedPeer returns the trust record for deviceID, if any.
func (s *Store) TrustedPeer(deviceID string) (*model.TrustRecord, error) {
	r := s.send(req{op: "trustedPeer", deviceID: deviceID})
	return r.record, r.err
}

// All returns every trust record, sorted by PeerDeviceID.
func (s *Store) All() ([]model.TrustRecord, error) {
	r := s.send(req{op: "all"})
	return r.records, r.err
}

func (s *Store) send(r req) reply {
	r.reply = make(chan reply, 1)
	s.cmds <- r
	return <-r.reply
}

func (s *Store) loadKeyOrCreate() ([]byte, error) {
	key, err := os.ReadFile(filepath.Clean(s.keyPath))
	if errors.Is(err, os.ErrNotExist) {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(s.keyPath), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(s.keyPath, key, 0o600); err != nil {
			return nil, err
		}
		return key, nil
	}
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	if len(key) != 32 {
		return nil, scanerr.New(scanerr.KindTrustStoreCorrupt, "trust store key file is not 32 bytes")
	}
	return key, nil
}

// loadRecords reads the store document, migrating a legacy plaintext
// file (one with no "format" tag) to the encrypted format on the spot.
func (s *Store) loadRecords() (map[string]model.TrustRecord, error) {
	raw, err := os.ReadFile(filepath.Clean(s.storePath))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]model.TrustRecord{}, nil
	}
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Format == formatTag {
		sd, err := s.decrypt(doc)
		if err != nil {
			return nil, err
		}
		return sd.Records, nil
	}

	// Legacy plaintext: the whole file is a records map.
	var legacy sealed
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	if legacy.Records == nil {
		legacy.Records = map[string]model.TrustRecord{}
	}
	if err := s.writeRecords(legacy.Records); err != nil {
		return nil, err
	}
	return legacy.Records, nil
}

func (s *Store) upsertSync(record model.TrustRecord) error {
	records, err := s.loadRecords()
	if err != nil {
		return err
	}
	records[record.PeerDeviceID] = record
	return s.writeRecords(records)
}

func (s *Store) trustedPeerSync(deviceID string) (*model.TrustRecord, error) {
	records, err := s.loadRecords()
	if err != nil {
		return nil, err
	}
	rec, ok := records[deviceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) allSync() ([]model.TrustRecord, error) {
	records, err := s.loadRecords()
	if err != nil {
		return nil, err
	}
	out := make([]model.TrustRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerDeviceID < out[j].PeerDeviceID })
	return out, nil
}

func (s *Store) writeRecords(records map[string]model.TrustRecord) error {
	key, err := s.loadKeyOrCreate()
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(sealed{Records: records})
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := gcm.Seal(nil, nonce, plaintext, []byte(keyInfo))
	combined := append(append([]byte{}, nonce...), ct...)

	doc := document{Format: formatTag, BlobB64: base64.StdEncoding.EncodeToString(combined)}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".truststore-*.tmp")
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
	return os.Rename(tmpName, s.storePath)
}

func (s *Store) decrypt(doc document) (*sealed, error) {
	key, err := s.loadKeyOrCreate()
	if err != nil {
		return nil, err
	}
	combined, err := base64.StdEncoding.DecodeString(doc.BlobB64)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	if len(combined) < gcm.NonceSize() {
		return nil, scanerr.New(scanerr.KindTrustStoreCorrupt, "trust store blob too short")
	}
	nonce, ct := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, []byte(keyInfo))
	if err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	var sd sealed
	if err := json.Unmarshal(plaintext, &sd); err != nil {
		return nil, scanerr.Wrap(scanerr.KindTrustStoreCorrupt, err)
	}
	if sd.Records == nil {
		sd.Records = map[string]model.TrustRecord{}
	}
	return &sd, nil
}
