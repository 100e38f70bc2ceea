package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"driftdb/src/dberr"
	"driftdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/unix"
)

// On-disk layout of a snapshot file:
//   [0:4]  magic "DRFT"
//   [4:8]  format version, little endian
//   [8]    encryption flag (formatVersionCurrent only)
//   [9:]   BSON payload, sealed when the flag says so
const (
	formatVersionLegacy  = 1
	formatVersionCurrent = 2

	encFlagNone     = 0
	encFlagChaCha20 = 1
)

var snapshotMagic = []byte("DRFT")

type snapshotRecord struct {
	Key        string `bson:"key"`
	Flags      int32  `bson:"flags"`
	Body       []byte `bson:"body"`
	Sequence   int64  `bson:"sequence"`
	Expiration int64  `bson:"expiration"`
}

type snapshotStore struct {
	Name         string           `bson:"name"`
	NoSequences  bool             `bson:"noSequences"`
	LastSequence int64            `bson:"lastSequence"`
	Records      []snapshotRecord `bson:"records"`
}

type snapshotFile struct {
	Stores []snapshotStore `bson:"stores"`
}

func sealPayload(key, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return append(nonce, aead.Seal(nil, nonce, plain, nil)...), nil
}

func openPayload(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, dberr.New(dberr.LiteDomain, dberr.WrongFormat, "encrypted payload truncated")
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, dberr.New(dberr.LiteDomain, dberr.WrongFormat, "cannot decrypt data file with the configured key")
	}
	return plain, nil
}

// loadSnapshot memory-maps a snapshot file and decodes its key-stores.
func loadSnapshot(path string, key []byte) (map[string]*keyStoreData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening data file %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats for %s: %w", path, err)
	}
	size := int(stat.Size())
	if size == 0 {
		return make(map[string]*keyStoreData), nil
	}
	if size < 8 {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.WrongFormat, "data file %s is truncated", path)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to memory map data file %s: %w", path, err)
	}
	defer unix.Munmap(data)

	if !bytes.Equal(data[:4], snapshotMagic) {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.WrongFormat, "%s is not a database file", path)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	switch {
	case version == formatVersionLegacy:
		return nil, dberr.Newf(dberr.LiteDomain, dberr.DatabaseTooOld,
			"data file %s uses obsolete format version %d", path, version)
	case version > formatVersionCurrent:
		return nil, dberr.Newf(dberr.LiteDomain, dberr.WrongFormat,
			"data file %s uses unknown format version %d", path, version)
	}

	if size < 9 {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.WrongFormat, "data file %s is truncated", path)
	}
	payload := data[9:]
	switch data[8] {
	case encFlagNone:
	case encFlagChaCha20:
		if key == nil {
			return nil, dberr.Newf(dberr.LiteDomain, dberr.WrongFormat,
				"data file %s is encrypted and no key was given", path)
		}
		payload, err = openPayload(key, payload)
		if err != nil {
			return nil, err
		}
	default:
		return nil, dberr.Newf(dberr.LiteDomain, dberr.UnsupportedEncryption,
			"data file %s uses unsupported encryption %d", path, data[8])
	}

	return decodeStores(payload)
}

func decodeStores(payload []byte) (map[string]*keyStoreData, error) {
	var snap snapshotFile
	if err := bson.Unmarshal(payload, &snap); err != nil {
		return nil, dberr.Wrap(err, dberr.FleeceDomain, dberr.WrongFormat, "cannot decode data file payload")
	}
	stores := make(map[string]*keyStoreData, len(snap.Stores))
	for _, s := range snap.Stores {
		data := &keyStoreData{
			name:         s.Name,
			noSequences:  s.NoSequences,
			lastSequence: uint64(s.LastSequence),
			recs:         make(map[string]models.Record, len(s.Records)),
		}
		for _, r := range s.Records {
			data.recs[r.Key] = models.Record{
				Key:        r.Key,
				Flags:      models.RecordFlags(r.Flags),
				Body:       r.Body,
				Sequence:   uint64(r.Sequence),
				Expiration: r.Expiration,
			}
		}
		stores[s.Name] = data
	}
	return stores, nil
}

func encodeStores(stores map[string]*keyStoreData) ([]byte, error) {
	snap := snapshotFile{}
	for _, data := range stores {
		s := snapshotStore{
			Name:         data.name,
			NoSequences:  data.noSequences,
			LastSequence: int64(data.lastSequence),
		}
		for _, rec := range data.recs {
			s.Records = append(s.Records, snapshotRecord{
				Key:        rec.Key,
				Flags:      int32(rec.Flags),
				Body:       rec.Body,
				Sequence:   int64(rec.Sequence),
				Expiration: rec.Expiration,
			})
		}
		snap.Stores = append(snap.Stores, s)
	}
	encoded, err := bson.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("error encoding snapshot payload: %w", err)
	}
	return encoded, nil
}

// writeSnapshot writes a complete snapshot atomically (temp file + rename).
func writeSnapshot(path string, key []byte, stores map[string]*keyStoreData) error {
	payload, err := encodeStores(stores)
	if err != nil {
		return err
	}

	flag := byte(encFlagNone)
	if key != nil {
		flag = encFlagChaCha20
		payload, err = sealPayload(key, payload)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, 0, 9+len(payload))
	buf = append(buf, snapshotMagic...)
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], formatVersionCurrent)
	buf = append(buf, version[:]...)
	buf = append(buf, flag)
	buf = append(buf, payload...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("error writing snapshot file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error replacing snapshot file %s: %w", path, err)
	}
	return nil
}

// upgradeLegacySnapshot rewrites a version-1 file (magic, version, plain BSON
// payload) into the current format, sealing it when a key is configured.
func upgradeLegacySnapshot(path string, key []byte) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading data file %s: %w", path, err)
	}
	if len(raw) < 8 || !bytes.Equal(raw[:4], snapshotMagic) {
		return dberr.Newf(dberr.LiteDomain, dberr.WrongFormat, "%s is not a database file", path)
	}
	if binary.LittleEndian.Uint32(raw[4:8]) != formatVersionLegacy {
		return dberr.Newf(dberr.LiteDomain, dberr.WrongFormat,
			"data file %s is not in the legacy format", path)
	}
	stores, err := decodeStores(raw[8:])
	if err != nil {
		return err
	}
	return writeSnapshot(path, key, stores)
}
