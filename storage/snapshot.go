package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/snappy"
	"github.com/rs/zerolog"

	"github.com/waspdb/waspdb/types"
)

// SnapshotMagic identifies a valid snapshot file.
var SnapshotMagic = [4]byte{'N', 'X', 'L', '1'}

// SnapshotCurrentVersion is the highest snapshot body version this
// implementation understands.
const SnapshotCurrentVersion uint32 = 1

// IndexDescriptor names one registered index, persisted in a Snapshot so
// restore can rebuild the IndexManager.
type IndexDescriptor struct {
	Field string
	Kind  types.IndexKind
}

// Snapshot is the decoded body of a checkpoint file: the operation log
// replayed so far, plus the set of indexes each collection had defined.
type Snapshot struct {
	Version    uint32
	Operations []types.Operation
	Indexes    map[string][]IndexDescriptor
}

// encodeBody serializes the snapshot body (everything after magic+version).
func (s *Snapshot) encodeBody() []byte {
	buf := make([]byte, 0, 1024)
	var tmp [4]byte

	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s.Operations)))
	buf = append(buf, tmp[:]...)
	for _, op := range s.Operations {
		opBytes := encodeOperation(op)
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(opBytes)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, opBytes...)
	}

	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s.Indexes)))
	buf = append(buf, tmp[:]...)
	for coll, descs := range s.Indexes {
		buf = appendLenString(buf, coll)
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(descs)))
		buf = append(buf, tmp[:]...)
		for _, d := range descs {
			buf = appendLenString(buf, d.Field)
			buf = append(buf, byte(d.Kind))
		}
	}
	return buf
}

func decodeSnapshotBody(data []byte) (*Snapshot, error) {
	s := &Snapshot{Indexes: make(map[string][]IndexDescriptor)}
	off := 0
	if len(data) < 4 {
		return nil, ErrInvalidSnapshot
	}
	nOps := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	for i := 0; i < nOps; i++ {
		if len(data) < off+4 {
			return nil, ErrInvalidSnapshot
		}
		opLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if len(data) < off+opLen {
			return nil, ErrInvalidSnapshot
		}
		op, err := decodeOperation(data[off : off+opLen])
		if err != nil {
			return nil, fmt.Errorf("storage: decode snapshot operation: %w", err)
		}
		s.Operations = append(s.Operations, op)
		off += opLen
	}

	if len(data) < off+4 {
		return nil, ErrInvalidSnapshot
	}
	nColls := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	for i := 0; i < nColls; i++ {
		coll, n, err := readLenString(data[off:])
		if err != nil {
			return nil, ErrInvalidSnapshot
		}
		off += n
		if len(data) < off+4 {
			return nil, ErrInvalidSnapshot
		}
		nDescs := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		descs := make([]IndexDescriptor, nDescs)
		for j := 0; j < nDescs; j++ {
			field, n, err := readLenString(data[off:])
			if err != nil {
				return nil, ErrInvalidSnapshot
			}
			off += n
			if len(data) < off+1 {
				return nil, ErrInvalidSnapshot
			}
			descs[j] = IndexDescriptor{Field: field, Kind: types.IndexKind(data[off])}
			off++
		}
		s.Indexes[coll] = descs
	}
	return s, nil
}

// EncodeSnapshotFile frames a Snapshot as magic + version + snappy-
// compressed body (SPEC_FULL.md §4.7).
func EncodeSnapshotFile(s *Snapshot) []byte {
	body := s.encodeBody()
	compressed := snappy.Encode(nil, body)

	buf := make([]byte, 0, 8+len(compressed))
	buf = append(buf, SnapshotMagic[:]...)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], s.Version)
	buf = append(buf, v[:]...)
	buf = append(buf, compressed...)
	return buf
}

// DecodeSnapshotFromBytes parses a snapshot file buffer, rejecting a bad
// magic with ErrInvalidSnapshot and a version newer than
// SnapshotCurrentVersion with ErrUnsupportedSnapshotVersion.
func DecodeSnapshotFromBytes(data []byte) (*Snapshot, error) {
	if len(data) < 8 {
		return nil, ErrInvalidSnapshot
	}
	if !bytes.Equal(data[0:4], SnapshotMagic[:]) {
		return nil, ErrInvalidSnapshot
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version > SnapshotCurrentVersion {
		return nil, ErrUnsupportedSnapshotVersion
	}

	body, err := snappy.Decode(nil, data[8:])
	if err != nil {
		return nil, fmt.Errorf("storage: decompress snapshot body: %w", err)
	}
	s, err := decodeSnapshotBody(body)
	if err != nil {
		return nil, err
	}
	s.Version = version
	return s, nil
}

// WriteSnapshotAtomic writes a Snapshot to path using write-to-temp then
// rename, so readers never observe a partial file. The temp file is
// fsynced before the rename.
func WriteSnapshotAtomic(path string, s *Snapshot, log zerolog.Logger) error {
	data := EncodeSnapshotFile(s)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("storage: write snapshot temp file: %w", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("storage: write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename snapshot into place: %w", err)
	}
	log.Debug().Str("path", path).Int("ops", len(s.Operations)).Msg("snapshot published")
	return nil
}

// ReadSnapshot loads and decodes a snapshot file from disk.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read snapshot file: %w", err)
	}
	return DecodeSnapshotFromBytes(data)
}

// SnapshotPath derives the `name.db` file path for a database directory
// and name, per SPEC_FULL.md §6.
func SnapshotPath(dir, name string) string {
	return filepath.Join(dir, name+".db")
}
