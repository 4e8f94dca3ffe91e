// Package artifact reads and writes the per-iteration cache files.
//
// Every cached artifact is a versioned envelope:
//
//	"ALAR" | uvarint(len(header)) | header JSON | gzip(payload)
//
// The header names a schema and records the cache key the payload was built
// for, so a reader can tell a stale or incompatible artifact from a valid one
// without decoding the payload.
package artifact

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// #region errors

var (
	// ErrSchemaMismatch means the artifact was written under another schema.
	ErrSchemaMismatch = errors.New("artifact schema mismatch")

	// ErrCorrupt means the envelope could not be parsed.
	ErrCorrupt = errors.New("artifact corrupt")
)

// #endregion errors

const magic = "ALAR"

const maxHeaderLen = 1 << 20

// #region header

// Header describes an artifact payload.
type Header struct {
	Schema    string          `json:"schema"`
	Key       json.RawMessage `json:"key,omitempty"`
	Shape     []int           `json:"shape,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// KeyMatches reports whether the recorded key equals want once both are
// marshaled to canonical JSON.
func (h Header) KeyMatches(want any) bool {
	b, err := json.Marshal(want)
	if err != nil {
		return false
	}
	var got, exp any
	if json.Unmarshal(h.Key, &got) != nil || json.Unmarshal(b, &exp) != nil {
		return false
	}
	gb, _ := json.Marshal(got)
	eb, _ := json.Marshal(exp)
	return bytes.Equal(gb, eb)
}

// NewHeader builds a header for schema with key marshaled as JSON.
func NewHeader(schema string, key any, shape ...int) (Header, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return Header{}, fmt.Errorf("marshal key: %w", err)
	}
	return Header{Schema: schema, Key: raw, Shape: shape, CreatedAt: time.Now().UTC()}, nil
}

// #endregion header

// #region encode

// Encode writes an envelope to w.
func Encode(w io.Writer, h Header, payload []byte) error {
	hdr, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(hdr)))

	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return fmt.Errorf("compress payload: %w", err)
	}
	return zw.Close()
}

// Decode reads an envelope and checks its schema.
func Decode(r io.Reader, wantSchema string) (Header, []byte, error) {
	br := bufio.NewReader(r)
	m := make([]byte, len(magic))
	if _, err := io.ReadFull(br, m); err != nil || string(m) != magic {
		return Header{}, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	hlen, err := binary.ReadUvarint(br)
	if err != nil || hlen > maxHeaderLen {
		return Header{}, nil, fmt.Errorf("%w: bad header length", ErrCorrupt)
	}
	raw := make([]byte, hlen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return Header{}, nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if h.Schema != wantSchema {
		return h, nil, fmt.Errorf("%w: have %q, want %q", ErrSchemaMismatch, h.Schema, wantSchema)
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return h, nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return h, nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	return h, payload, nil
}

// #endregion encode

// #region files

// WriteFile atomically writes an envelope to path.
func WriteFile(path string, h Header, payload []byte) error {
	var buf bytes.Buffer
	if err := Encode(&buf, h, payload); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// ReadFile reads an envelope from path. A missing file returns an error
// matching fs.ErrNotExist.
func ReadFile(path, wantSchema string) (Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return Decode(f, wantSchema)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	success = true
	return nil
}

// WriteJSON atomically writes v as JSON.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// #endregion files

// #region float-encoding

// EncodeFloat32s packs v as little-endian float32.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s unpacks little-endian float32. Trailing bytes are an error.
func DecodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: float32 payload length %d", ErrCorrupt, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// #endregion float-encoding
