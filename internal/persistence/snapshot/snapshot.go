// Package snapshot stores session autosaves: a JSON header line followed by a
// CBOR payload, zstd-compressed.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"viiru.dev/internal/project"
)

const Version = 1

type Header struct {
	Version   int    `json:"version" cbor:"version"`
	SessionID string `json:"session_id" cbor:"session_id"`
	Seq       uint64 `json:"seq" cbor:"seq"`
	CreatedMS int64  `json:"created_ms" cbor:"created_ms"`
}

type SnapshotV1 struct {
	Header Header `cbor:"header"`

	EditingTarget string `cbor:"editing_target"`
	CatalogDigest string `cbor:"catalog_digest"`
	Digest        string `cbor:"digest"`

	// ProjectJSON is the encoded project.json; Assets the other archive
	// members.
	ProjectJSON []byte            `cbor:"project_json"`
	Assets      map[string][]byte `cbor:"assets,omitempty"`
}

// New captures p. p must not be mutated while New runs.
func New(h Header, p *project.Project, editingTarget string) (SnapshotV1, error) {
	doc, err := project.Encode(p)
	if err != nil {
		return SnapshotV1{}, err
	}
	h.Version = Version
	return SnapshotV1{
		Header:        h,
		EditingTarget: editingTarget,
		ProjectJSON:   doc,
		Assets:        p.Assets,
	}, nil
}

// Project decodes the captured project.
func (s SnapshotV1) Project() (*project.Project, error) {
	p, err := project.Decode(s.ProjectJSON)
	if err != nil {
		return nil, err
	}
	p.Assets = map[string][]byte{}
	for k, v := range s.Assets {
		p.Assets[k] = v
	}
	return p, nil
}

// WriteSnapshot writes to a temp file and renames it over path.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := cbor.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("cbor encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The header is repeated inside the payload.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if err := cbor.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("cbor decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d unsupported", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}
