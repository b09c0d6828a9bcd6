// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// maxChunkSize bounds a single recorded chunk. Protocol frames are
// far smaller; a prefix above this means a corrupt or truncated
// stream, not a real record.
const maxChunkSize = 256 << 20

// Replay reads a recorded session.
type Replay struct {
	dir      string
	manifest Manifest
	comp     Compression
}

// Open loads the manifest of a recorded session directory. It fails
// if the manifest is absent — an absent manifest means the session
// never closed cleanly and its streams may be truncated.
func Open(sessionDir string) (*Replay, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading session manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing session manifest: %w", err)
	}

	comp, err := ParseCompression(manifest.Compression)
	if err != nil {
		return nil, fmt.Errorf("session manifest: %w", err)
	}

	return &Replay{dir: sessionDir, manifest: manifest, comp: comp}, nil
}

// Manifest returns the session's manifest.
func (r *Replay) Manifest() Manifest { return r.manifest }

// Inbound opens the recorded inbound stream (bytes the sandbox sent
// to the host).
func (r *Replay) Inbound() (*StreamReader, error) {
	return r.openStream(inboundStreamFile)
}

// Outbound opens the recorded outbound stream (frames the host sent
// to the sandbox).
func (r *Replay) Outbound() (*StreamReader, error) {
	return r.openStream(outboundStreamFile)
}

func (r *Replay) openStream(name string) (*StreamReader, error) {
	file, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	reader, closer, err := newDecompressor(r.comp, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &StreamReader{file: file, closer: closer, reader: reader}, nil
}

// Verify re-reads both streams and checks chunk counts, byte counts,
// and BLAKE3 digests against the manifest.
func (r *Replay) Verify() error {
	if err := r.verifyStream(inboundStreamFile, r.manifest.Inbound, r.Inbound); err != nil {
		return fmt.Errorf("inbound: %w", err)
	}
	if err := r.verifyStream(outboundStreamFile, r.manifest.Outbound, r.Outbound); err != nil {
		return fmt.Errorf("outbound: %w", err)
	}
	return nil
}

func (r *Replay) verifyStream(name string, want StreamInfo, open func() (*StreamReader, error)) error {
	stream, err := open()
	if err != nil {
		return err
	}
	defer stream.Close()

	hasher := blake3.New()
	var chunks, rawBytes uint64
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		hasher.Write(chunk)
		chunks++
		rawBytes += uint64(len(chunk))
	}

	if chunks != want.Chunks {
		return fmt.Errorf("chunk count %d, manifest says %d", chunks, want.Chunks)
	}
	if rawBytes != want.RawBytes {
		return fmt.Errorf("raw byte count %d, manifest says %d", rawBytes, want.RawBytes)
	}
	if digest := hex.EncodeToString(hasher.Sum(nil)); digest != want.Digest {
		return fmt.Errorf("digest %s, manifest says %s", digest, want.Digest)
	}
	return nil
}

// StreamReader iterates the length-prefixed chunks of one recorded
// stream.
type StreamReader struct {
	file   *os.File
	closer io.Closer
	reader io.Reader
}

// Next returns the next recorded chunk, or io.EOF at a clean end of
// stream. A stream ending inside a chunk yields io.ErrUnexpectedEOF.
func (s *StreamReader) Next() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(s.reader, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated chunk prefix: %w", err)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds limit, stream corrupt", size)
	}

	chunk := make([]byte, size)
	if _, err := io.ReadFull(s.reader, chunk); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated chunk: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return chunk, nil
}

// Bytes reads the remaining chunks and returns their payloads
// concatenated — the raw protocol byte stream.
func (s *StreamReader) Bytes() ([]byte, error) {
	var all []byte
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
}

// Close releases the stream.
func (s *StreamReader) Close() error {
	closerErr := s.closer.Close()
	fileErr := s.file.Close()
	if closerErr != nil {
		return closerErr
	}
	return fileErr
}
