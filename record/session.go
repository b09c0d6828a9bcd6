// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/enclave/lib/clock"
)

// Stream file and manifest names inside a session directory.
const (
	inboundStreamFile  = "inbound.stream"
	outboundStreamFile = "outbound.stream"
	manifestFile       = "manifest.json"
)

// Manifest describes a completed session record. Written once, on
// clean session close; its absence marks an incomplete record.
type Manifest struct {
	// SessionID is the directory name, a UUID.
	SessionID string `json:"session_id"`

	// CreatedAt is when recording started.
	CreatedAt time.Time `json:"created_at"`

	// Compression names the stream file algorithm.
	Compression string `json:"compression"`

	// Inbound and Outbound summarize the two stream files.
	Inbound  StreamInfo `json:"inbound"`
	Outbound StreamInfo `json:"outbound"`
}

// StreamInfo summarizes one stream file.
type StreamInfo struct {
	// Chunks is the number of length-prefixed records.
	Chunks uint64 `json:"chunks"`

	// RawBytes is the total payload size, excluding prefixes and
	// before compression.
	RawBytes uint64 `json:"raw_bytes"`

	// Digest is the hex BLAKE3 hash of the concatenated payloads —
	// equivalently, of the protocol byte stream itself.
	Digest string `json:"digest"`
}

// SessionOptions configures NewSession. The zero value records
// uncompressed with a discard logger.
type SessionOptions struct {
	Compression Compression
	Logger      *slog.Logger
	Clock       clock.Clock
}

// Session records one sandbox session. It implements the pump's
// Recorder hook; both record methods are safe for concurrent use and
// never return errors to the caller.
type Session struct {
	dir      string
	id       string
	created  time.Time
	comp     Compression
	logger   *slog.Logger
	inbound  *streamWriter
	outbound *streamWriter

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session directory under baseDir and opens its
// stream files. The directory is named by a fresh UUID so concurrent
// sandboxes recording into the same base directory never collide.
func NewSession(baseDir string, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	id := uuid.NewString()
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	inbound, err := newStreamWriter(filepath.Join(dir, inboundStreamFile), opts.Compression, logger)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	outbound, err := newStreamWriter(filepath.Join(dir, outboundStreamFile), opts.Compression, logger)
	if err != nil {
		inbound.close()
		os.RemoveAll(dir)
		return nil, err
	}

	logger.Info("session recording started", "session", id, "dir", dir, "compression", opts.Compression.String())

	return &Session{
		dir:      dir,
		id:       id,
		created:  clk.Now(),
		comp:     opts.Compression,
		logger:   logger,
		inbound:  inbound,
		outbound: outbound,
	}, nil
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Dir returns the session directory path.
func (s *Session) Dir() string { return s.dir }

// RecordInbound appends one inbound chunk.
func (s *Session) RecordInbound(chunk []byte) { s.inbound.append(chunk) }

// RecordOutbound appends one outbound frame buffer.
func (s *Session) RecordOutbound(frame []byte) { s.outbound.append(frame) }

// Close flushes both streams and writes the manifest. If either
// stream saw a write failure, the manifest is withheld and Close
// reports why: a record missing bytes must not look complete.
// Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		inboundInfo, inboundErr := s.inbound.finish()
		outboundInfo, outboundErr := s.outbound.finish()
		if inboundErr != nil {
			s.closeErr = fmt.Errorf("inbound stream: %w", inboundErr)
			return
		}
		if outboundErr != nil {
			s.closeErr = fmt.Errorf("outbound stream: %w", outboundErr)
			return
		}

		manifest := Manifest{
			SessionID:   s.id,
			CreatedAt:   s.created,
			Compression: s.comp.String(),
			Inbound:     inboundInfo,
			Outbound:    outboundInfo,
		}
		if err := writeManifest(filepath.Join(s.dir, manifestFile), manifest); err != nil {
			s.closeErr = err
			return
		}
		s.logger.Info("session recording closed",
			"session", s.id,
			"inbound_bytes", inboundInfo.RawBytes,
			"outbound_bytes", outboundInfo.RawBytes,
		)
	})
	return s.closeErr
}

// streamWriter appends length-prefixed chunks to one stream file,
// hashing payloads as they pass. A write failure is sticky: the
// stream logs it once, drops all further chunks, and reports the
// failure at finish.
type streamWriter struct {
	mu       sync.Mutex
	file     *os.File
	closer   interface{ Close() error }
	writer   interface{ Write([]byte) (int, error) }
	hasher   *blake3.Hasher
	chunks   uint64
	rawBytes uint64
	err      error
	logger   *slog.Logger
}

func newStreamWriter(path string, comp Compression, logger *slog.Logger) (*streamWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating stream file: %w", err)
	}
	writer, closer, err := newCompressor(comp, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &streamWriter{
		file:   file,
		closer: closer,
		writer: writer,
		hasher: blake3.New(),
		logger: logger,
	}, nil
}

func (w *streamWriter) append(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil || w.file == nil {
		return
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(chunk)))
	if _, err := w.writer.Write(prefix[:]); err != nil {
		w.fail(err)
		return
	}
	if _, err := w.writer.Write(chunk); err != nil {
		w.fail(err)
		return
	}

	w.hasher.Write(chunk)
	w.chunks++
	w.rawBytes += uint64(len(chunk))
}

// fail records the first error. Caller holds the lock.
func (w *streamWriter) fail(err error) {
	w.err = err
	w.logger.Error("session stream write failed; recording stopped", "file", w.file.Name(), "error", err)
}

// finish flushes and closes the stream, returning its summary or the
// sticky error.
func (w *streamWriter) finish() (StreamInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return StreamInfo{}, nil
	}
	closeErr := w.closer.Close()
	fileErr := w.file.Close()
	w.file = nil

	if w.err != nil {
		return StreamInfo{}, w.err
	}
	if closeErr != nil {
		return StreamInfo{}, fmt.Errorf("flushing stream: %w", closeErr)
	}
	if fileErr != nil {
		return StreamInfo{}, fmt.Errorf("closing stream file: %w", fileErr)
	}

	return StreamInfo{
		Chunks:   w.chunks,
		RawBytes: w.rawBytes,
		Digest:   hex.EncodeToString(w.hasher.Sum(nil)),
	}, nil
}

// close releases the stream without producing a summary. Used on
// session construction failure.
func (w *streamWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.closer.Close()
		w.file.Close()
		w.file = nil
	}
}

// writeManifest writes the manifest atomically: temporary file,
// fsync, rename. Readers never see a partial manifest, and a crash
// mid-write leaves only the recognizably incomplete temporary.
func writeManifest(path string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary manifest: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary manifest: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary manifest: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming manifest into place: %w", err)
	}
	return nil
}
