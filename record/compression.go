// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used for a session's stream
// files. The manifest stores the string form; the numeric values are
// stable for future binary headers.
type Compression uint8

const (
	// CompressionNone stores streams uncompressed. Right choice when
	// payloads are themselves compressed data.
	CompressionNone Compression = 0

	// CompressionLZ4 favors throughput over ratio; the default for
	// live recording, where the recorder sits on the pump's hot
	// path.
	CompressionLZ4 Compression = 1

	// CompressionZstd favors ratio; use for long-lived archives of
	// text-heavy sessions.
	CompressionZstd Compression = 2
)

// String returns the manifest name of a compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a manifest compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// newCompressor wraps file for writing with the given algorithm. The
// returned closer flushes the compressor but not the file.
func newCompressor(c Compression, file *os.File) (io.Writer, io.Closer, error) {
	switch c {
	case CompressionNone:
		return file, nopCloser{}, nil
	case CompressionLZ4:
		writer := lz4.NewWriter(file)
		return writer, writer, nil
	case CompressionZstd:
		writer, err := zstd.NewWriter(file)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return writer, writer, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression %d", c)
	}
}

// newDecompressor wraps file for reading with the given algorithm.
func newDecompressor(c Compression, file *os.File) (io.Reader, io.Closer, error) {
	switch c {
	case CompressionNone:
		return file, nopCloser{}, nil
	case CompressionLZ4:
		return lz4.NewReader(file), nopCloser{}, nil
	case CompressionZstd:
		reader, err := zstd.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return reader, closerFunc(func() error { reader.Close(); return nil }), nil
	default:
		return nil, nil, fmt.Errorf("unknown compression %d", c)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
