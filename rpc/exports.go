// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/enclave/lib/codec"
)

// Handler is a host-side function the sandboxed interpreter can
// invoke by name. Arguments arrive as raw CBOR values; the handler
// decodes the ones it needs. The returned value is encoded into a
// DATA response; a returned error becomes an EXC response carrying
// err.Error(). The context is canceled when the pump shuts down.
type Handler func(ctx context.Context, args []codec.RawMessage) (any, error)

// FunctionTable maps call names to handlers. Supplied at pump
// construction and immutable afterwards — the pump reads it
// concurrently with no locking.
type FunctionTable map[string]Handler

// DecodeArgs decodes raw call arguments into the given typed
// pointers. It is a convenience for handlers with fixed arity:
//
//	func(ctx context.Context, args []codec.RawMessage) (any, error) {
//		var path string
//		var limit int
//		if err := rpc.DecodeArgs(args, &path, &limit); err != nil {
//			return nil, err
//		}
//		...
//	}
func DecodeArgs(args []codec.RawMessage, targets ...any) error {
	if len(args) != len(targets) {
		return fmt.Errorf("expected %d arguments, got %d", len(targets), len(args))
	}
	for i, target := range targets {
		if err := codec.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("decoding argument %d: %w", i, err)
		}
	}
	return nil
}
