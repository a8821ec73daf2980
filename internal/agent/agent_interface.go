package agent

import (
	"context"
)

// Processor defines the reasoning engine contract.
type Processor interface {
	// ProcessMessage answers one message given its history and flow state.
	ProcessMessage(ctx context.Context, req Request) (*Result, error)

	// Close releases resources.
	Close()
}

// Ensure both engines implement Processor.
var (
	_ Processor = (*GrpcClient)(nil)
	_ Processor = (*ChatEngine)(nil)
)
