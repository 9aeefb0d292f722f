// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"

	"github.com/traylinx/kilorouter/internal/types"
)

// Executor runs the selected handler. It is implemented outside the router.
type Executor interface {
	Execute(ctx context.Context, handlerID string, ec types.ExecContext) (types.ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, handlerID string, ec types.ExecContext) (types.ExecutionResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, handlerID string, ec types.ExecContext) (types.ExecutionResult, error) {
	return f(ctx, handlerID, ec)
}

// NoopExecutor reports success without doing work or consuming tokens. The
// CLI uses it to show routing decisions.
type NoopExecutor struct{}

// Execute implements Executor.
func (NoopExecutor) Execute(ctx context.Context, _ string, ec types.ExecContext) (types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionResult{}, err
	}
	return types.ExecutionResult{Success: true, Iterations: 1, ResourcesUsed: append([]string(nil), ec.Resources...)}, nil
}
