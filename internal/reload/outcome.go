// Package reload persists received FRR configurations and drives the
// external frr-reload tool.
package reload

import (
	"context"

	"github.com/danmuck/frr-agent/internal/protocol/frame"
)

// Outcome is the normalized result of one reload request.
type Outcome struct {
	Success bool
	Detail  string
}

func Succeeded() Outcome {
	return Outcome{Success: true}
}

func Failed(detail string) Outcome {
	return Outcome{Detail: detail}
}

// Message is the response payload for this outcome.
func (o Outcome) Message() []byte {
	if o.Success {
		return frame.OkMessage
	}
	return []byte(o.Detail)
}

// Invoker performs one reload for a config blob tagged with a generation id.
// Implementations never return a fatal error; every problem is a failed
// Outcome.
type Invoker interface {
	Invoke(ctx context.Context, blob []byte, genID uint64) Outcome
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, blob []byte, genID uint64) Outcome

func (f InvokerFunc) Invoke(ctx context.Context, blob []byte, genID uint64) Outcome {
	return f(ctx, blob, genID)
}
