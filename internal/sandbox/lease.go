package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Spec says which sandbox a lease should hold.
type Spec struct {
	// ID connects to an existing sandbox instead of creating one.
	ID      string
	Options Options
	// Keep leaves the sandbox running on Release.
	Keep bool
}

// Lease is scoped ownership of one sandbox. Release kills the sandbox at
// most once no matter how many exit paths call it.
type Lease struct {
	handle Handle
	keep   bool

	once sync.Once
	err  error
}

// Acquire creates or connects to a sandbox. Connect failures are reported
// as ErrNotFound, create failures as ErrConnection, unless the runtime
// already classified them.
func Acquire(ctx context.Context, rt Runtime, spec Spec) (*Lease, error) {
	var (
		h   Handle
		err error
	)
	if spec.ID != "" {
		h, err = rt.Connect(ctx, spec.ID)
		if err != nil {
			return nil, classify(ctx, err, ErrNotFound, "connecting to sandbox "+spec.ID)
		}
	} else {
		h, err = rt.Create(ctx, spec.Options)
		if err != nil {
			return nil, classify(ctx, err, ErrConnection, "creating sandbox")
		}
	}
	return &Lease{handle: h, keep: spec.Keep}, nil
}

func classify(ctx context.Context, err, fallback error, op string) error {
	switch {
	case errors.Is(err, ErrConnection), errors.Is(err, ErrNotFound), errors.Is(err, ErrTimeout):
		return fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w: %v", op, fallback, err)
}

// Handle is the leased sandbox.
func (l *Lease) Handle() Handle { return l.handle }

// Release kills the sandbox unless the lease keeps it. Only the first
// call does anything; later calls return the first result.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if l.keep {
			return
		}
		l.err = l.handle.Kill(ctx)
	})
	return l.err
}
