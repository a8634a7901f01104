package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// The bridge lets a separate hook process ask a fork's gate for a verdict.
// Each connection carries exactly one CBOR-encoded Call followed by one
// CBOR-encoded Verdict.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("gate: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("gate: CBOR decoder initialization failed: " + err.Error())
	}
}

const bridgeIOTimeout = 10 * time.Second

// Serve answers verdict requests on ln until ctx is done. It closes ln on
// return and waits for in-flight requests.
func (g *Gate) Serve(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting gate connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.handle(conn); err != nil {
				logger.Warn("gate request failed", "error", err)
			}
		}()
	}
}

func (g *Gate) handle(conn net.Conn) error {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(bridgeIOTimeout))

	var call Call
	if err := decMode.NewDecoder(conn).Decode(&call); err != nil {
		return fmt.Errorf("decoding call: %w", err)
	}
	verdict := g.Check(call)
	if err := encMode.NewEncoder(conn).Encode(verdict); err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}
	return nil
}

// Ask sends call to the gate listening on socket and returns its verdict.
func Ask(ctx context.Context, socket string, call Call) (Verdict, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return Verdict{}, fmt.Errorf("connecting to gate: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(bridgeIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := encMode.NewEncoder(conn).Encode(call); err != nil {
		return Verdict{}, fmt.Errorf("sending call: %w", err)
	}
	var verdict Verdict
	if err := decMode.NewDecoder(conn).Decode(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("reading verdict: %w", err)
	}
	return verdict, nil
}
