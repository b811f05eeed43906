package main

import (
	"context"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

type aborter interface {
	Abort(reason string)
}

// interrupter turns the first interrupt into a graceful abort and the second
// into an immediate stop.
type interrupter struct {
	target aborter
	cancel context.CancelFunc
	log    *zap.Logger
	count  atomic.Int32
}

func newInterrupter(target aborter, cancel context.CancelFunc, log *zap.Logger) *interrupter {
	return &interrupter{target: target, cancel: cancel, log: log}
}

func (i *interrupter) Interrupt(source string) {
	switch i.count.Add(1) {
	case 1:
		i.log.Warn("interrupt received, draining sessions (interrupt again to stop now)", zap.String("source", source))
		i.target.Abort("interrupted")
	case 2:
		i.log.Warn("second interrupt, stopping immediately", zap.String("source", source))
		i.cancel()
	}
}

// watch forwards signals until ctx ends.
func (i *interrupter) watch(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			i.Interrupt(sig.String())
		}
	}
}
