//go:build !linux

package mpris

import (
	"context"

	"github.com/nowplaying/nowplaying/internal/host"
)

type bus struct{}

// Start always fails: MPRIS is only reachable on Linux.
func (a *Adapter) Start(context.Context) error { return host.ErrUnavailable }

func (a *Adapter) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (a *Adapter) Close() error { return nil }

func Players(context.Context) ([]string, error) { return nil, host.ErrUnavailable }
