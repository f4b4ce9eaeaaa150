// Package kvtest provides failing key/value stores for fault tests.
package kvtest

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("storage unavailable")

// Broken fails every call, by error or, when Panics is set, by panicking.
type Broken struct {
	Panics bool
}

func (b Broken) fail() error {
	if b.Panics {
		panic("storage backend exploded")
	}
	return ErrUnavailable
}

func (b Broken) Get(context.Context, string) ([]byte, error) { return nil, b.fail() }
func (b Broken) Put(context.Context, string, []byte) error { return b.fail() }
func (b Broken) Delete(context.Context, string) error { return b.fail() }
func (b Broken) Keys(context.Context) ([]string, error) { return nil, b.fail() }
