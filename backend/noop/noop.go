// Package noop is a backend that does nothing.
package noop

import (
	"context"
	"errors"

	"github.com/macadmins/bsdp/data"
)

// Backend is a no-op backend.
type Backend struct{}

func (b Backend) Read(_ context.Context, _ data.Client) ([]data.Image, error) {
	return nil, errors.New("no backend specified, please specify a backend")
}

func (b Backend) Refresh(_ context.Context) error {
	return errors.New("no backend specified, please specify a backend")
}
