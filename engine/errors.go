package engine

import (
	"errors"
	"fmt"

	"winglink/consoleman"
	"winglink/wing"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotConnected  = errors.New("not connected")
	ErrSaveFailed    = errors.New("failed to save config")
)

// mapNodeError classifies a console manager error under the engine sentinels.
func mapNodeError(err error) error {
	switch {
	case errors.Is(err, wing.ErrNotFound), errors.Is(err, consoleman.ErrConsoleNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, consoleman.ErrNotConnected), errors.Is(err, wing.ErrClosed):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case errors.Is(err, consoleman.ErrInvalidValue), errors.Is(err, wing.ErrValueTooLong):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return err
	}
}
