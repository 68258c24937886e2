package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// ErrHandshake is returned when the peer's marker is not all zeros.
var ErrHandshake = errors.New("protocol: handshake marker mismatch")

// Handshake writes an n-byte all-zero marker to rw and reads the peer's
// marker concurrently. Both must be exchanged before the first frame.
func Handshake(rw io.ReadWriter, n int) error {
	if n <= 0 {
		return nil
	}
	marker := make([]byte, n)
	var g errgroup.Group
	g.Go(func() error {
		if _, err := rw.Write(marker); err != nil {
			return fmt.Errorf("protocol: handshake write: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		got := make([]byte, n)
		if _, err := io.ReadFull(rw, got); err != nil {
			return fmt.Errorf("protocol: handshake read: %w", err)
		}
		if !bytes.Equal(got, marker) {
			return ErrHandshake
		}
		return nil
	})
	return g.Wait()
}
