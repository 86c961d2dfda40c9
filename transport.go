package serial

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConfig is returned when a device path or line setting is unusable.
	ErrInvalidConfig = errors.New("serial: invalid config")
	// ErrPermissionDenied is returned when the device cannot be opened for read/write.
	ErrPermissionDenied = errors.New("serial: permission denied")
	// ErrOpenFailed is returned when the device could not be opened for any other reason.
	ErrOpenFailed = errors.New("serial: open failed")
	// ErrClosed is returned by operations on a closed port or channel.
	ErrClosed = errors.New("serial: closed")
	// ErrInvalidCapacity is returned when a read buffer capacity is not positive.
	ErrInvalidCapacity = errors.New("serial: buffer capacity must be > 0")
	// ErrKindMismatch is returned when a registered channel is requested as the wrong flavor.
	ErrKindMismatch = errors.New("serial: channel kind mismatch")
	// ErrFramingTypeMismatch is returned when a keep-receive channel has no decoder
	// and its message type cannot carry raw bytes.
	ErrFramingTypeMismatch = errors.New("serial: no decoder configured and message type is not []byte")
)

// Transport is an opened duplex byte channel.
//
// ReadTimeout must return (0, nil) when nothing arrives within d.
// Available is only meaningful when CountsAvailable reports true.
type Transport interface {
	Path() string
	CountsAvailable() bool
	Available() (int, error)
	ReadTimeout(p []byte, d time.Duration) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
