//go:build !linux

package serial

import "fmt"

func defaultOpener(cfg Config) (Transport, error) {
	return nil, fmt.Errorf("%w: %s: tty access is only implemented on linux", ErrOpenFailed, cfg.Device)
}
