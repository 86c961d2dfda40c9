package serial

import (
	"errors"
)

// OpenKeepReceive returns the keep-receive port registered for cfg.Device,
// opening the device if needed. If the device is already open as another
// flavor or message type, ErrKindMismatch is returned.
//
// On failure the port is nil and the cause has been logged.
func OpenKeepReceive[T any](r *Registry, cfg Config) (*KeepReceivePort[T], error) {
	cfg = cfg.withDefaults()
	ch, err := r.GetOrCreate(cfg.Device, func() (Channel, error) {
		t, err := r.openTransport(cfg)
		if err != nil {
			return nil, err
		}
		k := NewKeepReceivePort[T](t)
		k.reg = r
		k.maxRead = cfg.MaxReadSize
		k.poller.SetReadInterval(cfg.ReadInterval)
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return AsKeepReceive[T](ch)
}

// OpenWaitResponse returns the wait-response port registered for cfg.Device,
// opening the device if needed.
//
// On failure the port is nil and the cause has been logged.
func OpenWaitResponse(r *Registry, cfg Config) (*WaitResponsePort, error) {
	cfg = cfg.withDefaults()
	ch, err := r.GetOrCreate(cfg.Device, func() (Channel, error) {
		t, err := r.openTransport(cfg)
		if err != nil {
			return nil, err
		}
		w := NewWaitResponsePort(t)
		w.reg = r
		w.SetMaxReadSize(cfg.MaxReadSize)
		w.poller.SetReadInterval(cfg.ReadInterval)
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return AsWaitResponse(ch)
}

// openTransport opens the transport for cfg.
func (r *Registry) openTransport(cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		logger().Error().Err(err).Str("device", cfg.Device).Msg("configure the serial port first")
		return nil, err
	}
	if r.IsUnreliable(cfg.Device) {
		cfg.NoAvailable = true
	}
	t, err := r.open(cfg)
	if err != nil {
		ev := logger().Error().Err(err).Str("device", cfg.Device)
		switch {
		case errors.Is(err, ErrPermissionDenied):
			ev.Msg("no read/write permission for the serial port")
		default:
			ev.Msg("serial port could not be opened")
		}
		return nil, err
	}
	logger().Info().Str("device", cfg.Device).Int("baud", cfg.BaudRate).Bool("blind", !t.CountsAvailable()).Msg("serial port opened")
	return t, nil
}
