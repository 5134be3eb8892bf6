package audio

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Controller gets and sets master and per-application volume. Levels are percentages in [0, 100].
// it holds no handles between calls; each operation resolves, operates and releases on the backend's thread
type Controller struct {
	logger   *zap.SugaredLogger
	backend  Backend
	resolver *Resolver

	role         Role
	eventContext string
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithRole selects the device role whose default output device is controlled
func WithRole(role Role) ControllerOption {
	return func(c *Controller) {
		c.role = role
	}
}

// WithEventContext tags every write with the given GUID so other audio consumers can tell our changes apart
func WithEventContext(guid string) ControllerOption {
	return func(c *Controller) {
		c.eventContext = guid
	}
}

// NewController creates a Controller instance
func NewController(logger *zap.SugaredLogger, backend Backend, opts ...ControllerOption) *Controller {
	c := &Controller{
		logger:   logger.Named("controller"),
		backend:  backend,
		resolver: NewResolver(logger, backend),
		role:     RoleMultimedia,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debugw("Created controller instance", "role", c.role)

	return c
}

// every master failure is reported as ErrUnavailable so a lost device never looks like a hard fault
func (c *Controller) withMaster(fn func(EndpointVolume) error) error {
	return c.backend.Do(func() error {
		volume, err := c.resolver.MasterVolumeControl(c.role)
		if err != nil {
			return unavailable(err)
		}
		defer volume.Release()

		if err := fn(volume); err != nil {
			return unavailable(err)
		}

		return nil
	})
}

func (c *Controller) withSession(pid uint32, fn func(SessionVolume) error) error {
	return c.backend.Do(func() error {
		volume, err := c.resolver.SessionVolumeControl(c.role, pid)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return err
			}

			return unavailable(err)
		}
		defer volume.Release()

		return fn(volume)
	})
}

// MasterVolume returns the current master volume
func (c *Controller) MasterVolume() (float32, error) {
	var level float32

	err := c.withMaster(func(volume EndpointVolume) error {
		scalar, err := volume.Scalar()
		if err != nil {
			return fmt.Errorf("get master volume: %w", err)
		}

		level = toPercent(scalar)

		return nil
	})

	return level, err
}

// SetMasterVolume clamps level to [0, 100] and writes it
func (c *Controller) SetMasterVolume(level float32) error {
	return c.withMaster(func(volume EndpointVolume) error {
		if err := volume.SetScalar(toScalar(level), c.eventContext); err != nil {
			return fmt.Errorf("set master volume: %w", err)
		}

		return nil
	})
}

// StepMasterVolume adds delta (clamped to [-100, 100]) to the master volume and returns the level it wrote.
// this is a read-modify-write; a concurrent external change in between is overwritten
func (c *Controller) StepMasterVolume(delta float32) (float32, error) {
	var written float32

	delta = clampDelta(delta)

	err := c.withMaster(func(volume EndpointVolume) error {
		current, err := volume.Scalar()
		if err != nil {
			return fmt.Errorf("get master volume: %w", err)
		}

		next := clampScalar(current + delta/100)
		if err := volume.SetScalar(next, c.eventContext); err != nil {
			return fmt.Errorf("set master volume: %w", err)
		}

		written = toPercent(next)

		return nil
	})

	return written, err
}

func (c *Controller) MasterMute() (bool, error) {
	var muted bool

	err := c.withMaster(func(volume EndpointVolume) error {
		var err error
		if muted, err = volume.Mute(); err != nil {
			return fmt.Errorf("get master mute: %w", err)
		}

		return nil
	})

	return muted, err
}

func (c *Controller) SetMasterMute(mute bool) error {
	return c.withMaster(func(volume EndpointVolume) error {
		if err := volume.SetMute(mute, c.eventContext); err != nil {
			return fmt.Errorf("set master mute: %w", err)
		}

		return nil
	})
}

// ToggleMasterMute flips the master mute state and returns the new one
func (c *Controller) ToggleMasterMute() (bool, error) {
	var muted bool

	err := c.withMaster(func(volume EndpointVolume) error {
		current, err := volume.Mute()
		if err != nil {
			return fmt.Errorf("get master mute: %w", err)
		}

		if err := volume.SetMute(!current, c.eventContext); err != nil {
			return fmt.Errorf("set master mute: %w", err)
		}

		muted = !current

		return nil
	})

	return muted, err
}

// MasterState reads every attribute of the master volume control at once
func (c *Controller) MasterState() (MasterState, error) {
	state := MasterState{}

	err := c.backend.Do(func() error {
		device, err := c.resolver.DefaultRenderEndpoint(c.role)
		if err != nil {
			return unavailable(err)
		}
		defer device.Release()

		if state.EndpointID, err = device.ID(); err != nil {
			return unavailable(fmt.Errorf("get endpoint id: %w", err))
		}

		volume, err := c.resolver.ActivateMasterVolumeControl(device)
		if err != nil {
			return unavailable(err)
		}
		defer volume.Release()

		if err := readMasterState(volume, &state); err != nil {
			return unavailable(err)
		}

		return nil
	})

	return state, err
}

func readMasterState(volume EndpointVolume, state *MasterState) error {
	scalar, err := volume.Scalar()
	if err != nil {
		return fmt.Errorf("get master volume: %w", err)
	}
	state.Level = toPercent(scalar)

	if state.Decibels, err = volume.Decibels(); err != nil {
		return fmt.Errorf("get master volume level: %w", err)
	}

	if state.Muted, err = volume.Mute(); err != nil {
		return fmt.Errorf("get master mute: %w", err)
	}

	channels, err := volume.ChannelCount()
	if err != nil {
		return fmt.Errorf("get channel count: %w", err)
	}

	state.ChannelLevels = make([]float32, 0, channels)
	for channel := uint32(0); channel < channels; channel++ {
		level, err := volume.ChannelScalar(channel)
		if err != nil {
			return fmt.Errorf("get channel %d volume: %w", channel, err)
		}

		state.ChannelLevels = append(state.ChannelLevels, toPercent(level))
	}

	if state.Step, state.StepCount, err = volume.StepInfo(); err != nil {
		return fmt.Errorf("get volume step info: %w", err)
	}

	return nil
}

// ApplicationVolume returns the volume of pid's session, or ErrSessionNotFound
func (c *Controller) ApplicationVolume(pid uint32) (float32, error) {
	var level float32

	err := c.withSession(pid, func(volume SessionVolume) error {
		scalar, err := volume.Scalar()
		if err != nil {
			return unavailable(fmt.Errorf("get session volume: %w", err))
		}

		level = toPercent(scalar)

		return nil
	})

	return level, err
}

// SetApplicationVolume clamps level to [0, 100] and writes it to pid's session
func (c *Controller) SetApplicationVolume(pid uint32, level float32) error {
	return c.withSession(pid, func(volume SessionVolume) error {
		if err := volume.SetScalar(toScalar(level), c.eventContext); err != nil {
			return unavailable(fmt.Errorf("set session volume: %w", err))
		}

		return nil
	})
}

func (c *Controller) ApplicationMute(pid uint32) (bool, error) {
	var muted bool

	err := c.withSession(pid, func(volume SessionVolume) error {
		var err error
		if muted, err = volume.Mute(); err != nil {
			return unavailable(fmt.Errorf("get session mute: %w", err))
		}

		return nil
	})

	return muted, err
}

func (c *Controller) SetApplicationMute(pid uint32, mute bool) error {
	return c.withSession(pid, func(volume SessionVolume) error {
		if err := volume.SetMute(mute, c.eventContext); err != nil {
			return unavailable(fmt.Errorf("set session mute: %w", err))
		}

		return nil
	})
}

// Sessions lists the sessions on the default output device along with their levels
func (c *Controller) Sessions() ([]SessionStatus, error) {
	statuses := []SessionStatus{}

	err := c.backend.Do(func() error {
		device, err := c.resolver.DefaultRenderEndpoint(c.role)
		if err != nil {
			return unavailable(err)
		}
		defer device.Release()

		sessions, err := c.resolver.ListSessions(device)
		if err != nil {
			return unavailable(err)
		}
		defer sessions.Close()

		for sessions.Next() {
			session := sessions.Session()

			level, err := session.Volume.Scalar()
			if err != nil {
				c.logger.Debugw("Skipping session with unreadable volume", "pid", session.Info.ProcessID, "error", err)
				continue
			}

			muted, err := session.Volume.Mute()
			if err != nil {
				c.logger.Debugw("Skipping session with unreadable mute", "pid", session.Info.ProcessID, "error", err)
				continue
			}

			statuses = append(statuses, SessionStatus{
				SessionInfo: session.Info,
				Level:       toPercent(level),
				Muted:       muted,
			})
		}

		return sessions.Err()
	})

	return statuses, err
}

// Endpoints lists active endpoints of the given flow with all of their properties
func (c *Controller) Endpoints(flow DataFlow) ([]Endpoint, error) {
	endpoints := []Endpoint{}

	err := c.backend.Do(func() error {
		devices, err := c.resolver.ListActiveEndpoints(flow)
		if err != nil {
			return err
		}
		defer devices.Close()

		for devices.Next() {
			endpoint, err := c.resolver.DescribeEndpoint(devices.Device())
			if err != nil {
				return err
			}

			endpoints = append(endpoints, endpoint)
		}

		return devices.Err()
	})

	return endpoints, err
}
