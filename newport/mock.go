package newport

import (
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/nasa-jpl/delayscan/util"
)

// MockStage is an in-memory stage for dry runs and tests.  Moves complete
// instantly.
type MockStage struct {
	mu     sync.Mutex
	pos    map[string]float64
	vel    map[string]float64
	accel  map[string]float64
	closed bool

	// Axis is the axis used by MoveTo and SetMotion
	Axis string

	// Limits rejects moves outside the travel, like the hardware limit switches
	Limits util.Limiter

	// Moves records every absolute target of MoveTo in order
	Moves []float64

	// FailAt makes MoveTo return the error it returns, if non-nil
	FailAt func(pos float64) error
}

// NewMockStage returns a mock DL225 with 0..225 mm of travel
func NewMockStage() *MockStage {
	return &MockStage{
		pos:    map[string]float64{},
		vel:    map[string]float64{},
		accel:  map[string]float64{},
		Axis:   DefaultAxis,
		Limits: util.Limiter{Min: 0, Max: 225},
	}
}

// GetPos returns the position of an axis
func (m *MockStage) GetPos(axis string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos[axis], nil
}

// MoveAbs moves an axis, refusing targets outside Limits
func (m *MockStage) MoveAbs(axis string, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Limits.Check(pos) {
		return pkgerrors.Wrapf(errHardLimit, "axis %s to %v mm", axis, pos)
	}
	m.pos[axis] = pos
	return nil
}

// MoveRel moves an axis by delta
func (m *MockStage) MoveRel(axis string, delta float64) error {
	p, _ := m.GetPos(axis)
	return m.MoveAbs(axis, p+delta)
}

// Home moves an axis to zero
func (m *MockStage) Home(axis string) error {
	return m.MoveAbs(axis, 0)
}

// Stop does nothing; mock moves are instantaneous
func (m *MockStage) Stop(axis string) error {
	return nil
}

// GetInPosition is always true
func (m *MockStage) GetInPosition(axis string) (bool, error) {
	return true, nil
}

// SetVelocity sets the velocity of an axis
func (m *MockStage) SetVelocity(axis string, vel float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vel[axis] = vel
	return nil
}

// GetVelocity gets the velocity of an axis
func (m *MockStage) GetVelocity(axis string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vel[axis], nil
}

// Acceleration returns the last acceleration set on an axis
func (m *MockStage) Acceleration(axis string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accel[axis]
}

// MoveTo moves the stage axis to pos
func (m *MockStage) MoveTo(pos float64) error {
	if m.FailAt != nil {
		if err := m.FailAt(pos); err != nil {
			return err
		}
	}
	if err := m.MoveAbs(m.Axis, pos); err != nil {
		return err
	}
	m.mu.Lock()
	m.Moves = append(m.Moves, pos)
	m.mu.Unlock()
	return nil
}

// SetMotion sets velocity and acceleration on the stage axis
func (m *MockStage) SetMotion(vel, accel float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vel[m.Axis] = vel
	m.accel[m.Axis] = accel
	return nil
}

// Position is the current position of the stage axis
func (m *MockStage) Position() float64 {
	p, _ := m.GetPos(m.Axis)
	return p
}

// Close marks the stage closed
func (m *MockStage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports if Close was called
func (m *MockStage) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
