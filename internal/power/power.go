// Package power implements the three-mode power state machine that gates
// sensor and radio activity to limit current draw. Peripheral
// availability is a pure function of the state (a fixed table); timeouts
// move the system toward lower power, wake events move it back to Active.
package power

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is a power mode of the unit.
type State int

const (
	// Active powers every sensor and radio.
	Active State = iota

	// Idle keeps only the CAN bus and a low-rate battery read alive.
	Idle

	// DeepSleep shuts everything down except the wake clock.
	DeepSleep

	stateCount
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Idle:
		return "idle"
	case DeepSleep:
		return "deep-sleep"
	}
	return "unknown"
}

// Role identifies a gated peripheral class in the enable table.
type Role int

const (
	RoleCAN Role = iota
	RoleGPS
	RoleADC
	RoleCellular
	RoleLoRa
	RoleFlash

	roleCount
)

func (r Role) String() string {
	switch r {
	case RoleCAN:
		return "can"
	case RoleGPS:
		return "gps"
	case RoleADC:
		return "adc"
	case RoleCellular:
		return "cellular"
	case RoleLoRa:
		return "lorawan"
	case RoleFlash:
		return "flash"
	}
	return "unknown"
}

// Source is an event type permitted to move the system back to Active.
type Source int

const (
	SourceRTCAlarm Source = iota
	SourceCANMessage
	SourceExternalInt
	SourceADCThreshold
	SourceMotion
)

func (s Source) String() string {
	switch s {
	case SourceRTCAlarm:
		return "rtc-alarm"
	case SourceCANMessage:
		return "can-message"
	case SourceExternalInt:
		return "external-interrupt"
	case SourceADCThreshold:
		return "adc-threshold"
	case SourceMotion:
		return "motion"
	}
	return "unknown"
}

// enableTable is the fixed peripheral availability per state. It is never
// mutated; gating decisions read it only through transitions.
var enableTable = [stateCount][roleCount]bool{
	Active:    {RoleCAN: true, RoleGPS: true, RoleADC: true, RoleCellular: true, RoleLoRa: true, RoleFlash: true},
	Idle:      {RoleCAN: true, RoleADC: true},
	DeepSleep: {},
}

// armedSources lists the wake sources armed in each state. In deep sleep
// only the clock can bring the unit back.
var armedSources = [stateCount][]Source{
	Idle:      {SourceRTCAlarm, SourceCANMessage, SourceExternalInt, SourceADCThreshold, SourceMotion},
	DeepSleep: {SourceRTCAlarm},
}

// Gated is a peripheral the controller powers on and off. Gating is
// idempotent by contract, so applying a state's table twice is harmless.
type Gated interface {
	SetPower(on bool) error
}

// Config holds the controller's tunables.
type Config struct {
	IdleTimeout  time.Duration // Active -> Idle after this much inactivity
	SleepTimeout time.Duration // Idle -> DeepSleep, requires empty buffer

	// Modelled current draw per state in mA. These are configuration
	// constants, not measurements; energy figures are only as accurate as
	// these values.
	ActiveDrawMA    float64
	IdleDrawMA      float64
	DeepSleepDrawMA float64
}

// DefaultConfig mirrors the hardware defaults: 30 s to Idle, 5 min to
// DeepSleep, 45 mA / 8 mA / 2.5 µA draws.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     30 * time.Second,
		SleepTimeout:    5 * time.Minute,
		ActiveDrawMA:    45.0,
		IdleDrawMA:      8.0,
		DeepSleepDrawMA: 0.0025,
	}
}

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		c.logger = logger.With(slog.String("component", "power"))
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) func(*Controller) {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller owns the unit's power state. The Power task drives Evaluate
// and Wake; everyone else only reads State, which may change between read
// and use. Peripheral gating is idempotent, so that race is harmless.
type Controller struct {
	cfg Config

	now    func() time.Time
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	entered      time.Time
	lastActivity time.Time
	lastAccount  time.Time
	timeIn       [stateCount]time.Duration
	energyMAH    float64
	gated        [roleCount][]Gated
	transitions  uint64
}

// NewController creates a controller starting in Active. Zero config fields
// fall back to DefaultConfig values.
func NewController(cfg Config, options ...func(*Controller)) *Controller {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SleepTimeout <= 0 {
		cfg.SleepTimeout = def.SleepTimeout
	}
	if cfg.ActiveDrawMA <= 0 {
		cfg.ActiveDrawMA = def.ActiveDrawMA
	}
	if cfg.IdleDrawMA <= 0 {
		cfg.IdleDrawMA = def.IdleDrawMA
	}
	if cfg.DeepSleepDrawMA <= 0 {
		cfg.DeepSleepDrawMA = def.DeepSleepDrawMA
	}

	c := Controller{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:  Active,
	}

	for _, option := range options {
		option(&c)
	}

	start := c.now()
	c.entered = start
	c.lastActivity = start
	c.lastAccount = start

	return &c
}

// Register attaches a gated peripheral to a role. Registered peripherals
// receive the enable table on every transition.
func (c *Controller) Register(role Role, g Gated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gated[role] = append(c.gated[role], g)
}

// State returns the current power state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether a role is permitted to run in the current state.
func (c *Controller) Enabled(role Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return enableTable[c.state][role]
}

// NotifyActivity records a qualifying event, restarting the inactivity
// clock without changing state.
func (c *Controller) NotifyActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
}

// Wake moves the system directly to Active if src is armed in the current
// state. Returns true when a transition occurred.
func (c *Controller) Wake(src Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Active {
		c.lastActivity = c.now()
		return false
	}

	armed := false
	for _, s := range armedSources[c.state] {
		if s == src {
			armed = true
			break
		}
	}
	if !armed {
		return false
	}

	c.logger.Info("wake event", slog.String("source", src.String()))
	c.lastActivity = c.now()
	c.transition(Active)
	return true
}

// Evaluate applies the timeout rules: Active degrades to Idle after the
// idle timeout with no qualifying event, Idle degrades to DeepSleep after
// the sleep timeout provided the record buffer is empty. Returns the state
// in force after evaluation.
func (c *Controller) Evaluate(bufferEmpty bool) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	idle := c.now().Sub(c.lastActivity)

	switch c.state {
	case Active:
		if idle >= c.cfg.IdleTimeout {
			c.transition(Idle)
		}
	case Idle:
		if idle >= c.cfg.SleepTimeout && bufferEmpty {
			c.transition(DeepSleep)
		}
	}

	return c.state
}

// CurrentDraw returns the modelled current draw of the present state in mA.
func (c *Controller) CurrentDraw() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draw(c.state)
}

// EnergyConsumed returns the cumulative modelled energy in mAh, including
// the time spent in the current state so far.
func (c *Controller) EnergyConsumed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account()
	return c.energyMAH
}

// TimeIn returns the total time spent in a state, including the current
// residence when it matches.
func (c *Controller) TimeIn(s State) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.timeIn[s]
	if s == c.state {
		total += c.now().Sub(c.entered)
	}
	return total
}

// Transitions returns the number of state changes since start.
func (c *Controller) Transitions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitions
}

// transition commits a state change in the required order: accumulate the
// outgoing state's time, integrate its energy, apply the destination's
// peripheral table, then commit (wake arming is the armedSources table
// indexed by the new state). Callers hold mu.
func (c *Controller) transition(to State) {
	if to == c.state {
		return
	}

	now := c.now()
	c.timeIn[c.state] += now.Sub(c.entered)
	c.account()

	for role := Role(0); role < roleCount; role++ {
		enable := enableTable[to][role]
		for _, g := range c.gated[role] {
			if err := g.SetPower(enable); err != nil {
				c.logger.Error("gating peripheral",
					slog.String("role", role.String()),
					slog.Bool("enable", enable),
					slog.String("error", err.Error()))
			}
		}
	}

	c.logger.Info("power state change",
		slog.String("from", c.state.String()),
		slog.String("to", to.String()))

	c.state = to
	c.entered = now
	c.transitions++
}

// account integrates current x elapsed time into the energy counter up to
// now. Callers hold mu.
func (c *Controller) account() {
	now := c.now()
	elapsed := now.Sub(c.lastAccount)
	if elapsed <= 0 {
		return
	}

	c.energyMAH += c.draw(c.state) * elapsed.Hours()
	c.lastAccount = now
}

// draw returns the configured current for a state in mA. Callers hold mu.
func (c *Controller) draw(s State) float64 {
	switch s {
	case Active:
		return c.cfg.ActiveDrawMA
	case Idle:
		return c.cfg.IdleDrawMA
	case DeepSleep:
		return c.cfg.DeepSleepDrawMA
	}
	return 0
}
