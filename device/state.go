package device

import (
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
)

// OnlineProperty is the state key the connection actor keeps in sync with
// the client connection.
const OnlineProperty = "online"

type compiledScript struct {
	path   string
	fn     scriptFunc
	params map[string]rangeParams
}

// StateActor holds a device's internal state and advances it with the
// model's scripts every simulation interval.
type StateActor struct {
	deps Deps
	log  zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	deviceID    string
	interval    time.Duration
	scripts     []compiledScript
	state       map[string]any
	version     uint64
	nextRun     time.Time
	stopped     bool
}

// NewStateActor creates an actor that must be Setup before use.
func NewStateActor(deps Deps) *StateActor {
	return &StateActor{deps: deps, log: deps.Logger}
}

// Setup loads the initial state and compiles the internal scripts. Scripts
// that are not internal or have invalid parameters are logged and skipped.
func (s *StateActor) Setup(deviceID string, m *model.DeviceModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return model.ErrAlreadyInitialized
	}
	s.initialized = true
	s.deviceID = deviceID
	s.log = s.deps.Logger.With().Str("device_id", deviceID).Logger()
	s.interval = m.Simulation.Interval.AsDuration()
	s.state = maps.Clone(m.Simulation.InitialState)
	if s.state == nil {
		s.state = make(map[string]any)
	}

	for _, script := range m.Simulation.Scripts {
		c, err := compileScript(script)
		if err != nil {
			s.log.Warn().Err(err).Str("script", script.Path).Msg("skipping state script")
			continue
		}
		s.scripts = append(s.scripts, c)
	}

	return nil
}

func compileScript(script model.Script) (compiledScript, error) {
	if !strings.EqualFold(script.Type, ScriptTypeInternal) {
		return compiledScript{}, errors.New("only internal scripts are supported")
	}
	fn, err := lookupScript(script.Path)
	if err != nil {
		return compiledScript{}, err
	}
	params, err := parseRangeParams(script.Params)
	if err != nil {
		return compiledScript{}, err
	}

	return compiledScript{path: script.Path, fn: fn, params: params}, nil
}

// Run applies the scripts once the interval has elapsed.
func (s *StateActor) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || s.stopped {
		return
	}
	now := s.deps.now()
	if now.Before(s.nextRun) {
		return
	}
	s.nextRun = now.Add(s.interval)
	if len(s.scripts) == 0 {
		return
	}

	for _, c := range s.scripts {
		c.fn(s.state, c.params)
	}
	s.version++
}

// Snapshot returns a copy of the state and its version.
func (s *StateActor) Snapshot() (map[string]any, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.state), s.version
}

// Get returns one state value.
func (s *StateActor) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.state[key]

	return v, ok
}

// Set writes one state value, bumping the version when it changes.
func (s *StateActor) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		s.state = make(map[string]any)
	}
	if old, ok := s.state[key]; ok && sameScalar(old, value) {
		return
	}
	s.state[key] = value
	s.version++
}

// Stop freezes the state.
func (s *StateActor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func sameScalar(old, value any) bool {
	switch value.(type) {
	case bool, string, float64, int, int64:
		return old == value
	default:
		return false
	}
}
