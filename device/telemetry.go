package device

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/registry"
)

// TelemetryActor sends one of the model's telemetry messages at its
// interval while the device is connected.
type TelemetryActor struct {
	deps Deps
	log  zerolog.Logger

	mu          sync.Mutex
	initialized bool
	stopped     bool
	deviceID    string
	message     model.TelemetryMessage
	state       *StateActor
	conn        *ConnectionActor
	nextSend    time.Time
	// reserved means a message slot is held and the send is due at nextSend.
	reserved bool

	total  atomic.Int64
	failed atomic.Int64
}

// NewTelemetryActor creates an actor that must be Setup before use.
func NewTelemetryActor(deps Deps) *TelemetryActor {
	return &TelemetryActor{deps: deps, log: deps.Logger}
}

// Setup binds the actor to one message of the device model.
func (t *TelemetryActor) Setup(
	deviceID string,
	msg model.TelemetryMessage,
	state *StateActor,
	conn *ConnectionActor,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return model.ErrAlreadyInitialized
	}
	t.initialized = true
	t.deviceID = deviceID
	t.message = msg
	t.state = state
	t.conn = conn
	t.log = t.deps.Logger.With().
		Str("device_id", deviceID).
		Str("message_schema", msg.MessageSchema).
		Logger()

	return nil
}

// Run sends the message when it is due. The message rate limit may delay
// the send; the daily cap suspends it until the next day.
func (t *TelemetryActor) Run(ctx context.Context) {
	t.mu.Lock()
	if !t.initialized || t.stopped {
		t.mu.Unlock()
		return
	}
	client := t.conn.Client()
	if client == nil || !t.conn.Connected() {
		t.mu.Unlock()
		return
	}
	now := t.deps.now()
	if now.Before(t.nextSend) {
		t.mu.Unlock()
		return
	}
	if !t.reserved {
		wait, ok := t.deps.Limiter.ReserveMessage()
		if !ok {
			t.nextSend = now.Add(wait)
			t.mu.Unlock()
			t.log.Debug().Dur("pause", wait).Msg("daily message cap reached")

			return
		}
		if wait > 0 {
			t.reserved = true
			t.nextSend = now.Add(wait)
			t.mu.Unlock()

			return
		}
	}
	t.reserved = false
	t.nextSend = now.Add(t.message.Interval.AsDuration())
	msg := t.message
	t.mu.Unlock()

	state, _ := t.state.Snapshot()
	t.send(ctx, client, registry.Message{
		Schema:  msg.MessageSchema,
		Payload: []byte(RenderTemplate(msg.MessageTemplate, state)),
		Created: now.UTC(),
	})
}

func (t *TelemetryActor) send(ctx context.Context, client registry.Client, msg registry.Message) {
	ctx, cancel := context.WithTimeout(ctx, t.deps.stepTimeout())
	defer cancel()

	err := client.SendMessage(ctx, msg)
	if err == nil {
		t.total.Add(1)
		return
	}
	t.failed.Add(1)
	t.log.Warn().Err(err).Msg("telemetry send failed")
	if errors.Is(err, model.ErrClientBroken) {
		if herr := t.conn.HandleEvent(TelemetryClientBroken); herr != nil {
			t.log.Error().Err(herr).Msg("reporting broken client")
		}
	}
}

// Stop ends the actor.
func (t *TelemetryActor) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// TotalMessagesCount returns the messages sent.
func (t *TelemetryActor) TotalMessagesCount() int64 { return t.total.Load() }

// FailedMessagesCount returns the messages that could not be sent.
func (t *TelemetryActor) FailedMessagesCount() int64 { return t.failed.Load() }

// RenderTemplate replaces every ${name} in template with the state value of
// name. Unknown names are left as they are.
func RenderTemplate(template string, state map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		name := rest[start+2 : end]
		if v, ok := state[name]; ok {
			b.WriteString(formatValue(v))
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}

	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return "null"
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return ""
		}

		return string(data)
	}
}
