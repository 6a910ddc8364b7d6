package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/registry"
)

// Replay entry types.
const (
	ReplayTelemetry  = "telemetry"
	ReplayProperties = "properties"
)

// ReplayEntry is one recorded message, sent Offset after the replay started.
type ReplayEntry struct {
	Type    string
	Offset  time.Duration
	Schema  string
	Payload string
}

// ParseReplay reads "type,offsetMillis,messageSchema,payload" lines. The
// payload is the rest of the line and may contain unquoted commas; a payload
// wrapped in double quotes is unquoted CSV style. Blank lines and lines
// starting with '#' are skipped. Offsets must not decrease.
func ParseReplay(r io.Reader) ([]ReplayEntry, error) {
	var (
		entries []ReplayEntry
		last    time.Duration
		line    int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec := strings.SplitN(text, ",", 4)
		if len(rec) < 4 {
			return nil, fmt.Errorf("replay line %d: expected 4 fields, got %d", line, len(rec))
		}

		typ := strings.ToLower(strings.TrimSpace(rec[0]))
		if typ != ReplayTelemetry && typ != ReplayProperties {
			return nil, fmt.Errorf("replay line %d: unknown type %q", line, rec[0])
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("replay line %d: invalid offset %q", line, rec[1])
		}
		offset := time.Duration(ms) * time.Millisecond
		if offset < last {
			return nil, fmt.Errorf("replay line %d: offset %s before previous %s", line, offset, last)
		}
		last = offset

		entries = append(entries, ReplayEntry{
			Type:    typ,
			Offset:  offset,
			Schema:  strings.TrimSpace(rec[2]),
			Payload: unquotePayload(strings.TrimSpace(rec[3])),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	return entries, nil
}

func unquotePayload(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}

	return s
}

// ReplayActor sends a recorded message sequence instead of generated
// telemetry. The timeline starts when the device first connects.
type ReplayActor struct {
	deps Deps
	log  zerolog.Logger

	mu          sync.Mutex
	initialized bool
	stopped     bool
	entries     []ReplayEntry
	loop        bool
	conn        *ConnectionActor
	started     time.Time
	next        int

	total  atomic.Int64
	failed atomic.Int64
}

// NewReplayActor creates an actor that must be Setup before use.
func NewReplayActor(deps Deps) *ReplayActor {
	return &ReplayActor{deps: deps, log: deps.Logger}
}

// Setup binds the actor to a device and its entries. With loop set the
// sequence restarts after the last entry.
func (r *ReplayActor) Setup(deviceID string, entries []ReplayEntry, loop bool, conn *ConnectionActor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return model.ErrAlreadyInitialized
	}
	r.initialized = true
	r.entries = entries
	r.loop = loop
	r.conn = conn
	r.log = r.deps.Logger.With().Str("device_id", deviceID).Logger()

	return nil
}

// Run sends every entry that became due.
func (r *ReplayActor) Run(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized || r.stopped || len(r.entries) == 0 {
		return
	}
	client := r.conn.Client()
	if client == nil || !r.conn.Connected() {
		return
	}
	now := r.deps.now()
	if r.started.IsZero() {
		r.started = now
	}

	elapsed := now.Sub(r.started)
	for r.next < len(r.entries) && r.entries[r.next].Offset <= elapsed {
		if ctx.Err() != nil {
			return
		}
		r.send(ctx, client, r.entries[r.next], now)
		r.next++
	}
	if r.next == len(r.entries) && r.loop {
		r.next = 0
		r.started = now
	}
}

func (r *ReplayActor) send(ctx context.Context, client registry.Client, e ReplayEntry, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, r.deps.stepTimeout())
	defer cancel()

	var err error
	switch e.Type {
	case ReplayProperties:
		var props map[string]any
		if err = json.Unmarshal([]byte(e.Payload), &props); err == nil {
			err = client.UpdateProperties(ctx, props)
		}
	default:
		err = client.SendMessage(ctx, registry.Message{Schema: e.Schema, Payload: []byte(e.Payload), Created: now.UTC()})
	}
	if err == nil {
		r.total.Add(1)
		return
	}
	r.failed.Add(1)
	r.log.Warn().Err(err).Str("type", e.Type).Msg("replay send failed")
	if errors.Is(err, model.ErrClientBroken) {
		if herr := r.conn.HandleEvent(TelemetryClientBroken); herr != nil {
			r.log.Error().Err(herr).Msg("reporting broken client")
		}
	}
}

// Stop ends the actor.
func (r *ReplayActor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// TotalMessagesCount returns the entries sent.
func (r *ReplayActor) TotalMessagesCount() int64 { return r.total.Load() }

// FailedMessagesCount returns the entries that could not be sent.
func (r *ReplayActor) FailedMessagesCount() int64 { return r.failed.Load() }
