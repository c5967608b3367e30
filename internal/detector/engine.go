package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"vigil/internal/logging"
	"vigil/internal/statekv"
	"vigil/internal/store"
)

// State is one detector's open interval, serialized into the state KV between
// batches.
type State struct {
	ActiveStart float64 `json:"active_start"`
	LastSeen    float64 `json:"last_seen"`
}

// EventSink persists closed events. *store.Store satisfies it.
type EventSink interface {
	InsertEvent(ctx context.Context, event *store.Event) error
}

// Engine sweeps frames for a batch and manages cross-batch detector state.
type Engine struct {
	sink   EventSink
	kv     *statekv.KV
	defs   []Definition
	ttl    time.Duration
	logger *slog.Logger
}

// NewEngine constructs an engine over the given detector set.
func NewEngine(sink EventSink, kv *statekv.KV, defs []Definition, stateTTL time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		sink:   sink,
		kv:     kv,
		defs:   defs,
		ttl:    stateTTL,
		logger: logging.NewComponentLogger(logger, "detector"),
	}
}

// Sweep runs every detector over the batch's frames, in timestamp order, and
// returns the number of events persisted. When terminal is set, still-open
// intervals are force-closed and the session's detector state is deleted; a
// non-terminal sweep writes open intervals back to the KV instead.
//
// A redelivered batch job re-runs the sweep; the worst case is a duplicate
// event, never a lost one.
func (e *Engine) Sweep(ctx context.Context, sessionID string, frames []Frame, batchFrom int, terminal bool) (int, error) {
	ordered := make([]Frame, len(frames))
	copy(ordered, frames)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	persisted := 0
	for _, def := range e.defs {
		count, err := e.sweepDetector(ctx, sessionID, def, ordered, batchFrom, terminal)
		if err != nil {
			return persisted, err
		}
		persisted += count
	}
	if terminal {
		if _, err := e.kv.DeleteSessionKeys(ctx, sessionID); err != nil {
			return persisted, fmt.Errorf("delete detector state: %w", err)
		}
	}
	return persisted, nil
}

// FlushSession force-closes any still-open detector intervals for the session
// and deletes its state, without analyzing new frames. Finalize calls this
// before a session reaches DONE, because a chunk count that lands exactly on
// the batch-size boundary never produces a terminal batch.
func (e *Engine) FlushSession(ctx context.Context, sessionID string, batchFrom int) (int, error) {
	return e.Sweep(ctx, sessionID, nil, batchFrom, true)
}

func (e *Engine) sweepDetector(ctx context.Context, sessionID string, def Definition, frames []Frame, batchFrom int, terminal bool) (int, error) {
	state, active, err := e.loadState(ctx, sessionID, def.Type)
	if err != nil {
		return 0, err
	}

	persisted := 0
	for _, frame := range frames {
		hit := def.Predicate(frame.Signals)
		switch {
		case hit && !active:
			state = State{ActiveStart: frame.Timestamp, LastSeen: frame.Timestamp}
			active = true
		case hit && active:
			if frame.Timestamp-state.LastSeen > def.GapTolerance {
				count, err := e.closeCandidate(ctx, sessionID, def, state, batchFrom)
				if err != nil {
					return persisted, err
				}
				persisted += count
				state = State{ActiveStart: frame.Timestamp, LastSeen: frame.Timestamp}
			} else {
				state.LastSeen = frame.Timestamp
			}
		case !hit && active:
			count, err := e.closeCandidate(ctx, sessionID, def, state, batchFrom)
			if err != nil {
				return persisted, err
			}
			persisted += count
			active = false
		}
	}

	key := statekv.DetectorKey(sessionID, string(def.Type))
	if active && terminal {
		count, err := e.closeCandidate(ctx, sessionID, def, state, batchFrom)
		if err != nil {
			return persisted, err
		}
		persisted += count
		active = false
	}
	if active {
		encoded, err := json.Marshal(state)
		if err != nil {
			return persisted, fmt.Errorf("encode detector state: %w", err)
		}
		if err := e.kv.Put(ctx, key, string(encoded), e.ttl); err != nil {
			return persisted, fmt.Errorf("persist detector state: %w", err)
		}
	} else if !terminal {
		// Terminal batches delete the whole session prefix in one pass.
		if err := e.kv.Delete(ctx, key); err != nil {
			return persisted, fmt.Errorf("clear detector state: %w", err)
		}
	}
	return persisted, nil
}

func (e *Engine) loadState(ctx context.Context, sessionID string, eventType store.EventType) (State, bool, error) {
	value, ok, err := e.kv.Get(ctx, statekv.DetectorKey(sessionID, string(eventType)))
	if err != nil {
		return State{}, false, fmt.Errorf("load detector state: %w", err)
	}
	if !ok {
		return State{}, false, nil
	}
	var state State
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return State{}, false, fmt.Errorf("decode detector state: %w", err)
	}
	return state, true, nil
}

func (e *Engine) closeCandidate(ctx context.Context, sessionID string, def Definition, state State, batchFrom int) (int, error) {
	duration := state.LastSeen - state.ActiveStart
	if duration < def.MinDuration {
		return 0, nil
	}

	if def.Cooldown > 0 {
		suppressed, err := e.inCooldown(ctx, sessionID, def, state.ActiveStart)
		if err != nil {
			return 0, err
		}
		if suppressed {
			e.logger.Debug("event suppressed by cooldown",
				logging.String(logging.FieldSessionID, sessionID),
				logging.String(logging.FieldEventType, string(def.Type)))
			return 0, nil
		}
	}

	event := &store.Event{
		SessionID:       sessionID,
		Type:            def.Type,
		StartSeconds:    state.ActiveStart,
		EndSeconds:      state.LastSeen,
		DurationSeconds: duration,
		Confidence:      def.Confidence,
		SourceBatchFrom: batchFrom,
	}
	if err := e.sink.InsertEvent(ctx, event); err != nil {
		return 0, fmt.Errorf("persist %s event: %w", def.Type, err)
	}

	if def.Cooldown > 0 {
		marker := strconv.FormatFloat(state.LastSeen, 'f', -1, 64)
		if err := e.kv.Put(ctx, statekv.LastEventKey(sessionID, string(def.Type)), marker, e.ttl); err != nil {
			return 1, fmt.Errorf("record cooldown marker: %w", err)
		}
	}

	e.logger.Info("event recorded",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String(logging.FieldEventType, string(def.Type)),
		logging.Float64("start", state.ActiveStart),
		logging.Float64("end", state.LastSeen))
	return 1, nil
}

func (e *Engine) inCooldown(ctx context.Context, sessionID string, def Definition, newStart float64) (bool, error) {
	value, ok, err := e.kv.Get(ctx, statekv.LastEventKey(sessionID, string(def.Type)))
	if err != nil {
		return false, fmt.Errorf("read cooldown marker: %w", err)
	}
	if !ok {
		return false, nil
	}
	lastEnd, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, nil
	}
	return newStart-lastEnd < def.Cooldown, nil
}
