package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/memory"
	"github.com/nugget/reeve/internal/state"
)

// DefaultHandlerTimeout bounds a single action handler. A handler that
// ignores its context still settles as an error result when this
// expires.
const DefaultHandlerTimeout = 60 * time.Second

// Dispatcher executes batches of action calls. Every call in a batch
// runs concurrently; the dispatcher waits for all of them to settle,
// records one Result memory per executed call, and refreshes the
// conversation state so the follow-up round sees the results.
type Dispatcher struct {
	registry *Registry
	store    memory.Store
	composer *state.Composer
	timeout  time.Duration
	bus      *events.Bus
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. A zero timeout means
// DefaultHandlerTimeout; bus may be nil.
func NewDispatcher(registry *Registry, store memory.Store, composer *state.Composer, timeout time.Duration, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		composer: composer,
		timeout:  timeout,
		bus:      bus,
		logger:   logger,
	}
}

// outcome is one call's settled slot. skipped marks calls with no
// registered action; those get no Result memory.
type outcome struct {
	skipped bool
	result  json.RawMessage
	errText string
}

// Dispatch runs every call concurrently and settles them all: each
// executed call produces exactly one Result memory carrying either the
// handler's return value or an error description. One failing, panicking,
// or hanging handler cannot suppress its siblings' results. Calls whose
// name matches no registered action are logged and skipped. Returns the
// state refreshed with the new results folded in.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *memory.Memory, calls []*memory.Memory, st *state.State) (*state.State, error) {
	if len(calls) == 0 {
		return st, nil
	}

	d.bus.Emit(events.SourceActions, events.KindActionDispatch, map[string]any{
		"room_id": st.Room.ID,
		"count":   len(calls),
	})

	outcomes := make([]outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		ac, ok := call.Action()
		if !ok || ac.Kind != memory.ActionCall {
			outcomes[i] = outcome{skipped: true}
			d.logger.Warn("dispatch given a non-call memory", "memory_id", call.ID)
			continue
		}

		action, ok := d.registry.Lookup(ac.Name)
		if !ok {
			// The model can hallucinate an action name; that must not
			// fail the turn or leave a dangling result.
			outcomes[i] = outcome{skipped: true}
			d.logger.Warn("unknown action requested", "name", ac.Name, "room_id", call.RoomID)
			continue
		}

		wg.Add(1)
		go func(i int, call *memory.Memory, ac memory.ActionContent, action *Action) {
			defer wg.Done()
			outcomes[i] = d.execute(ctx, action, msg, st, call, ac)
		}(i, call, ac, action)
	}
	wg.Wait()

	var firstErr error
	for i, call := range calls {
		o := outcomes[i]
		if o.skipped {
			continue
		}
		res, err := d.store.CreateMemory(ctx, memory.NewActionResult(call, o.result, o.errText), false)
		if err != nil {
			d.logger.Error("record action result", "call_id", call.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("record result for %s: %w", call.ID, err)
			}
			continue
		}
		d.bus.Emit(events.SourceActions, events.KindActionDone, map[string]any{
			"room_id":   call.RoomID,
			"call_id":   call.ID,
			"result_id": res.ID,
			"ok":        o.errText == "",
		})
	}
	if firstErr != nil {
		return st, firstErr
	}

	refreshed, err := d.composer.Refresh(ctx, st)
	if err != nil {
		return st, fmt.Errorf("refresh state after dispatch: %w", err)
	}
	return refreshed, nil
}

// execute settles one call: availability gate, schema validation,
// handler invocation with timeout and panic recovery. Failures become
// error outcomes, never returned errors.
func (d *Dispatcher) execute(ctx context.Context, action *Action, msg *memory.Memory, st *state.State, call *memory.Memory, ac memory.ActionContent) outcome {
	if action.Available != nil && !action.Available(ctx, st) {
		return outcome{errText: fmt.Sprintf("action %s is not available in this room", ac.Name)}
	}

	var params map[string]any
	if len(ac.Params) > 0 {
		if err := json.Unmarshal(ac.Params, &params); err != nil {
			return outcome{errText: fmt.Sprintf("decode params: %v", err)}
		}
	}

	validated, err := validateParams(action.Schema(ctx, msg, st), params)
	if err != nil {
		return outcome{errText: fmt.Sprintf("invalid params: %v", err)}
	}

	value, err := d.runHandler(ctx, action, msg, st, validated)
	if err != nil {
		return outcome{errText: err.Error()}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return outcome{errText: fmt.Sprintf("encode result: %v", err)}
	}
	return outcome{result: raw}
}

// runHandler invokes the handler on its own goroutine so a handler
// that ignores its context still times out instead of hanging the
// batch. Panics settle as errors.
func (d *Dispatcher) runHandler(ctx context.Context, action *Action, msg *memory.Memory, st *state.State, params map[string]any) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type settled struct {
		value any
		err   error
	}
	done := make(chan settled, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- settled{err: fmt.Errorf("action %s panicked: %v", action.Name, r)}
			}
		}()
		v, err := action.Handler(hctx, msg, st, params)
		done <- settled{value: v, err: err}
	}()

	select {
	case s := <-done:
		return s.value, s.err
	case <-hctx.Done():
		if hctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("action %s timed out after %s", action.Name, d.timeout)
		}
		return nil, fmt.Errorf("action %s cancelled: %v", action.Name, hctx.Err())
	}
}
