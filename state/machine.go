package state

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix = "flowkit:query_state:"
	errorKeyPrefix = "flowkit:query_error:"
)

// casScript atomically swaps the state key to the target when its current
// value is one of the permitted sources. "known" doubles as the value of a
// missing key, so reserving an id does not require a separate write. Returns
// the state after the call and 1 when the transition was applied.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then current = 'known' end
for i = 2, #ARGV do
  if current == ARGV[i] then
    redis.call('SET', KEYS[1], ARGV[1])
    return {ARGV[1], 1}
  end
end
return {current, 0}
`)

// Machine hosts the per-fingerprint state machines. State lives in redis;
// waiter notification is in-process.
type Machine struct {
	rdb *redis.Client

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewMachine creates a state machine registry backed by the given redis
// client.
func NewMachine(rdb *redis.Client) *Machine {
	return &Machine{
		rdb:     rdb,
		waiters: make(map[string]chan struct{}),
	}
}

// Current returns the state of an id. Ids redis has never seen report Awol;
// callers that know the id from the cache should treat that as Known.
func (m *Machine) Current(ctx context.Context, id string) (State, error) {
	val, err := m.rdb.Get(ctx, stateKeyPrefix+id).Result()
	if err == redis.Nil {
		return Awol, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read query state: %w", err)
	}
	return State(val), nil
}

// Trigger applies an event to an id. It returns the state after the call and
// whether the transition was applied. An event whose source states do not
// include the current state is a no-op, not an error; callers decide whether
// that matters (enqueue on an already-queued id is simply not applied).
func (m *Machine) Trigger(ctx context.Context, id string, event Event) (State, bool, error) {
	t, ok := transitions[event]
	if !ok {
		return "", false, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}

	args := make([]interface{}, 0, len(t.from)+1)
	args = append(args, string(t.target))
	for _, from := range t.from {
		args = append(args, string(from))
	}

	res, err := casScript.Run(ctx, m.rdb, []string{stateKeyPrefix + id}, args...).Slice()
	if err != nil {
		return "", false, fmt.Errorf("failed to transition query state: %w", err)
	}
	after := State(res[0].(string))
	applied := res[1].(int64) == 1

	if applied {
		m.notify(id)
	}
	return after, applied, nil
}

// MarkKnown records that the server has seen an id, without enqueueing it.
// Existing state is left untouched.
func (m *Machine) MarkKnown(ctx context.Context, id string) error {
	if err := m.rdb.SetNX(ctx, stateKeyPrefix+id, string(Known), 0).Err(); err != nil {
		return fmt.Errorf("failed to reserve query state: %w", err)
	}
	return nil
}

// ForceState overwrites the state of an id unconditionally. Used by startup
// reconciliation and by the scheduler when a dependency failure or
// cancellation poisons ids that never started executing.
func (m *Machine) ForceState(ctx context.Context, id string, s State) error {
	if err := m.rdb.Set(ctx, stateKeyPrefix+id, string(s), 0).Err(); err != nil {
		return fmt.Errorf("failed to force query state: %w", err)
	}
	m.notify(id)
	return nil
}

// SetError records the failure cause for an errored id.
func (m *Machine) SetError(ctx context.Context, id, cause string) error {
	if err := m.rdb.Set(ctx, errorKeyPrefix+id, cause, 0).Err(); err != nil {
		return fmt.Errorf("failed to record query error: %w", err)
	}
	return nil
}

// Error returns the recorded failure cause for an id, or "" if none.
func (m *Machine) Error(ctx context.Context, id string) (string, error) {
	val, err := m.rdb.Get(ctx, errorKeyPrefix+id).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read query error: %w", err)
	}
	return val, nil
}

// Forget removes all state for an id. Used by cache eviction.
func (m *Machine) Forget(ctx context.Context, id string) error {
	if err := m.rdb.Del(ctx, stateKeyPrefix+id, errorKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete query state: %w", err)
	}
	m.notify(id)
	return nil
}

// QueuedOrExecuting lists ids whose state is queued or executing. Used by
// startup reconciliation to demote work lost in a crash.
func (m *Machine) QueuedOrExecuting(ctx context.Context) ([]string, error) {
	var out []string
	iter := m.rdb.Scan(ctx, 0, stateKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := m.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan query states: %w", err)
		}
		if s := State(val); s == Queued || s == Executing {
			out = append(out, strings.TrimPrefix(key, stateKeyPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan query states: %w", err)
	}
	return out, nil
}

// WaitUntilTerminal blocks until the id reaches a terminal state or the
// context is done, and returns the terminal state.
func (m *Machine) WaitUntilTerminal(ctx context.Context, id string) (State, error) {
	for {
		ch := m.watch(id)

		current, err := m.Current(ctx, id)
		if err != nil {
			return "", err
		}
		if current.IsTerminal() {
			return current, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

// watch returns a channel closed on the id's next transition.
func (m *Machine) watch(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.waiters[id]
	if !ok {
		ch = make(chan struct{})
		m.waiters[id] = ch
	}
	return ch
}

func (m *Machine) notify(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.waiters[id]; ok {
		close(ch)
		delete(m.waiters, id)
	}
}
