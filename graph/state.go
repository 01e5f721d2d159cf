package graph

import (
	"fmt"
	"sort"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// Values is the shared state of a run: a map from channel name to the
// channel's current value. Values crossing the engine boundary are always
// deep copies; node computations never observe writes from sibling tasks in
// the same superstep.
type Values map[string]any

// Clone returns a deep copy of v using a JSON round trip.
//
// This works for any value that survives JSON serialization: primitives,
// maps, slices, and structs with exported fields. Unexported fields are
// dropped and numeric types collapse to float64, the same trade-off the
// engine makes when persisting checkpoints.
func (v Values) Clone() (Values, error) {
	if v == nil {
		return Values{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out := make(Values, len(v))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return out, nil
}

// Reducer merges a channel's current value with an incoming delta and
// returns the new value. Reducers must be commutative when the channel can
// receive writes from concurrently-ready nodes: the engine folds same-step
// deltas in sorted task order, so merely-associative reducers stay
// deterministic, but only commutative ones are order-independent across
// graph edits.
type Reducer func(current, incoming any) (any, error)

// Channel declares one named slot in the shared state.
//
// A channel without a Reducer has last-write-wins semantics, and two
// concurrent writers to it within one superstep is a ConflictError.
type Channel struct {
	// Name identifies the channel. Must be unique within a schema.
	Name string

	// Reducer merges incoming deltas into the current value.
	// Nil means replace, with concurrent-writer conflict detection.
	Reducer Reducer

	// Default produces the channel's initial value for a fresh thread.
	// Nil means the channel starts absent.
	Default func() any
}

// Schema is the full channel set of a graph. It is immutable once built.
type Schema struct {
	channels map[string]Channel
	order    []string
}

// NewSchema builds a schema from the given channels.
// Returns a ConfigError on empty or duplicate channel names.
func NewSchema(channels ...Channel) (*Schema, error) {
	s := &Schema{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		if ch.Name == "" {
			return nil, &ConfigError{Op: "schema", Detail: "channel name cannot be empty"}
		}
		if _, dup := s.channels[ch.Name]; dup {
			return nil, &ConfigError{Op: "schema", Detail: "duplicate channel: " + ch.Name}
		}
		s.channels[ch.Name] = ch
		s.order = append(s.order, ch.Name)
	}
	sort.Strings(s.order)
	return s, nil
}

// Channels returns the channel names in sorted order.
func (s *Schema) Channels() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// has reports whether the schema declares the named channel.
func (s *Schema) has(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// initial returns the starting state for a fresh thread: every channel with
// a Default present, everything else absent.
func (s *Schema) initial() Values {
	v := make(Values, len(s.order))
	for _, name := range s.order {
		if ch := s.channels[name]; ch.Default != nil {
			v[name] = ch.Default()
		}
	}
	return v
}

// write is one channel update produced by one task within a superstep.
type write struct {
	task    string // writer identity, used in conflict reports
	channel string
	value   any
}

// apply folds a batch of same-step writes into current, channel by channel,
// through each channel's reducer. Writes must already be in deterministic
// order (the scheduler sorts tasks before collecting writes).
//
// Reducerless channels reject more than one distinct writer per step with a
// ConflictError. Writes to undeclared channels are a ConfigError.
func (s *Schema) apply(current Values, writes []write, step int) (Values, error) {
	next := make(Values, len(current)+len(writes))
	for k, v := range current {
		next[k] = v
	}

	writers := make(map[string][]string) // channel -> writer tasks, reducerless only
	for _, w := range writes {
		ch, ok := s.channels[w.channel]
		if !ok {
			return nil, &ConfigError{Op: "apply", Detail: "write to undeclared channel: " + w.channel}
		}
		if ch.Reducer == nil {
			writers[w.channel] = append(writers[w.channel], w.task)
			next[w.channel] = w.value
			continue
		}
		merged, err := ch.Reducer(next[w.channel], w.value)
		if err != nil {
			return nil, fmt.Errorf("reduce channel %q: %w", w.channel, err)
		}
		next[w.channel] = merged
	}

	for channel, tasks := range writers {
		if len(distinct(tasks)) > 1 {
			ws := distinct(tasks)
			sort.Strings(ws)
			return nil, &ConflictError{Channel: channel, Writers: ws, Step: step}
		}
	}
	return next, nil
}

func distinct(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Append is a built-in reducer that concatenates slice deltas onto the
// current slice value. A nil current is treated as empty; a non-slice
// incoming value is appended as a single element.
//
// Append is commutative only up to element order; it is safe for concurrent
// writers because the engine folds same-step deltas in sorted task order.
func Append(current, incoming any) (any, error) {
	cur := toSlice(current)
	inc, ok := incoming.([]any)
	if !ok {
		inc = []any{incoming}
	}
	out := make([]any, 0, len(cur)+len(inc))
	out = append(out, cur...)
	out = append(out, inc...)
	return out, nil
}

func toSlice(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}

// MergeMaps is a built-in reducer that deep-merges map deltas into the
// current map value, overriding scalar fields and appending slices.
func MergeMaps(current, incoming any) (any, error) {
	inc, ok := incoming.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge maps: incoming value is %T, want map[string]any", incoming)
	}
	cur, ok := current.(map[string]any)
	if current != nil && !ok {
		return nil, fmt.Errorf("merge maps: current value is %T, want map[string]any", current)
	}

	out := make(map[string]any, len(cur)+len(inc))
	for k, v := range cur {
		out[k] = v
	}
	if err := mergo.Merge(&out, inc, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return nil, fmt.Errorf("merge maps: %w", err)
	}
	return out, nil
}

// encodeValues serializes state for a checkpoint, one raw message per channel.
func encodeValues(v Values) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(v))
	for name, val := range v {
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode channel %q: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

// decodeValues restores state from a checkpoint's raw channel values.
func decodeValues(raw map[string]json.RawMessage) (Values, error) {
	out := make(Values, len(raw))
	for name, msg := range raw {
		var val any
		if err := json.Unmarshal(msg, &val); err != nil {
			return nil, fmt.Errorf("decode channel %q: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}
