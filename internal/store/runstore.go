package store

import (
	"context"
	"encoding/json"
	"fmt"

	"nodevalidator/internal/logging"
	"nodevalidator/internal/types"
)

// Keys of the durable run state.
const (
	KeyItems                   = "validationData"
	KeyCurrentIndex            = "currentIndex"
	KeyFilterStartIndex        = "filterStartIndex"
	KeyInitialFilterStartIndex = "initialFilterStartIndex"
	KeyStopped                 = "validationStopped"
)

var runKeys = []string{
	KeyItems,
	KeyCurrentIndex,
	KeyFilterStartIndex,
	KeyInitialFilterStartIndex,
	KeyStopped,
}

// Patch is a partial update of the durable run state. Nil fields are left alone.
type Patch struct {
	Items                   []types.Item
	SetItems                bool
	CurrentIndex            *int
	FilterStartIndex        *int
	InitialFilterStartIndex *int
	ClearInitialFilterStart bool
	Stopped                 *bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return !p.SetItems && p.CurrentIndex == nil && p.FilterStartIndex == nil &&
		p.InitialFilterStartIndex == nil && !p.ClearInitialFilterStart && p.Stopped == nil
}

// Merge returns p with later's fields layered on top.
func (p Patch) Merge(later Patch) Patch {
	out := p
	if later.SetItems {
		out.Items = later.Items
		out.SetItems = true
	}
	if later.CurrentIndex != nil {
		out.CurrentIndex = later.CurrentIndex
	}
	if later.FilterStartIndex != nil {
		out.FilterStartIndex = later.FilterStartIndex
	}
	if later.InitialFilterStartIndex != nil {
		out.InitialFilterStartIndex = later.InitialFilterStartIndex
		out.ClearInitialFilterStart = false
	}
	if later.ClearInitialFilterStart {
		out.InitialFilterStartIndex = nil
		out.ClearInitialFilterStart = true
	}
	if later.Stopped != nil {
		out.Stopped = later.Stopped
	}
	return out
}

// Int and Bool build patch fields inline.
func Int(v int) *int    { return &v }
func Bool(v bool) *bool { return &v }

// RunStore reads and writes the durable slice of RunState over a KV.
type RunStore struct {
	kv KV
}

// NewRunStore wraps kv.
func NewRunStore(kv KV) *RunStore {
	return &RunStore{kv: kv}
}

// KV returns the underlying store.
func (r *RunStore) KV() KV {
	return r.kv
}

// Snapshot loads the durable fields. Absent keys take their zero values.
func (r *RunStore) Snapshot(ctx context.Context) (types.RunState, error) {
	var rs types.RunState

	raw, err := r.kv.Get(ctx, runKeys...)
	if err != nil {
		return rs, fmt.Errorf("read run state: %w", err)
	}

	if data, ok := raw[KeyItems]; ok {
		if err := json.Unmarshal(data, &rs.Items); err != nil {
			return rs, fmt.Errorf("decode %s: %w", KeyItems, err)
		}
	}
	if data, ok := raw[KeyCurrentIndex]; ok {
		if err := json.Unmarshal(data, &rs.CurrentIndex); err != nil {
			return rs, fmt.Errorf("decode %s: %w", KeyCurrentIndex, err)
		}
	}
	if data, ok := raw[KeyFilterStartIndex]; ok {
		if err := json.Unmarshal(data, &rs.FilterStartIndex); err != nil {
			return rs, fmt.Errorf("decode %s: %w", KeyFilterStartIndex, err)
		}
	}
	if data, ok := raw[KeyInitialFilterStartIndex]; ok {
		var v *int
		if err := json.Unmarshal(data, &v); err != nil {
			return rs, fmt.Errorf("decode %s: %w", KeyInitialFilterStartIndex, err)
		}
		rs.InitialFilterStartIndex = v
	}
	if data, ok := raw[KeyStopped]; ok {
		if err := json.Unmarshal(data, &rs.Stopped); err != nil {
			return rs, fmt.Errorf("decode %s: %w", KeyStopped, err)
		}
	}

	rs.CurrentIndex = types.ClampIndex(rs.CurrentIndex, len(rs.Items))
	rs.FilterStartIndex = types.ClampIndex(rs.FilterStartIndex, len(rs.Items))
	return rs, nil
}

// Apply writes the patch atomically.
func (r *RunStore) Apply(ctx context.Context, p Patch) error {
	if p.Empty() {
		return nil
	}

	values := make(map[string][]byte, len(runKeys))
	put := func(key string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		values[key] = data
		return nil
	}

	if p.SetItems {
		items := p.Items
		if items == nil {
			items = []types.Item{}
		}
		if err := put(KeyItems, items); err != nil {
			return err
		}
	}
	if p.CurrentIndex != nil {
		if err := put(KeyCurrentIndex, *p.CurrentIndex); err != nil {
			return err
		}
	}
	if p.FilterStartIndex != nil {
		if err := put(KeyFilterStartIndex, *p.FilterStartIndex); err != nil {
			return err
		}
	}
	if p.InitialFilterStartIndex != nil {
		if err := put(KeyInitialFilterStartIndex, *p.InitialFilterStartIndex); err != nil {
			return err
		}
	}
	if p.Stopped != nil {
		if err := put(KeyStopped, *p.Stopped); err != nil {
			return err
		}
	}

	if len(values) > 0 {
		if err := r.kv.Set(ctx, values); err != nil {
			return fmt.Errorf("write run state: %w", err)
		}
	}
	if p.ClearInitialFilterStart && p.InitialFilterStartIndex == nil {
		if err := r.kv.Delete(ctx, KeyInitialFilterStartIndex); err != nil {
			return fmt.Errorf("clear %s: %w", KeyInitialFilterStartIndex, err)
		}
	}
	logging.StoreDebug("Applied run patch (%d keys)", len(values))
	return nil
}

// Clear removes all durable run state.
func (r *RunStore) Clear(ctx context.Context) error {
	if err := r.kv.Delete(ctx, runKeys...); err != nil {
		return fmt.Errorf("clear run state: %w", err)
	}
	logging.Store("Cleared run state")
	return nil
}
