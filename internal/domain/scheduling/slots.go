package scheduling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const slotKeyLayout = "15:04"

// SlotMap is an insertion-ordered set of "HH:MM" keys with an open flag each.
// Keys are generated in chronological order, so iteration order is time order.
// The zero value is not usable; call NewSlotMap or GenerateSlots.
type SlotMap struct {
	keys []string
	open map[string]bool
}

type slotEntry struct {
	Key  string `json:"key"`
	Open bool   `json:"open"`
}

func NewSlotMap() *SlotMap {
	return &SlotMap{open: make(map[string]bool)}
}

// SlotCount is the number of keys GenerateSlots emits for the same inputs.
func SlotCount(start, end time.Time, slot, brk time.Duration) int {
	stride := slot + brk
	if stride <= 0 || !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / stride)
}

// GenerateSlots strides from start in steps of slot+brk and emits an open key
// for every step whose full stride fits before end. A repeated key overwrites
// the earlier one in place.
func GenerateSlots(start, end time.Time, slot, brk time.Duration) *SlotMap {
	m := NewSlotMap()
	stride := slot + brk
	if stride <= 0 {
		return m
	}
	for cur := start; !cur.Add(stride).After(end); cur = cur.Add(stride) {
		m.put(cur.Format(slotKeyLayout), true)
	}
	return m
}

func (m *SlotMap) put(key string, open bool) {
	if _, ok := m.open[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.open[key] = open
}

// Len returns the number of keys; a nil map has none.
func (m *SlotMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns every key in order.
func (m *SlotMap) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// State reports the flag for key and whether the key exists.
func (m *SlotMap) State(key string) (open, ok bool) {
	if m == nil {
		return false, false
	}
	open, ok = m.open[key]
	return open, ok
}

// SetState flips an existing key. Keys are never added or removed here.
func (m *SlotMap) SetState(key string, open bool) error {
	if _, ok := m.State(key); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, key)
	}
	m.open[key] = open
	return nil
}

// Open lists the open keys in chronological order.
func (m *SlotMap) Open() []string {
	if m == nil {
		return []string{}
	}
	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		if m.open[k] {
			out = append(out, k)
		}
	}
	return out
}

func (m *SlotMap) Clone() *SlotMap {
	if m == nil {
		return nil
	}
	c := &SlotMap{keys: append([]string(nil), m.keys...), open: make(map[string]bool, len(m.open))}
	for k, v := range m.open {
		c.open[k] = v
	}
	return c
}

// Equal compares keys, order and flags.
func (m *SlotMap) Equal(o *SlotMap) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, k := range m.Keys() {
		if o.keys[i] != k || o.open[k] != m.open[k] {
			return false
		}
	}
	return true
}

// MarshalJSON writes the map as an ordered array so key order survives
// storage in JSONB and transport to clients.
func (m *SlotMap) MarshalJSON() ([]byte, error) {
	entries := make([]slotEntry, 0, m.Len())
	if m != nil {
		for _, k := range m.keys {
			entries = append(entries, slotEntry{Key: k, Open: m.open[k]})
		}
	}
	return json.Marshal(entries)
}

func (m *SlotMap) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = SlotMap{open: make(map[string]bool)}
		return nil
	}
	var entries []slotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode slot map: %w", err)
	}
	out := NewSlotMap()
	for _, e := range entries {
		if _, err := time.Parse(slotKeyLayout, e.Key); err != nil {
			return fmt.Errorf("invalid slot key %q", e.Key)
		}
		out.put(e.Key, e.Open)
	}
	*m = *out
	return nil
}
