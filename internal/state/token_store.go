package state

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"tokensync/internal/schema"
)

var (
	ErrNotFound     = errors.New("no such token")
	ErrUnknownField = errors.New("unknown field")
	ErrImmutable    = errors.New("immutable field")
)

// Snapshot is a token in wire shape: declared fields plus the attributes map.
type Snapshot map[string]any

type MenuItem struct {
	Name   string         `yaml:"name" json:"name"`
	Action string         `yaml:"action" json:"action"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

type Store struct {
	schema schema.Schema

	mu     sync.Mutex
	tokens map[int64]*tokenRow
}

type tokenRow struct {
	// last change time for the status page.
	updatedAt time.Time

	fields map[string]any
	attrs  map[string]any
	menu   []MenuItem
}

func NewStore(s schema.Schema) (*Store, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Store{schema: s, tokens: map[int64]*tokenRow{}}, nil
}

func (s *Store) Schema() schema.Schema { return s.schema }

// Put inserts or replaces a token. Missing declared fields are stored as nil so
// every snapshot served to clients carries the full field set.
func (s *Store) Put(snapshot map[string]any) (int64, error) {
	idv, err := schema.Coerce(schema.Int, snapshot[s.schema.IdentityField])
	id, ok := idv.(int64)
	if err != nil || !ok {
		return 0, fmt.Errorf("token snapshot: missing or invalid %q", s.schema.IdentityField)
	}

	full := make(map[string]any, len(snapshot))
	for name := range s.schema.Fields {
		full[name] = nil
	}
	maps.Copy(full, snapshot)
	fields, attrs, _, err := s.schema.Build(full)
	if err != nil {
		return 0, fmt.Errorf("token %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var menu []MenuItem
	if prev := s.tokens[id]; prev != nil {
		menu = prev.menu
	}
	s.tokens[id] = &tokenRow{updatedAt: time.Now().UTC(), fields: fields, attrs: attrs, menu: menu}
	return id, nil
}

func (s *Store) Get(id int64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tokens[id]
	if row == nil {
		return nil, false
	}
	return s.snapshotLocked(row), true
}

func (s *Store) snapshotLocked(row *tokenRow) Snapshot {
	out := Snapshot(maps.Clone(row.fields))
	if f := s.schema.AttributesField; f != "" {
		out[f] = maps.Clone(row.attrs)
	}
	return out
}

func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[id]
	delete(s.tokens, id)
	return ok
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// IDs returns the token ids in ascending order.
func (s *Store) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.tokens))
}

// Owner returns the owner field of id, 0 when unowned or unknown.
func (s *Store) Owner(id int64) int64 {
	if s.schema.OwnerField == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tokens[id]
	if row == nil {
		return 0
	}
	n, _ := row.fields[s.schema.OwnerField].(int64)
	return n
}

func (s *Store) Menu(id int64) ([]MenuItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tokens[id]
	if row == nil || row.menu == nil {
		return nil, false
	}
	return slices.Clone(row.menu), true
}

func (s *Store) SetMenu(id int64, menu []MenuItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tokens[id]
	if row == nil {
		return false
	}
	row.menu = slices.Clone(menu)
	row.updatedAt = time.Now().UTC()
	return true
}

// Change applies a client write: the field is set to newVal only if old equals
// the stored value. value is what the field holds afterwards.
func (s *Store) Change(id int64, field string, old, newVal any) (value any, ok bool, err error) {
	if field == s.schema.IdentityField {
		return nil, false, fmt.Errorf("token %d %s: %w", id, field, ErrImmutable)
	}
	return s.change(id, false, field, old, newVal)
}

// ChangeAttr is Change for attributes.
func (s *Store) ChangeAttr(id int64, name string, old, newVal any) (value any, ok bool, err error) {
	return s.change(id, true, name, old, newVal)
}

func (s *Store) change(id int64, attr bool, name string, old, newVal any) (any, bool, error) {
	typ, err := s.fieldType(attr, name)
	if err != nil {
		return nil, false, fmt.Errorf("token %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tokens[id]
	if row == nil {
		return nil, false, fmt.Errorf("token %d: %w", id, ErrNotFound)
	}
	values := row.values(attr)
	cur := values[name]

	o, err := schema.Coerce(typ, old)
	if err != nil {
		return cur, false, fmt.Errorf("token %d %s old value: %w", id, name, err)
	}
	n, err := schema.Coerce(typ, newVal)
	if err != nil {
		return cur, false, fmt.Errorf("token %d %s: %w", id, name, err)
	}
	if !reflect.DeepEqual(o, cur) {
		return cur, false, nil
	}
	values[name] = n
	row.updatedAt = time.Now().UTC()
	return n, true, nil
}

// Set overwrites a field unconditionally and returns the coerced value.
func (s *Store) Set(id int64, field string, v any) (any, error) {
	if field == s.schema.IdentityField {
		return nil, fmt.Errorf("token %d %s: %w", id, field, ErrImmutable)
	}
	return s.set(id, false, field, v)
}

func (s *Store) SetAttr(id int64, name string, v any) (any, error) {
	return s.set(id, true, name, v)
}

func (s *Store) set(id int64, attr bool, name string, v any) (any, error) {
	typ, err := s.fieldType(attr, name)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", id, err)
	}
	n, err := schema.Coerce(typ, v)
	if err != nil {
		return nil, fmt.Errorf("token %d %s: %w", id, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tokens[id]
	if row == nil {
		return nil, fmt.Errorf("token %d: %w", id, ErrNotFound)
	}
	row.values(attr)[name] = n
	row.updatedAt = time.Now().UTC()
	return n, nil
}

// LastUpdate returns the most recent change time across all tokens.
func (s *Store) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, row := range s.tokens {
		if row.updatedAt.After(last) {
			last = row.updatedAt
		}
	}
	return last
}

func (s *Store) fieldType(attr bool, name string) (schema.FieldType, error) {
	decl := s.schema.Fields
	if attr {
		decl = s.schema.Attributes
	}
	t, ok := decl[name]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownField, name)
	}
	return t, nil
}

func (r *tokenRow) values(attr bool) map[string]any {
	if attr {
		return r.attrs
	}
	return r.fields
}
