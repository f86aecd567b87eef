package models

import (
	"fmt"
	"strconv"

	"github.com/shivanibhat24/docstore/pkg/revision"
)

// Document is the backend-neutral representation of a stored document.
// Scalars live in Values, revision keyed or cluster keyed sub-maps in Maps.
type Document struct {
	ID       string                       `json:"_id"`
	ModCount int64                        `json:"_modCount"`
	Values   map[string]string            `json:"values,omitempty"`
	Maps     map[string]map[string]string `json:"maps,omitempty"`
}

// NewDocument creates an empty document
func NewDocument(id string) *Document {
	return &Document{
		ID:     id,
		Values: make(map[string]string),
		Maps:   make(map[string]map[string]string),
	}
}

// Get returns a scalar value
func (d *Document) Get(key string) (string, bool) {
	v, ok := d.Values[key]
	return v, ok
}

// MapEntry returns one entry of a sub-map
func (d *Document) MapEntry(name, key string) (string, bool) {
	m, ok := d.Maps[name]
	if !ok {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// Map returns a sub-map, nil when absent. Callers must not modify it.
func (d *Document) Map(name string) map[string]string {
	return d.Maps[name]
}

// Copy creates a deep copy of the document
func (d *Document) Copy() *Document {
	nd := &Document{
		ID:       d.ID,
		ModCount: d.ModCount,
		Values:   make(map[string]string, len(d.Values)),
		Maps:     make(map[string]map[string]string, len(d.Maps)),
	}
	for k, v := range d.Values {
		nd.Values[k] = v
	}
	for name, m := range d.Maps {
		cm := make(map[string]string, len(m))
		for k, v := range m {
			cm[k] = v
		}
		nd.Maps[name] = cm
	}
	return nd
}

// OperationType enumerates the changes an UpdateOp can carry
type OperationType int

const (
	OpSet OperationType = iota
	OpMax
	OpIncrement
	OpSetMapEntry
	OpRemoveMapEntry
	OpMaxRevisionEntry
)

// Operation is one change of an UpdateOp
type Operation struct {
	Type   OperationType `json:"type"`
	Key    string        `json:"key"`
	MapKey string        `json:"map_key,omitempty"`
	Value  string        `json:"value,omitempty"`
	Delta  int64         `json:"delta,omitempty"`
}

// ConditionType enumerates the preconditions an UpdateOp can carry
type ConditionType int

const (
	CondEquals ConditionType = iota
	CondExists
	CondNotExists
)

// Condition must hold on the current document for an UpdateOp to apply.
// An empty MapKey addresses Values[Key], otherwise Maps[Key][MapKey].
type Condition struct {
	Type   ConditionType `json:"type"`
	Key    string        `json:"key"`
	MapKey string        `json:"map_key,omitempty"`
	Value  string        `json:"value,omitempty"`
}

// UpdateOp is a conditional update of a single document
type UpdateOp struct {
	ID         string      `json:"id"`
	Conditions []Condition `json:"conditions,omitempty"`
	Changes    []Operation `json:"changes"`
}

// NewUpdateOp creates an update for the document with the given id
func NewUpdateOp(id string) *UpdateOp {
	return &UpdateOp{ID: id}
}

// Set sets a scalar value
func (op *UpdateOp) Set(key, value string) *UpdateOp {
	op.Changes = append(op.Changes, Operation{Type: OpSet, Key: key, Value: value})
	return op
}

// Max sets a numeric scalar unless the current value is greater
func (op *UpdateOp) Max(key string, value int64) *UpdateOp {
	op.Changes = append(op.Changes, Operation{Type: OpMax, Key: key, Value: strconv.FormatInt(value, 10)})
	return op
}

// Increment adds delta to a numeric scalar
func (op *UpdateOp) Increment(key string, delta int64) *UpdateOp {
	op.Changes = append(op.Changes, Operation{Type: OpIncrement, Key: key, Delta: delta})
	return op
}

// SetMapEntry sets one entry of a sub-map
func (op *UpdateOp) SetMapEntry(name, key, value string) *UpdateOp {
	op.Changes = append(op.Changes, Operation{Type: OpSetMapEntry, Key: name, MapKey: key, Value: value})
	return op
}

// RemoveMapEntry removes one entry of a sub-map
func (op *UpdateOp) RemoveMapEntry(name, key string) *UpdateOp {
	op.Changes = append(op.Changes, Operation{Type: OpRemoveMapEntry, Key: name, MapKey: key})
	return op
}

// MaxRevisionEntry sets a sub-map entry to rev unless it already holds
// an equal or newer revision
func (op *UpdateOp) MaxRevisionEntry(name, key string, rev revision.Revision) *UpdateOp {
	op.Changes = append(op.Changes, Operation{Type: OpMaxRevisionEntry, Key: name, MapKey: key, Value: rev.String()})
	return op
}

// Equals requires Values[key] == value
func (op *UpdateOp) Equals(key, value string) *UpdateOp {
	op.Conditions = append(op.Conditions, Condition{Type: CondEquals, Key: key, Value: value})
	return op
}

// Exists requires Values[key] to be present
func (op *UpdateOp) Exists(key string) *UpdateOp {
	op.Conditions = append(op.Conditions, Condition{Type: CondExists, Key: key})
	return op
}

// NotExists requires Values[key] to be absent
func (op *UpdateOp) NotExists(key string) *UpdateOp {
	op.Conditions = append(op.Conditions, Condition{Type: CondNotExists, Key: key})
	return op
}

// CheckConditions reports whether all conditions hold on doc (nil for absent)
func (op *UpdateOp) CheckConditions(doc *Document) bool {
	for _, c := range op.Conditions {
		var v string
		var ok bool
		if doc != nil {
			if c.MapKey == "" {
				v, ok = doc.Get(c.Key)
			} else {
				v, ok = doc.MapEntry(c.Key, c.MapKey)
			}
		}
		switch c.Type {
		case CondEquals:
			if !ok || v != c.Value {
				return false
			}
		case CondExists:
			if !ok {
				return false
			}
		case CondNotExists:
			if ok {
				return false
			}
		}
	}
	return true
}

// ApplyUpdate applies op to a copy of doc (nil creates a new document)
// and returns the result. Conditions are not checked here.
func ApplyUpdate(doc *Document, op *UpdateOp) (*Document, error) {
	var nd *Document
	if doc == nil {
		nd = NewDocument(op.ID)
	} else {
		nd = doc.Copy()
	}

	for _, c := range op.Changes {
		switch c.Type {
		case OpSet:
			nd.Values[c.Key] = c.Value

		case OpMax:
			next, err := strconv.ParseInt(c.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to apply max on %s: %w", c.Key, err)
			}
			if cur, ok := nd.Values[c.Key]; ok {
				curVal, err := strconv.ParseInt(cur, 10, 64)
				if err == nil && curVal >= next {
					continue
				}
			}
			nd.Values[c.Key] = c.Value

		case OpIncrement:
			var curVal int64
			if cur, ok := nd.Values[c.Key]; ok {
				v, err := strconv.ParseInt(cur, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("failed to increment %s: %w", c.Key, err)
				}
				curVal = v
			}
			nd.Values[c.Key] = strconv.FormatInt(curVal+c.Delta, 10)

		case OpSetMapEntry:
			mapFor(nd, c.Key)[c.MapKey] = c.Value

		case OpRemoveMapEntry:
			if m, ok := nd.Maps[c.Key]; ok {
				delete(m, c.MapKey)
				if len(m) == 0 {
					delete(nd.Maps, c.Key)
				}
			}

		case OpMaxRevisionEntry:
			next, err := revision.Parse(c.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to apply max revision on %s: %w", c.Key, err)
			}
			m := mapFor(nd, c.Key)
			if cur, ok := m[c.MapKey]; ok {
				curRev, err := revision.Parse(cur)
				if err != nil {
					return nil, fmt.Errorf("failed to apply max revision on %s: %w", c.Key, err)
				}
				if !next.NewerThan(curRev) {
					continue
				}
			}
			m[c.MapKey] = c.Value

		default:
			return nil, fmt.Errorf("unknown operation type %d", c.Type)
		}
	}

	nd.ModCount++
	return nd, nil
}

func mapFor(doc *Document, name string) map[string]string {
	m, ok := doc.Maps[name]
	if !ok {
		m = make(map[string]string)
		doc.Maps[name] = m
	}
	return m
}
