package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind describes how an entity type tracks time.
type Kind string

const (
	// KindNonDated entities hold a single record per key.
	KindNonDated Kind = "non_dated"
	// KindBusinessDated entities track business validity only; replaced
	// segments are discarded rather than kept as history.
	KindBusinessDated Kind = "business_dated"
	// KindBitemporal entities track business validity and processing history.
	KindBitemporal Kind = "bitemporal"
)

// Dated reports whether records of this kind carry a business range.
func (k Kind) Dated() bool { return k == KindBusinessDated || k == KindBitemporal }

// Audited reports whether processing history is retained.
func (k Kind) Audited() bool { return k == KindBitemporal }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNonDated, KindBusinessDated, KindBitemporal:
		return true
	default:
		return false
	}
}

// Attributes is the column bag of a record. Supported value types are
// string, int64, float64, bool, time.Time, []byte and nil; other integer and
// float widths are widened by Set.
type Attributes map[string]any

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			v = cp
		}
		out[k] = v
	}
	return out
}

// Set stores value under name after widening numeric types.
func (a Attributes) Set(name string, value any) {
	a[name] = NormalizeValue(value)
}

// Merge returns a copy of a with changes applied.
func (a Attributes) Merge(changes Attributes) Attributes {
	out := a.Clone()
	if out == nil {
		out = make(Attributes, len(changes))
	}
	for k, v := range changes {
		out.Set(k, v)
	}
	return out
}

// Equal compares attribute bags by value.
func (a Attributes) Equal(b Attributes) bool {
	return len(a.Diff(b)) == 0
}

// Diff returns the sorted names whose values differ between a and b.
func (a Attributes) Diff(b Attributes) []string {
	var names []string
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			names = append(names, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Float returns a numeric attribute as float64.
func (a Attributes) Float(name string) (float64, bool) {
	switch v := a[name].(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// String returns a string attribute.
func (a Attributes) String(name string) (string, bool) {
	v, ok := a[name].(string)
	return v, ok
}

// Increment adds delta to a numeric attribute, keeping int64 values integral
// when delta has no fractional part.
func (a Attributes) Increment(name string, delta float64) error {
	switch v := a[name].(type) {
	case nil:
		a[name] = NormalizeValue(delta)
	case int64:
		if delta == float64(int64(delta)) {
			a[name] = v + int64(delta)
		} else {
			a[name] = float64(v) + delta
		}
	case float64:
		a[name] = v + delta
	default:
		return fmt.Errorf("attribute %q is %T, not numeric", name, v)
	}
	return nil
}

// NormalizeValue widens integer and float types to int64 and float64 and
// converts times to UTC.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC()
	default:
		return v
	}
}

func valueEqual(a, b any) bool {
	a, b = NormalizeValue(a), NormalizeValue(b)
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int64:
			return av == float64(bv)
		}
		return false
	default:
		return a == b
	}
}

type typedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes each value with a type tag so round trips keep types.
func (a Attributes) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	out := make(map[string]typedValue, len(a))
	for k, v := range a {
		tv, err := encodeValue(NormalizeValue(v))
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = tv
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = nil
		return nil
	}
	var raw map[string]typedValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Attributes, len(raw))
	for k, tv := range raw {
		v, err := decodeValue(tv)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	*a = out
	return nil
}

func encodeValue(v any) (typedValue, error) {
	var tag string
	switch v.(type) {
	case nil:
		return typedValue{T: "n"}, nil
	case string:
		tag = "s"
	case int64:
		tag = "i"
	case float64:
		tag = "f"
	case bool:
		tag = "b"
	case time.Time:
		tag = "t"
	case []byte:
		tag = "x"
	default:
		return typedValue{}, fmt.Errorf("unsupported value type %T", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return typedValue{}, err
	}
	return typedValue{T: tag, V: raw}, nil
}

func decodeValue(tv typedValue) (any, error) {
	var err error
	switch tv.T {
	case "n":
		return nil, nil
	case "s":
		var s string
		err = json.Unmarshal(tv.V, &s)
		return s, err
	case "i":
		var i int64
		err = json.Unmarshal(tv.V, &i)
		return i, err
	case "f":
		var f float64
		err = json.Unmarshal(tv.V, &f)
		return f, err
	case "b":
		var b bool
		err = json.Unmarshal(tv.V, &b)
		return b, err
	case "t":
		var t time.Time
		err = json.Unmarshal(tv.V, &t)
		return t.UTC(), err
	case "x":
		var x []byte
		err = json.Unmarshal(tv.V, &x)
		return x, err
	default:
		return nil, fmt.Errorf("unknown value tag %q", tv.T)
	}
}

// Record is one versioned snapshot of an entity. Once committed it is never
// mutated; closing an open edge yields a new Record.
type Record struct {
	Key        string     `json:"key"`
	Business   Range      `json:"business"`
	Processing Range      `json:"processing"`
	Attributes Attributes `json:"attributes"`
}

// RecordID identifies a stored record row.
type RecordID struct {
	Key            string
	BusinessFrom   time.Time
	ProcessingFrom time.Time
}

// NewRecord builds a non-dated record.
func NewRecord(key string, attrs Attributes) Record {
	return Record{Key: key, Business: All, Processing: All, Attributes: Attributes{}.Merge(attrs)}
}

// NewDatedRecord builds a record valid from businessFrom with open ranges.
func NewDatedRecord(key string, businessFrom time.Time, attrs Attributes) Record {
	return Record{
		Key:        key,
		Business:   OpenFrom(businessFrom),
		Processing: All,
		Attributes: Attributes{}.Merge(attrs),
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Attributes = r.Attributes.Clone()
	return r
}

// ID returns the row identity of the record.
func (r Record) ID() RecordID {
	return RecordID{Key: r.Key, BusinessFrom: r.Business.From, ProcessingFrom: r.Processing.From}
}

// IsCurrent reports whether the record is still open in processing time.
func (r Record) IsCurrent() bool { return r.Processing.IsOpen() }

// Overlaps reports whether the validity rectangles of r and o intersect.
func (r Record) Overlaps(o Record) bool {
	return r.Business.Overlaps(o.Business) && r.Processing.Overlaps(o.Processing)
}

// ContainsPoint reports whether the rectangle contains (business, processing).
func (r Record) ContainsPoint(business, processing time.Time) bool {
	return r.Business.Contains(business) && r.Processing.Contains(processing)
}

// SameVersion reports whether r and o describe the same row with equal content.
func (r Record) SameVersion(o Record) bool {
	return r.Key == o.Key && r.Business.Equal(o.Business) && r.Processing.Equal(o.Processing) &&
		r.Attributes.Equal(o.Attributes)
}

func (r Record) String() string {
	return fmt.Sprintf("%s b=%s p=%s", r.Key, r.Business, r.Processing)
}
