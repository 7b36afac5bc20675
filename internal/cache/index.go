package cache

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/btree"

	"chronostore/pkg/domain"
)

type indexItem struct {
	value string
	key   string
}

func lessIndexItem(a, b indexItem) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.key < b.key
}

// index maps attribute values to primary keys. Unique indices hold at most one
// key per value.
type index struct {
	attr   string
	unique bool
	tree   *btree.BTreeG[indexItem]
}

func newIndex(attr string, unique bool) *index {
	return &index{attr: attr, unique: unique, tree: btree.NewG(degree, lessIndexItem)}
}

func (ix *index) add(key string, rec domain.Record) {
	if v, ok := ix.valueOf(rec); ok {
		ix.tree.ReplaceOrInsert(indexItem{value: v, key: key})
	}
}

func (ix *index) remove(key string, rec domain.Record) {
	if v, ok := ix.valueOf(rec); ok {
		ix.tree.Delete(indexItem{value: v, key: key})
	}
}

// owner returns the key holding value in a unique index.
func (ix *index) owner(value string) (string, bool) {
	var (
		key string
		ok  bool
	)
	ix.tree.AscendGreaterOrEqual(indexItem{value: value}, func(it indexItem) bool {
		if it.value == value {
			key, ok = it.key, true
		}
		return false
	})
	return key, ok
}

func (ix *index) keys(value string) []string {
	var out []string
	ix.tree.AscendGreaterOrEqual(indexItem{value: value}, func(it indexItem) bool {
		if it.value != value {
			return false
		}
		out = append(out, it.key)
		return true
	})
	return out
}

func (ix *index) snapshot() []string {
	out := make([]string, 0, ix.tree.Len())
	ix.tree.Ascend(func(it indexItem) bool {
		out = append(out, it.value+"="+it.key)
		return true
	})
	return out
}

func (ix *index) valueOf(rec domain.Record) (string, bool) {
	v, ok := rec.Attributes[ix.attr]
	if !ok || v == nil {
		return "", false
	}
	return indexValue(v), true
}

// indexValue renders v so that equal values of compatible types collide.
func indexValue(v any) string {
	switch n := domain.NormalizeValue(v).(type) {
	case string:
		return "s:" + n
	case int64:
		return fmt.Sprintf("n:%d", n)
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("n:%d", int64(n))
		}
		return fmt.Sprintf("n:%g", n)
	case bool:
		return fmt.Sprintf("b:%t", n)
	case time.Time:
		return "t:" + n.Format(time.RFC3339Nano)
	case []byte:
		return "x:" + hex.EncodeToString(n)
	default:
		return fmt.Sprintf("%T:%v", n, n)
	}
}
