package udf

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Cache memoizes UDF results per (function, argument digest). Large JSON
// arguments are digested by structure, so structurally identical inputs
// share one entry and one underlying cascade execution.
type Cache struct {
	mu      sync.Mutex
	entries map[string]any
	hits    int64
	misses  int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]any)}
}

// structureKeyThreshold is the serialized size above which a JSON
// argument is digested by shape instead of content.
const structureKeyThreshold = 2048

// Key builds the cache key for a call from the function name and its
// evaluated arguments.
func Key(fn string, args []any) string {
	h := sha256.New()
	h.Write([]byte(fn))
	for _, a := range args {
		h.Write([]byte{0})
		h.Write([]byte(argDigest(a)))
	}
	return fn + ":" + hex.EncodeToString(h.Sum(nil))
}

// argDigest renders one argument into its digest form: scalars by value,
// large JSON values by structure hash.
func argDigest(a any) string {
	switch v := a.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if len(trimmed) > structureKeyThreshold && looksJSON(trimmed) {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return "shape:" + StructureHash(decoded)
			}
		}
		return "str:" + v
	case map[string]any, []any:
		b, _ := json.Marshal(v)
		if len(b) > structureKeyThreshold {
			return "shape:" + StructureHash(v)
		}
		return "json:" + string(b)
	default:
		return fmt.Sprintf("val:%v", v)
	}
}

func looksJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// StructureHash digests the shape of a JSON value: the type tree with
// sorted keys, descending only into the first element per level of an
// array. Two values with identical structure share a hash regardless of
// scalar content.
func StructureHash(v any) string {
	h := sha256.New()
	writeShape(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

func writeShape(h interface{ Write([]byte) (int, error) }, v any) {
	switch t := v.(type) {
	case map[string]any:
		h.Write([]byte("{"))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte(":"))
			writeShape(h, t[k])
			h.Write([]byte(","))
		}
		h.Write([]byte("}"))
	case []any:
		h.Write([]byte("["))
		if len(t) > 0 {
			// One branch per level only.
			writeShape(h, t[0])
		}
		h.Write([]byte("]"))
	case string:
		h.Write([]byte("s"))
	case float64:
		h.Write([]byte("n"))
	case bool:
		h.Write([]byte("b"))
	case nil:
		h.Write([]byte("z"))
	default:
		h.Write([]byte("?"))
	}
}

// Get returns a cached value.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Put stores a value.
func (c *Cache) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = v
}

// Stats reports hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
