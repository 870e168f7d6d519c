// Package profile models versioned configuration profiles and reads them from a
// node's local profile cache.
//
// A Profile is an immutable tree decoded from the cached profile document. Subtree
// checksums are BLAKE3 hashes over a canonical, type-tagged encoding of the
// subtree, computed on first use and memoised, so comparing two profiles costs
// one hash per watched path rather than a walk of the whole tree.
package profile

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// VersionID identifies one profile version. Versions increase monotonically.
type VersionID uint64

func (v VersionID) String() string { return strconv.FormatUint(uint64(v), 10) }

// ParseVersionID parses the decimal form written in the cache.
func ParseVersionID(s string) (VersionID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version id %q: %w", s, err)
	}
	return VersionID(n), nil
}

// Checksum is a BLAKE3-256 digest of a subtree. The zero value stands for
// "path does not exist".
type Checksum [32]byte

func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

// IsZero reports whether c is the missing-path checksum.
func (c Checksum) IsZero() bool { return c == Checksum{} }

// Profile is an immutable snapshot of the configuration tree at one version.
// Values returned by Subtree and Map must not be modified.
type Profile struct {
	version VersionID
	root    any

	mu   sync.Mutex
	sums map[string]Checksum
}

// New builds a Profile from an already decoded tree. Map keys are normalised to
// strings so documents decoded from YAML and JSON hash identically.
func New(version VersionID, root any) *Profile {
	return &Profile{
		version: version,
		root:    normalize(root),
		sums:    make(map[string]Checksum),
	}
}

// VersionID returns the version this profile was loaded from.
func (p *Profile) VersionID() VersionID { return p.version }

// RootChecksum is the checksum of the whole tree.
func (p *Profile) RootChecksum() Checksum { return p.Checksum("/") }

// Checksum returns the checksum of the subtree at path, or the zero Checksum if
// the path does not exist.
func (p *Profile) Checksum(path string) Checksum {
	key := CleanPath(path)

	p.mu.Lock()
	if sum, ok := p.sums[key]; ok {
		p.mu.Unlock()
		return sum
	}
	p.mu.Unlock()

	var sum Checksum
	if node, ok := p.lookup(key); ok {
		h := blake3.New()
		writeCanonical(h, node)
		copy(sum[:], h.Sum(nil))
	}

	p.mu.Lock()
	p.sums[key] = sum
	p.mu.Unlock()
	return sum
}

// Exists reports whether path resolves to a node.
func (p *Profile) Exists(path string) bool {
	_, ok := p.lookup(CleanPath(path))
	return ok
}

// Subtree returns the node at path.
func (p *Profile) Subtree(path string) (any, bool) {
	return p.lookup(CleanPath(path))
}

// Map returns the node at path when it is a map (an nlist, in profile terms).
func (p *Profile) Map(path string) (map[string]any, bool) {
	node, ok := p.lookup(CleanPath(path))
	if !ok {
		return nil, false
	}
	m, ok := node.(map[string]any)
	return m, ok
}

// CleanPath normalises a profile path to "/a/b/c" form. The root is "/".
func CleanPath(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// JoinPath appends elements to a profile path.
func JoinPath(base string, elem ...string) string {
	parts := splitPath(base)
	for _, e := range elem {
		parts = append(parts, splitPath(e)...)
	}
	return "/" + strings.Join(parts, "/")
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := raw[:0]
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *Profile) lookup(clean string) (any, bool) {
	node := p.root
	if node == nil {
		return nil, false
	}
	for _, seg := range splitPath(clean) {
		switch n := node.(type) {
		case map[string]any:
			next, ok := n[seg]
			if !ok {
				return nil, false
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, false
			}
			node = n[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

func normalize(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, val := range n {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

// writeCanonical feeds a type-tagged, length-prefixed encoding of v into w.
// Map keys are visited in sorted order.
func writeCanonical(w hashWriter, v any) {
	var lenBuf [binary.MaxVarintLen64]byte
	writeTag := func(tag byte) { _, _ = w.Write([]byte{tag}) }
	writeBytes := func(b []byte) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
		_, _ = w.Write(lenBuf[:n])
		_, _ = w.Write(b)
	}
	writeLen := func(l int) {
		n := binary.PutUvarint(lenBuf[:], uint64(l))
		_, _ = w.Write(lenBuf[:n])
	}

	switch n := v.(type) {
	case nil:
		writeTag('n')
	case bool:
		writeTag('b')
		if n {
			writeTag(1)
		} else {
			writeTag(0)
		}
	case string:
		writeTag('s')
		writeBytes([]byte(n))
	case int:
		writeTag('i')
		writeBytes([]byte(strconv.FormatInt(int64(n), 10)))
	case int64:
		writeTag('i')
		writeBytes([]byte(strconv.FormatInt(n, 10)))
	case uint64:
		writeTag('i')
		writeBytes([]byte(strconv.FormatUint(n, 10)))
	case float64:
		// Integral floats (JSON numbers) hash like ints.
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			writeTag('i')
			writeBytes([]byte(strconv.FormatInt(int64(n), 10)))
			return
		}
		writeTag('f')
		writeBytes([]byte(strconv.FormatFloat(n, 'g', -1, 64)))
	case time.Time:
		writeTag('t')
		writeBytes([]byte(n.UTC().Format(time.RFC3339Nano)))
	case []any:
		writeTag('l')
		writeLen(len(n))
		for _, item := range n {
			writeCanonical(w, item)
		}
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeTag('m')
		writeLen(len(keys))
		for _, k := range keys {
			writeBytes([]byte(k))
			writeCanonical(w, n[k])
		}
	default:
		writeTag('x')
		writeBytes([]byte(fmt.Sprint(n)))
	}
}
