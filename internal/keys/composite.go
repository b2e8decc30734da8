package keys

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

type sentinel int8

func (s sentinel) String() string {
	if s > 0 {
		return "+inf"
	}
	return "-inf"
}

// Sentinel parts compare above (AlwaysGreater) or below (AlwaysLess) every
// real value. They pad partial bounds of composite range queries.
var (
	AlwaysGreater any = sentinel(1)
	AlwaysLess    any = sentinel(-1)
)

// IsSentinel reports whether v is AlwaysGreater or AlwaysLess.
func IsSentinel(v any) bool {
	_, ok := v.(sentinel)
	return ok
}

// Composite is an ordered tuple of key parts.
type Composite []any

// Compare compares the common prefix of two composite keys. A shorter key
// compares equal to any longer key it is a prefix of.
func (c Composite) Compare(o Composite) int {
	n := min(len(c), len(o))
	for i := 0; i < n; i++ {
		if r := Compare(c[i], o[i]); r != 0 {
			return r
		}
	}
	return 0
}

// Equal requires the same number of parts and pairwise equal parts.
func (c Composite) Equal(o Composite) bool {
	return len(c) == len(o) && c.Compare(o) == 0
}

// Pad extends a partial key to n parts with the given sentinel.
func (c Composite) Pad(n int, with any) Composite {
	if len(c) >= n {
		return c
	}
	out := make(Composite, n)
	copy(out, c)
	for i := len(c); i < n; i++ {
		out[i] = with
	}
	return out
}

func (c Composite) String() string {
	parts := make([]string, len(c))
	for i, p := range c {
		parts[i] = fmt.Sprint(p)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// typeRank orders values of different kinds. Sentinels are handled before ranking.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case []byte:
		return 4
	case time.Time:
		return 5
	case rid.RID:
		return 6
	case Composite:
		return 7
	}
	return 8
}

// Compare orders two normalized key values. nil sorts first; composites use prefix
// semantics; a scalar compared with a composite behaves as a one-part composite.
func Compare(a, b any) int {
	if sa, ok := a.(sentinel); ok {
		if sb, ok := b.(sentinel); ok {
			return cmpInt(int64(sa), int64(sb))
		}
		return int(sa)
	}
	if sb, ok := b.(sentinel); ok {
		return -int(sb)
	}

	ca, aComp := a.(Composite)
	cb, bComp := b.(Composite)
	switch {
	case aComp && bComp:
		return ca.Compare(cb)
	case aComp:
		return ca.Compare(Composite{b})
	case bComp:
		return Composite{a}.Compare(cb)
	}

	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}

	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case int64:
		if y, ok := b.(int64); ok {
			return cmpInt(x, y)
		}
		return cmpFloat(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmpFloat(x, float64(y))
		}
		return cmpFloat(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	case time.Time:
		return x.Compare(b.(time.Time))
	case rid.RID:
		return x.Compare(b.(rid.RID))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Equal reports whether two keys are equal. Composite keys must have the same length.
func Equal(a, b any) bool {
	ca, aComp := a.(Composite)
	cb, bComp := b.(Composite)
	if aComp && bComp {
		return ca.Equal(cb)
	}
	if aComp != bComp {
		return false
	}
	return Compare(a, b) == 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
