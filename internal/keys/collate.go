package keys

import (
	"fmt"
	"strings"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// Collation transforms key parts before they are compared or stored.
type Collation string

const (
	CollateDefault         Collation = "default"
	CollateCaseInsensitive Collation = "ci"
)

func ParseCollation(name string) (Collation, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return CollateDefault, nil
	case "ci":
		return CollateCaseInsensitive, nil
	}
	return "", fmt.Errorf("%w: unknown collation %q", storeerr.ErrConfiguration, name)
}

// Apply returns the collated form of a key. Composite keys are collated part by part.
func (c Collation) Apply(v any) any {
	if c != CollateCaseInsensitive {
		return v
	}
	switch x := v.(type) {
	case string:
		return strings.ToLower(x)
	case Composite:
		out := make(Composite, len(x))
		for i, p := range x {
			out[i] = c.Apply(p)
		}
		return out
	}
	return v
}
