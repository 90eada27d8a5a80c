package uow

import (
	"fmt"
	"strings"
)

// ContextKind classifies a context by its place in the hierarchy.
type ContextKind int

const (
	// KindRoot is the private context that owns the store.
	KindRoot ContextKind = iota
	// KindMain is the long-lived foreground context, child of the root.
	KindMain
	// KindTemporary is a background child of the main context.
	KindTemporary
	// KindChild is a context nested under any non-root context.
	KindChild
)

var contextKindNames = map[ContextKind]string{
	KindRoot:      "root",
	KindMain:      "main",
	KindTemporary: "temporary",
	KindChild:     "child",
}

func (k ContextKind) String() string {
	if name, ok := contextKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ContextKind(%d)", int(k))
}

// ParseContextKind resolves a kind from its name, case-insensitively.
func ParseContextKind(name string) (ContextKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, label := range contextKindNames {
		if label == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("uow: unknown context kind %q", name)
}

// MarshalText encodes the kind by name.
func (k ContextKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *ContextKind) UnmarshalText(text []byte) error {
	kind, err := ParseContextKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// releasable reports whether callers may release contexts of this kind.
func (k ContextKind) releasable() bool {
	return k == KindTemporary || k == KindChild
}
