package operation

import (
	"fmt"
	"strings"
)

// Kind selects which catalog action an Operation Record triggers.
type Kind string

const (
	KindReserve     Kind = "reserve"
	KindDeploy      Kind = "deploy"
	KindDestroy     Kind = "destroy"
	KindDelete      Kind = "delete"
	KindRedeploy    Kind = "redeploy"
	KindRunLoad     Kind = "run-load"
	KindClean       Kind = "clean"
	KindRestartNode Kind = "restart-node"
	KindTest        Kind = "test"
)

// allKinds is the closed enumeration, in declaration order.
var allKinds = []Kind{
	KindReserve,
	KindDeploy,
	KindDestroy,
	KindDelete,
	KindRedeploy,
	KindRunLoad,
	KindClean,
	KindRestartNode,
	KindTest,
}

// Kinds returns every known operation kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a member of the closed enumeration.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a user supplied tag into a Kind. It accepts the legacy
// "request_" prefixed tags and underscores in place of hyphens.
func ParseKind(s string) (Kind, error) {
	tag := strings.ToLower(strings.TrimSpace(s))
	tag = strings.TrimPrefix(tag, "request_")
	tag = strings.ReplaceAll(tag, "_", "-")

	switch tag {
	case "load":
		tag = string(KindRunLoad)
	case "node-restart":
		tag = string(KindRestartNode)
	}

	k := Kind(tag)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind: %q", s)
	}
	return k, nil
}
