package enums

import "fmt"

// AccessAction is the kind of channel-membership side effect.
type AccessAction string

const (
	AccessActionGrant  AccessAction = "grant"
	AccessActionRevoke AccessAction = "revoke"
)

var validAccessActions = []AccessAction{
	AccessActionGrant,
	AccessActionRevoke,
}

// String implements fmt.Stringer.
func (a AccessAction) String() string {
	return string(a)
}

// IsValid reports whether the value is known.
func (a AccessAction) IsValid() bool {
	for _, candidate := range validAccessActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAccessAction converts raw input into an AccessAction.
func ParseAccessAction(value string) (AccessAction, error) {
	for _, candidate := range validAccessActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid access action %q", value)
}

// AccessPerformer records who triggered an access side effect.
type AccessPerformer string

const (
	AccessPerformerSystem AccessPerformer = "system"
	AccessPerformerAdmin  AccessPerformer = "admin"
	AccessPerformerClient AccessPerformer = "client"
)

var validAccessPerformers = []AccessPerformer{
	AccessPerformerSystem,
	AccessPerformerAdmin,
	AccessPerformerClient,
}

// String implements fmt.Stringer.
func (p AccessPerformer) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p AccessPerformer) IsValid() bool {
	for _, candidate := range validAccessPerformers {
		if candidate == p {
			return true
		}
	}
	return false
}
