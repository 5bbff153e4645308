package enums

import "fmt"

// PayeeKind distinguishes who a transaction credits: a subscriber paying a
// client for channel access, or a client paying the platform itself.
type PayeeKind string

const (
	PayeeKindPlatform   PayeeKind = "platform"
	PayeeKindSubscriber PayeeKind = "subscriber"
)

var validPayeeKinds = []PayeeKind{
	PayeeKindPlatform,
	PayeeKindSubscriber,
}

// String implements fmt.Stringer.
func (k PayeeKind) String() string {
	return string(k)
}

// IsValid reports whether the value is known.
func (k PayeeKind) IsValid() bool {
	for _, candidate := range validPayeeKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParsePayeeKind converts raw input into a PayeeKind.
func ParsePayeeKind(value string) (PayeeKind, error) {
	for _, candidate := range validPayeeKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payee kind %q", value)
}
