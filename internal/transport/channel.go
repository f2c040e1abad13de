package transport

import (
	"fmt"
	"strings"
)

// ServiceLister enumerates GATT identifiers in the order the peripheral
// reports them.
type ServiceLister interface {
	Services() ([]string, error)
	Characteristics(service string) ([]string, error)
}

// MatchesPrefix reports whether id starts with prefix, ignoring case.
func MatchesPrefix(id, prefix string) bool {
	return len(id) >= len(prefix) && strings.EqualFold(id[:len(prefix)], prefix)
}

// firstMatch returns the first id carrying prefix.
func firstMatch(ids []string, prefix string) (string, bool) {
	for _, id := range ids {
		if MatchesPrefix(id, prefix) {
			return id, true
		}
	}
	return "", false
}

// SelectChannel picks the first service matching prefix and, within it, the
// first matching characteristic. Later matches are ignored even when the
// chosen service has no matching characteristic.
func SelectChannel(l ServiceLister, prefix string) (Channel, error) {
	services, err := l.Services()
	if err != nil {
		return Channel{}, fmt.Errorf("transport: list services: %w", err)
	}
	svc, ok := firstMatch(services, prefix)
	if !ok {
		return Channel{}, fmt.Errorf("%w: no service with prefix %q", ErrNoMatchingChannel, prefix)
	}

	chars, err := l.Characteristics(svc)
	if err != nil {
		return Channel{}, fmt.Errorf("transport: list characteristics of %s: %w", svc, err)
	}
	chr, ok := firstMatch(chars, prefix)
	if !ok {
		return Channel{}, fmt.Errorf("%w: service %s has no characteristic with prefix %q", ErrNoMatchingChannel, svc, prefix)
	}
	return Channel{Service: svc, Characteristic: chr}, nil
}
