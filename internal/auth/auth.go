// Package auth authenticates API callers with static keys.
package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	ScopeQuery = "query"
	ScopeAdmin = "admin"
)

// Identity is the caller behind an API key. Admin implies every other scope.
type Identity struct {
	Principal string
	Scopes    []string
}

func (i Identity) HasScope(scope string) bool {
	for _, candidate := range i.Scopes {
		if candidate == scope || candidate == ScopeAdmin {
			return true
		}
	}
	return false
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:principal:scope|scope" entries
// separated by commas.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:principal:scope|scope", entry)
		}
		key := strings.TrimSpace(parts[0])
		principal := strings.TrimSpace(parts[1])
		if key == "" || principal == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/principal", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		scopes := make([]string, 0, 2)
		for _, scope := range strings.Split(strings.TrimSpace(parts[2]), "|") {
			scope = strings.ToLower(strings.TrimSpace(scope))
			switch scope {
			case "":
				continue
			case ScopeQuery, ScopeAdmin:
				scopes = append(scopes, scope)
			default:
				return nil, fmt.Errorf("invalid static key entry %q: unknown scope %q", entry, scope)
			}
		}
		if len(scopes) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one scope is required", entry)
		}
		sort.Strings(scopes)
		validator.keys[key] = Identity{Principal: principal, Scopes: scopes}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
