package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// QueryRights is what a token grants for one query kind.
type QueryRights struct {
	Permissions        map[string]bool `json:"permissions"`
	SpatialAggregation []string        `json:"spatial_aggregation"`
}

// UserClaims maps query kinds to the rights a token grants on them.
type UserClaims map[string]QueryRights

// AuthError is a claims failure; the HTTP layer maps it to 403.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

// ClaimsFromToken extracts the user_claims block from a verified token.
func ClaimsFromToken(token *jwt.Token) (UserClaims, error) {
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &AuthError{Msg: "token carries no claims"}
	}
	rawUserClaims, ok := mapClaims["user_claims"].(map[string]interface{})
	if !ok {
		return nil, &AuthError{Msg: "token carries no user_claims"}
	}

	out := make(UserClaims, len(rawUserClaims))
	for kind, raw := range rawUserClaims {
		rights := QueryRights{Permissions: make(map[string]bool)}
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if perms, ok := block["permissions"].(map[string]interface{}); ok {
			for name, allowed := range perms {
				b, _ := allowed.(bool)
				rights.Permissions[name] = b
			}
		}
		if units, ok := block["spatial_aggregation"].([]interface{}); ok {
			for _, u := range units {
				if s, ok := u.(string); ok {
					rights.SpatialAggregation = append(rights.SpatialAggregation, s)
				}
			}
		}
		out[kind] = rights
	}
	return out, nil
}

// Allows checks that the claims grant a permission on a query kind at an
// aggregation unit. An empty unit skips the spatial check, for kinds that
// have no aggregation parameter.
func (c UserClaims) Allows(queryKind, permission, aggregationUnit string) error {
	rights, ok := c[queryKind]
	if !ok {
		return &AuthError{Msg: fmt.Sprintf("token grants no rights on query kind '%s'", queryKind)}
	}
	if !rights.Permissions[permission] {
		return &AuthError{Msg: fmt.Sprintf("token does not grant '%s' on query kind '%s'", permission, queryKind)}
	}
	if aggregationUnit == "" {
		return nil
	}
	for _, unit := range rights.SpatialAggregation {
		if unit == aggregationUnit {
			return nil
		}
	}
	return &AuthError{Msg: fmt.Sprintf(
		"token does not grant aggregation unit '%s' on query kind '%s'", aggregationUnit, queryKind)}
}
