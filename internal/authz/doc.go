// Package authz checks permission scopes on validated API keys.
//
// A Gate answers whether a key holds a scope, either directly or through an
// implication such as "admin implies read and write":
//
//	gate := authz.NewGate(authz.WithImplications(map[string][]string{
//	    "admin": {"read", "write"},
//	}))
//
//	if _, err := gate.Require("write", key); err != nil {
//	    // errors.Is(err, authz.ErrForbidden)
//	}
//
// Without implications the check is plain set membership.
package authz
