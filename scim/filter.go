package scim

import (
	"fmt"
	"strings"
)

// Filter is a SCIM filter expression. Identity Center accepts only the eq
// operator and the and conjunction; co, sw, pr, gt, lt, ne, or and not are
// all rejected, so the constructors below are the whole surface.
type Filter struct {
	expr string
}

func (f Filter) String() string {
	return f.expr
}

// IsZero reports whether the filter is empty (list everything).
func (f Filter) IsZero() bool {
	return f.expr == ""
}

// And combines two filters with the and conjunction, parenthesizing both
// sides.
func (f Filter) And(other Filter) Filter {
	if f.IsZero() {
		return other
	}
	if other.IsZero() {
		return f
	}
	return Filter{expr: fmt.Sprintf("(%s) and (%s)", f.expr, other.expr)}
}

// escapeLiteral applies the SCIM string-literal escaping rules.
func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func eq(attr string, value string) Filter {
	return Filter{expr: fmt.Sprintf(`%s eq "%s"`, attr, escapeLiteral(value))}
}

// ByUserName matches a user by its natural key.
func ByUserName(userName string) Filter {
	return eq("userName", userName)
}

// ByDisplayName matches a group by its natural key.
func ByDisplayName(displayName string) Filter {
	return eq("displayName", displayName)
}

// ByExternalId matches either resource type by externalId.
func ByExternalId(externalId string) Filter {
	return eq("externalId", externalId)
}

// ByActive matches users by activation state. Booleans are unquoted.
func ByActive(active bool) Filter {
	return Filter{expr: fmt.Sprintf("active eq %t", active)}
}

// ByMember matches groups containing the given user id. This is the only way
// to observe membership, since group reads never return members.
func ByMember(userId string) Filter {
	return eq("members.value", userId)
}
