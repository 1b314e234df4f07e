package scim

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// SCIM schema URNs understood by AWS Identity Center.
const (
	UserSchema           = "urn:ietf:params:scim:schemas:core:2.0:User"
	GroupSchema          = "urn:ietf:params:scim:schemas:core:2.0:Group"
	EnterpriseUserSchema = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
	PatchOpSchema        = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

// Name holds the structured name parts of a user. Identity Center supports
// every sub-attribute of the core schema here.
type Name struct {
	Formatted       string `json:"formatted,omitempty"`
	FamilyName      string `json:"familyName,omitempty"`
	GivenName       string `json:"givenName,omitempty"`
	MiddleName      string `json:"middleName,omitempty"`
	HonorificPrefix string `json:"honorificPrefix,omitempty"`
	HonorificSuffix string `json:"honorificSuffix,omitempty"`
}

// Email is an entry of the emails attribute. Identity Center accepts at most
// one and rejects the display sub-attribute.
type Email struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary *bool  `json:"primary,omitempty"`
}

type PhoneNumber struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"streetAddress,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country,omitempty"`
}

type Role struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary *bool  `json:"primary,omitempty"`
}

// Manager references another user by opaque id. Identity Center rejects the
// displayName sub-attribute.
type Manager struct {
	Value string `json:"value"`
	Ref   string `json:"$ref,omitempty"`
}

// EnterpriseUser carries the enterprise extension attributes.
type EnterpriseUser struct {
	EmployeeNumber string   `json:"employeeNumber,omitempty"`
	CostCenter     string   `json:"costCenter,omitempty"`
	Organization   string   `json:"organization,omitempty"`
	Division       string   `json:"division,omitempty"`
	Department     string   `json:"department,omitempty"`
	Manager        *Manager `json:"manager,omitempty"`
}

// User is a SCIM user resource shaped to what Identity Center actually
// accepts: the multi-valued attributes are restricted to a single entry, and
// ims, photos, groups, entitlements, x509Certificates and password are not
// supported at all. Absent optional attributes are omitted on the wire; the
// service rejects explicit nulls.
type User struct {
	Schemas           []string        `json:"schemas,omitempty"`
	Id                string          `json:"id,omitempty"`
	ExternalId        string          `json:"externalId,omitempty"`
	UserName          string          `json:"userName"`
	DisplayName       string          `json:"displayName,omitempty"`
	NickName          string          `json:"nickName,omitempty"`
	ProfileUrl        string          `json:"profileUrl,omitempty"`
	Title             string          `json:"title,omitempty"`
	UserType          string          `json:"userType,omitempty"`
	PreferredLanguage string          `json:"preferredLanguage,omitempty"`
	Locale            string          `json:"locale,omitempty"`
	Timezone          string          `json:"timezone,omitempty"`
	Active            *bool           `json:"active,omitempty"`
	Name              *Name           `json:"name,omitempty"`
	Emails            []Email         `json:"emails,omitempty"`
	PhoneNumbers      []PhoneNumber   `json:"phoneNumbers,omitempty"`
	Addresses         []Address       `json:"addresses,omitempty"`
	Roles             []Role          `json:"roles,omitempty"`
	Enterprise        *EnterpriseUser `json:"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User,omitempty"`
	Meta              map[string]any  `json:"meta,omitempty"`
}

// Member references a group member by opaque user id, never by userName.
type Member struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
	Ref   string `json:"$ref,omitempty"`
}

// Group is a SCIM group resource. Identity Center never returns members on
// read; membership is resolved separately through filtered user queries.
type Group struct {
	Schemas     []string       `json:"schemas,omitempty"`
	Id          string         `json:"id,omitempty"`
	ExternalId  string         `json:"externalId,omitempty"`
	DisplayName string         `json:"displayName"`
	Members     []Member       `json:"members,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ValidationError reports a malformed desired-state entity. It is raised
// before any remote call is made.
type ValidationError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Resource, e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Resource, e.Reason)
}

// Validate checks the Identity Center constraints on a desired user: a
// non-empty userName, exactly one email, and at most one phone number and
// address.
func (u *User) Validate() (err error) {
	fail := func(reason string) error {
		return &ValidationError{Resource: "user", Key: u.UserName, Reason: reason}
	}
	if u.UserName == "" {
		return fail("userName is required")
	}
	switch {
	case len(u.Emails) == 0:
		return fail("exactly one email is required")
	case len(u.Emails) > 1:
		return fail("only one email is supported")
	case u.Emails[0].Value == "":
		return fail("email value must not be empty")
	}
	if len(u.PhoneNumbers) > 1 {
		return fail("only one phone number is supported")
	}
	if len(u.PhoneNumbers) == 1 && u.PhoneNumbers[0].Value == "" {
		return fail("phone number value must not be empty")
	}
	if len(u.Addresses) > 1 {
		return fail("only one address is supported")
	}
	if len(u.Roles) > 1 {
		return fail("only one role is supported")
	}
	if u.Enterprise != nil && u.Enterprise.Manager != nil && u.Enterprise.Manager.Value == "" {
		return fail("manager value must not be empty")
	}
	return
}

// Validate checks the constraints on a desired group.
func (g *Group) Validate() (err error) {
	if g.DisplayName == "" {
		return &ValidationError{Resource: "group", Reason: "displayName is required"}
	}
	return
}

// forCreate returns the wire form of the user for a POST: schemas set,
// server-owned attributes cleared.
func (u *User) forCreate() *User {
	var c = *u
	c.Id = ""
	c.Meta = nil
	c.Schemas = []string{UserSchema}
	if c.Enterprise != nil {
		c.Schemas = append(c.Schemas, EnterpriseUserSchema)
	}
	return &c
}

// forCreate returns the wire form of the group for a POST. Members are never
// sent on create; the service only mutates membership through PATCH.
func (g *Group) forCreate() *Group {
	var c = *g
	c.Id = ""
	c.Meta = nil
	c.Members = nil
	c.Schemas = []string{GroupSchema}
	return &c
}

// wireMap renders a value through its JSON form into a generic map with the
// server-owned attributes stripped. Also drops the read-only groups attribute
// some SCIM servers attach to users.
func wireMap(v any) (m map[string]any, err error) {
	var data []byte
	if data, err = json.Marshal(v); err != nil {
		return
	}
	if err = json.Unmarshal(data, &m); err != nil {
		return
	}
	delete(m, "id")
	delete(m, "schemas")
	delete(m, "meta")
	delete(m, "groups")
	return
}

// UserDiff compares a desired user against an actual one attribute by
// attribute and returns the sorted names of wire fields that differ. The
// opaque id, schemas and meta never participate. Only attributes the desired
// state declares are compared: an update issues replace operations for
// exactly those, and an attribute the desired state is silent about is left
// alone remotely, so counting it here would classify the user as forever
// divergent. Equal-for-update-purposes means an empty result.
func UserDiff(desired *User, actual *User) (fields []string, err error) {
	var dm, am map[string]any
	if dm, err = wireMap(desired); err != nil {
		return
	}
	if am, err = wireMap(actual); err != nil {
		return
	}
	for k, v := range dm {
		if !reflect.DeepEqual(v, am[k]) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return
}

// PrimaryEmail returns the user's single email value, or "".
func (u *User) PrimaryEmail() string {
	if len(u.Emails) > 0 {
		return u.Emails[0].Value
	}
	return ""
}

// IsActive treats an absent active flag as active.
func (u *User) IsActive() bool {
	return u.Active == nil || *u.Active
}

// PatchOperation is one entry of a PATCH request. Identity Center accepts
// add and remove on group members, and replace on user attributes.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

const (
	PatchAdd     = "add"
	PatchRemove  = "remove"
	PatchReplace = "replace"
)

type patchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

func newPatchRequest(ops []PatchOperation) patchRequest {
	return patchRequest{Schemas: []string{PatchOpSchema}, Operations: ops}
}
