// Package source reads the locally declared desired state: users and groups
// from JSON files, plus CSV membership imports. Records are parsed into the
// strongly typed model up front so schema violations surface here as
// validation errors, not later during comparison.
package source

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jief123/aws-idc-scim/scim"
	"github.com/jief123/aws-idc-scim/sync"
)

// LoadUsers reads a users file holding either a JSON array of SCIM users or
// a single user object. Every entry is validated.
func LoadUsers(path string) (users []*scim.User, err error) {
	var data []byte
	if data, err = os.ReadFile(path); err != nil {
		return
	}
	if err = json.Unmarshal(data, &users); err != nil {
		var single scim.User
		if serr := json.Unmarshal(data, &single); serr != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		users = []*scim.User{&single}
		err = nil
	}
	for _, u := range users {
		if verr := u.Validate(); verr != nil {
			return nil, fmt.Errorf("%s: %w", path, verr)
		}
	}
	return
}

// memberRef accepts both the SCIM form {"value": "name"} and a bare string.
type memberRef struct {
	value string
}

func (m *memberRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.value = s
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.value = obj.Value
	return nil
}

type groupRecord struct {
	DisplayName string      `json:"displayName"`
	ExternalId  string      `json:"externalId"`
	Members     []memberRef `json:"members"`
}

// LoadGroups reads a groups file: a JSON array of groups whose members are
// userNames, either bare strings or {"value": ...} objects.
func LoadGroups(path string) (groups []sync.GroupSpec, err error) {
	var data []byte
	if data, err = os.ReadFile(path); err != nil {
		return
	}
	var records []groupRecord
	if err = json.Unmarshal(data, &records); err != nil {
		var single groupRecord
		if serr := json.Unmarshal(data, &single); serr != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		records = []groupRecord{single}
	}
	for _, rec := range records {
		var g = &scim.Group{DisplayName: rec.DisplayName, ExternalId: rec.ExternalId}
		if verr := g.Validate(); verr != nil {
			return nil, fmt.Errorf("%s: %w", path, verr)
		}
		var members []string
		for _, m := range rec.Members {
			if m.value != "" {
				members = append(members, m.value)
			}
		}
		groups = append(groups, sync.GroupSpec{Group: g, Members: members})
	}
	return groups, nil
}
