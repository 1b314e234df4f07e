package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jief123/aws-idc-scim/scim"
)

// fakeDirectory emulates the Identity Center SCIM surface closely enough to
// exercise reconciliation: eq-only filters, group reads without members,
// membership mutations through PATCH only, PUT rejected for groups, empty
// membership mutations rejected.
type fakeDirectory struct {
	mu      stdsync.Mutex
	nextId  int
	users   map[string]map[string]any // id -> wire form
	groups  map[string]map[string]any
	members map[string]Set // groupId -> member user ids

	patchCalls map[string]int
	// failWith, when set, short-circuits matching requests with the returned
	// status. Return 0 to let the request through.
	failWith func(r *http.Request) int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:      make(map[string]map[string]any),
		groups:     make(map[string]map[string]any),
		members:    make(map[string]Set),
		patchCalls: make(map[string]int),
	}
}

func (f *fakeDirectory) client(t *testing.T) *scim.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	c, err := scim.NewClient(scim.ClientConfig{
		Endpoint:     srv.URL,
		Token:        "test-token",
		RetryBackoff: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func (f *fakeDirectory) newId(prefix string) string {
	f.nextId++
	return fmt.Sprintf("%s-%04d", prefix, f.nextId)
}

func (f *fakeDirectory) seedUser(userName, displayName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newId("user")
	f.users[id] = map[string]any{
		"id":          id,
		"userName":    userName,
		"displayName": displayName,
		"emails":      []any{map[string]any{"value": userName}},
	}
	return id
}

func (f *fakeDirectory) seedGroup(displayName string, memberIds ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newId("group")
	f.groups[id] = map[string]any{"id": id, "displayName": displayName}
	f.members[id] = NewSet(memberIds...)
	return id
}

func (f *fakeDirectory) userNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, u := range f.users {
		names = append(names, u["userName"].(string))
	}
	sort.Strings(names)
	return names
}

func (f *fakeDirectory) groupNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, g := range f.groups {
		names = append(names, g["displayName"].(string))
	}
	sort.Strings(names)
	return names
}

func (f *fakeDirectory) groupId(displayName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, g := range f.groups {
		if g["displayName"] == displayName {
			return id
		}
	}
	return ""
}

// memberNames reports a group's membership by userName, the form the tests
// reason in.
func (f *fakeDirectory) memberNames(groupId string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for id := range f.members[groupId] {
		if u, ok := f.users[id]; ok {
			names = append(names, u["userName"].(string))
		}
	}
	sort.Strings(names)
	return names
}

func (f *fakeDirectory) patches(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patchCalls[resource]
}

var (
	eqExpr           = regexp.MustCompile(`^(\S+) eq "((?:[^"\\]|\\.)*)"$`)
	memberRemovePath = regexp.MustCompile(`^members\[value eq "((?:[^"\\]|\\.)*)"\]$`)
)

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\\`, `\`)
}

func (f *fakeDirectory) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWith != nil {
		if status := f.failWith(r); status != 0 {
			scimError(w, status, "injected failure")
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "Users":
		switch r.Method {
		case http.MethodGet:
			f.list(w, r, f.users)
		case http.MethodPost:
			f.createUser(w, r)
		default:
			scimError(w, http.StatusNotImplemented, "unsupported")
		}
	case len(parts) == 2 && parts[0] == "Users":
		f.userResource(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "Groups":
		switch r.Method {
		case http.MethodGet:
			f.list(w, r, f.groups)
		case http.MethodPost:
			f.createGroup(w, r)
		default:
			scimError(w, http.StatusNotImplemented, "unsupported")
		}
	case len(parts) == 2 && parts[0] == "Groups":
		f.groupResource(w, r, parts[1])
	default:
		scimError(w, http.StatusNotFound, "no such resource")
	}
}

func (f *fakeDirectory) list(w http.ResponseWriter, r *http.Request, store map[string]map[string]any) {
	filter := r.URL.Query().Get("filter")
	var ids []string
	for id := range store {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matched := []map[string]any{}
	for _, id := range ids {
		ok, err := f.matches(filter, id, store[id])
		if err != nil {
			scimError(w, http.StatusBadRequest, err.Error())
			return
		}
		if ok {
			matched = append(matched, store[id])
		}
	}

	start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))
	if start < 1 {
		start = 1
	}
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count < 1 || count > scim.MaxPageSize {
		count = scim.MaxPageSize
	}
	end := start - 1 + count
	if end > len(matched) {
		end = len(matched)
	}
	page := []map[string]any{}
	if start-1 < len(matched) {
		page = matched[start-1 : end]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"totalResults": len(matched),
		"itemsPerPage": len(page),
		"startIndex":   start,
		"Resources":    page,
	})
}

func (f *fakeDirectory) matches(filter, id string, res map[string]any) (bool, error) {
	if filter == "" {
		return true, nil
	}
	m := eqExpr.FindStringSubmatch(filter)
	if m == nil {
		return false, fmt.Errorf("unsupported filter %q", filter)
	}
	attr, value := m[1], unescape(m[2])
	switch attr {
	case "userName", "displayName", "externalId":
		s, _ := res[attr].(string)
		return s == value, nil
	case "members.value":
		return f.members[id].Has(value), nil
	}
	return false, fmt.Errorf("unsupported filter attribute %q", attr)
}

func (f *fakeDirectory) createUser(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		scimError(w, http.StatusBadRequest, "unparsable request")
		return
	}
	userName, _ := body["userName"].(string)
	if userName == "" {
		scimError(w, http.StatusBadRequest, "userName is required")
		return
	}
	for _, u := range f.users {
		if u["userName"] == userName {
			scimError(w, http.StatusConflict, "duplicate userName")
			return
		}
	}
	id := f.newId("user")
	body["id"] = id
	delete(body, "schemas")
	f.users[id] = body
	writeJSON(w, http.StatusCreated, body)
}

func (f *fakeDirectory) createGroup(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		scimError(w, http.StatusBadRequest, "unparsable request")
		return
	}
	displayName, _ := body["displayName"].(string)
	if displayName == "" {
		scimError(w, http.StatusBadRequest, "displayName is required")
		return
	}
	for _, g := range f.groups {
		if g["displayName"] == displayName {
			scimError(w, http.StatusConflict, "duplicate displayName")
			return
		}
	}
	id := f.newId("group")
	body["id"] = id
	delete(body, "schemas")
	delete(body, "members")
	f.groups[id] = body
	f.members[id] = NewSet()
	writeJSON(w, http.StatusCreated, body)
}

func (f *fakeDirectory) userResource(w http.ResponseWriter, r *http.Request, id string) {
	u, ok := f.users[id]
	if !ok {
		scimError(w, http.StatusNotFound, "no such user")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, u)
	case http.MethodPatch:
		f.patchCalls["Users/"+id]++
		var req struct {
			Operations []scim.PatchOperation `json:"Operations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			scimError(w, http.StatusBadRequest, "unparsable request")
			return
		}
		for _, op := range req.Operations {
			if op.Op != scim.PatchReplace {
				scimError(w, http.StatusBadRequest, "users accept replace only")
				return
			}
			u[op.Path] = op.Value
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodDelete:
		delete(f.users, id)
		for _, m := range f.members {
			delete(m, id)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		// PUT without the id echoed in the body is rejected; nothing here
		// ever echoes it.
		scimError(w, http.StatusBadRequest, "id must be provided in the request body")
	}
}

func (f *fakeDirectory) groupResource(w http.ResponseWriter, r *http.Request, id string) {
	g, ok := f.groups[id]
	if !ok {
		scimError(w, http.StatusNotFound, "no such group")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, g)
	case http.MethodPatch:
		f.patchCalls["Groups/"+id]++
		var req struct {
			Operations []scim.PatchOperation `json:"Operations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			scimError(w, http.StatusBadRequest, "unparsable request")
			return
		}
		for _, op := range req.Operations {
			switch {
			case op.Op == scim.PatchAdd && op.Path == "members":
				raw, _ := json.Marshal(op.Value)
				var ms []scim.Member
				if err := json.Unmarshal(raw, &ms); err != nil || len(ms) == 0 {
					scimError(w, http.StatusBadRequest, "members must be a non-empty list")
					return
				}
				for _, m := range ms {
					if _, ok := f.users[m.Value]; !ok {
						scimError(w, http.StatusBadRequest, "member not found")
						return
					}
					f.members[id].Add(m.Value)
				}
			case op.Op == scim.PatchRemove:
				m := memberRemovePath.FindStringSubmatch(op.Path)
				if m == nil {
					scimError(w, http.StatusBadRequest, "unsupported remove path")
					return
				}
				delete(f.members[id], unescape(m[1]))
			case op.Op == scim.PatchReplace:
				g[op.Path] = op.Value
			default:
				scimError(w, http.StatusBadRequest, "unsupported operation")
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(f.groups, id)
		delete(f.members, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		scimError(w, http.StatusNotImplemented, "groups do not support full replace")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func scimError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail, "status": strconv.Itoa(status)})
}
