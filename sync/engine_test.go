package sync

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jief123/aws-idc-scim/scim"
)

func engineFor(t *testing.T, f *fakeDirectory) *Engine {
	t.Helper()
	return NewEngine(f.client(t), zerolog.Nop())
}

func desiredUser(userName, displayName string) *scim.User {
	return &scim.User{
		UserName:    userName,
		DisplayName: displayName,
		Emails:      []scim.Email{{Value: userName}},
	}
}

func groupSpec(displayName string, members ...string) GroupSpec {
	return GroupSpec{Group: &scim.Group{DisplayName: displayName}, Members: members}
}

func actionsByKey(rep *Report) map[string]Action {
	m := make(map[string]Action, len(rep.Results))
	for _, r := range rep.Results {
		m[string(r.Kind)+"/"+r.Key] = r.Action
	}
	return m
}

func memberNames(changes []MemberChange) []string {
	var names []string
	for _, c := range changes {
		names = append(names, c.UserName)
	}
	return names
}

func resultFor(t *testing.T, rep *Report, kind ResourceKind, key string) Result {
	t.Helper()
	for _, r := range rep.Results {
		if r.Kind == kind && r.Key == key {
			return r
		}
	}
	t.Fatalf("no result for %s %q", kind, key)
	return Result{}
}

func TestRunCreateThenNoop(t *testing.T) {
	f := newFakeDirectory()
	e := engineFor(t, f)
	req := Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice"), desiredUser("b@x.com", "Bob")},
		Groups: []GroupSpec{groupSpec("Engineering", "a@x.com", "b@x.com")},
		Policy: PolicyFull,
		Mode:   ModeApply,
	}

	rep, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Summary.Created)
	assert.Zero(t, rep.Summary.Errors)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, f.userNames())
	assert.Equal(t, []string{"Engineering"}, f.groupNames())
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, f.memberNames(f.groupId("Engineering")))

	// The same desired state pushed again is entirely a no-op.
	rep, err = e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, rep.Summary.Created)
	assert.Zero(t, rep.Summary.Updated)
	assert.Zero(t, rep.Summary.MemberAdds)
	assert.Zero(t, rep.Summary.MemberRemoves)
	assert.Equal(t, 3, rep.Summary.Unchanged)
}

func TestSimulateMutatesNothing(t *testing.T) {
	f := newFakeDirectory()
	aliceId := f.seedUser("a@x.com", "Old Name")
	f.seedGroup("Engineering", aliceId)

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users: []*scim.User{
			desiredUser("a@x.com", "Alice"),
			desiredUser("b@x.com", "Bob"),
		},
		Groups: []GroupSpec{groupSpec("Engineering", "b@x.com"), groupSpec("Platform", "a@x.com")},
		Policy: PolicyFullDelete,
		Mode:   ModeSimulate,
	})
	require.NoError(t, err)

	actions := actionsByKey(rep)
	assert.Equal(t, ActionUpdate, actions["user/a@x.com"])
	assert.Equal(t, ActionCreate, actions["user/b@x.com"])
	assert.Equal(t, ActionUpdate, actions["group/Engineering"])
	assert.Equal(t, ActionCreate, actions["group/Platform"])

	// Nothing remote moved.
	assert.Equal(t, []string{"a@x.com"}, f.userNames())
	assert.Equal(t, []string{"Engineering"}, f.groupNames())
	assert.Equal(t, []string{"a@x.com"}, f.memberNames(f.groupId("Engineering")))
	assert.Equal(t, "Old Name", f.users[aliceId]["displayName"])
}

// Simulate must classify exactly what apply would do, including members of
// users that do not exist yet.
func TestSimulateMatchesApply(t *testing.T) {
	type outcome struct {
		action  Action
		added   []string
		removed []string
	}
	seed := func() *fakeDirectory {
		f := newFakeDirectory()
		a := f.seedUser("a@x.com", "Alice")
		b := f.seedUser("b@x.com", "Bob")
		c := f.seedUser("c@x.com", "Carol")
		f.seedGroup("Engineering", b, c)
		f.seedGroup("Legacy", a)
		return f
	}
	request := func(mode Mode) Request {
		return Request{
			Users: []*scim.User{
				desiredUser("a@x.com", "Alice"),
				desiredUser("b@x.com", "Bob"),
				desiredUser("d@x.com", "Dave"),
			},
			Groups: []GroupSpec{
				groupSpec("Engineering", "a@x.com", "b@x.com", "d@x.com"),
				groupSpec("Platform", "d@x.com"),
			},
			Policy: PolicyFullDelete,
			Mode:   mode,
		}
	}
	classify := func(rep *Report) map[string]outcome {
		m := make(map[string]outcome)
		for _, r := range rep.Results {
			m[string(r.Kind)+"/"+r.Key] = outcome{
				action:  r.Action,
				added:   memberNames(r.Added),
				removed: memberNames(r.Removed),
			}
		}
		return m
	}

	simulated, err := engineFor(t, seed()).Run(context.Background(), request(ModeSimulate))
	require.NoError(t, err)

	applyFake := seed()
	applied, err := engineFor(t, applyFake).Run(context.Background(), request(ModeApply))
	require.NoError(t, err)

	assert.Equal(t, classify(applied), classify(simulated))
	assert.Equal(t, applied.Summary, simulated.Summary)

	// Spot-check the applied end state.
	assert.Equal(t, []string{"a@x.com", "b@x.com", "d@x.com"}, applyFake.userNames())
	assert.Equal(t, []string{"Engineering", "Platform"}, applyFake.groupNames())
	assert.Equal(t, []string{"a@x.com", "b@x.com", "d@x.com"},
		applyFake.memberNames(applyFake.groupId("Engineering")))
	assert.Equal(t, []string{"d@x.com"}, applyFake.memberNames(applyFake.groupId("Platform")))
}

func TestIncrementalNeverRemoves(t *testing.T) {
	f := newFakeDirectory()
	f.seedUser("a@x.com", "Alice")
	b := f.seedUser("b@x.com", "Bob")
	c := f.seedUser("c@x.com", "Carol")
	gid := f.seedGroup("Engineering", b, c)
	f.seedGroup("Stray Group")
	f.seedUser("stray@x.com", "Stray")

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users: []*scim.User{
			desiredUser("a@x.com", "Alice"),
			desiredUser("b@x.com", "Bob"),
		},
		Groups: []GroupSpec{groupSpec("Engineering", "a@x.com", "b@x.com")},
		Policy: PolicyIncremental,
		Mode:   ModeApply,
	})
	require.NoError(t, err)

	res := resultFor(t, rep, KindGroup, "Engineering")
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, []string{"a@x.com"}, memberNames(res.Added))
	assert.Empty(t, res.Removed)

	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, f.memberNames(gid))
	// Strays are untouched below full-delete.
	assert.Contains(t, f.userNames(), "stray@x.com")
	assert.Contains(t, f.groupNames(), "Stray Group")
}

func TestFullRemovesStrayMembersOnly(t *testing.T) {
	f := newFakeDirectory()
	f.seedUser("a@x.com", "Alice")
	b := f.seedUser("b@x.com", "Bob")
	c := f.seedUser("c@x.com", "Carol")
	gid := f.seedGroup("Engineering", b, c)
	f.seedGroup("Stray Group")

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users: []*scim.User{
			desiredUser("a@x.com", "Alice"),
			desiredUser("b@x.com", "Bob"),
			desiredUser("c@x.com", "Carol"),
		},
		Groups: []GroupSpec{groupSpec("Engineering", "a@x.com", "b@x.com")},
		Policy: PolicyFull,
		Mode:   ModeApply,
	})
	require.NoError(t, err)

	res := resultFor(t, rep, KindGroup, "Engineering")
	assert.Equal(t, []string{"a@x.com"}, memberNames(res.Added))
	assert.Equal(t, []string{"c@x.com"}, memberNames(res.Removed))
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, f.memberNames(gid))

	// Full stops short of deleting entities.
	assert.Contains(t, f.userNames(), "c@x.com")
	assert.Contains(t, f.groupNames(), "Stray Group")
}

func TestDanglingMemberFailsGroup(t *testing.T) {
	f := newFakeDirectory()
	a := f.seedUser("a@x.com", "Alice")
	gid := f.seedGroup("Engineering", a)

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users: []*scim.User{desiredUser("a@x.com", "Alice")},
		Groups: []GroupSpec{
			groupSpec("Engineering", "a@x.com", "ghost@x.com"),
			groupSpec("Platform", "ghost@x.com"),
		},
		Policy: PolicyFull,
		Mode:   ModeApply,
	})
	require.NoError(t, err, "a dangling reference is entity-scoped, not fatal")

	res := resultFor(t, rep, KindGroup, "Engineering")
	assert.Equal(t, ActionError, res.Action)
	assert.Contains(t, res.Detail, "ghost@x.com")
	assert.Equal(t, ActionError, resultFor(t, rep, KindGroup, "Platform").Action)
	assert.Equal(t, 2, rep.Summary.Errors)

	// The failed groups saw no mutation at all.
	assert.Zero(t, f.patches("Groups/"+gid))
	assert.Equal(t, []string{"a@x.com"}, f.memberNames(gid))
	assert.NotContains(t, f.groupNames(), "Platform")
}

func TestValidationErrorIsEntityScoped(t *testing.T) {
	f := newFakeDirectory()
	invalid := &scim.User{
		UserName: "bad@x.com",
		Emails:   []scim.Email{{Value: "bad@x.com"}, {Value: "alt@x.com"}},
	}

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users:  []*scim.User{invalid, desiredUser("good@x.com", "Good")},
		Policy: PolicyIncremental,
		Mode:   ModeApply,
	})
	require.NoError(t, err)

	assert.Equal(t, ActionError, resultFor(t, rep, KindUser, "bad@x.com").Action)
	assert.Equal(t, ActionCreate, resultFor(t, rep, KindUser, "good@x.com").Action)
	assert.Equal(t, []string{"good@x.com"}, f.userNames())
}

func TestDuplicateDesiredKey(t *testing.T) {
	f := newFakeDirectory()
	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice"), desiredUser("a@x.com", "Imposter")},
		Policy: PolicyIncremental,
		Mode:   ModeApply,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Summary.Created)
	assert.Equal(t, 1, rep.Summary.Errors)
	assert.Equal(t, []string{"a@x.com"}, f.userNames())
	assert.Equal(t, "Alice", f.users["user-0001"]["displayName"], "first occurrence wins")
}

func TestUserUpdateConverges(t *testing.T) {
	f := newFakeDirectory()
	f.seedUser("a@x.com", "Old Name")
	e := engineFor(t, f)
	req := Request{
		Users:  []*scim.User{desiredUser("a@x.com", "New Name")},
		Policy: PolicyIncremental,
		Mode:   ModeApply,
	}

	rep, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	res := resultFor(t, rep, KindUser, "a@x.com")
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, []string{"displayName"}, res.Fields)

	rep, err = e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, resultFor(t, rep, KindUser, "a@x.com").Action)
}

// A pre-existing user carrying attributes the desired snapshot never
// mentions must settle as a no-op, not re-classify as an update on every
// run: updates only patch desired-side fields, so a remote-only attribute
// can never converge and must not count as drift.
func TestRemoteOnlyAttributesSettle(t *testing.T) {
	f := newFakeDirectory()
	id := f.seedUser("a@x.com", "Alice")
	f.users[id]["title"] = "Engineer"

	e := engineFor(t, f)
	req := Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice")},
		Policy: PolicyFullDelete,
		Mode:   ModeApply,
	}

	for run := 0; run < 2; run++ {
		rep, err := e.Run(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, ActionNoop, resultFor(t, rep, KindUser, "a@x.com").Action)
	}
	assert.Zero(t, f.patches("Users/"+id))
	assert.Equal(t, "Engineer", f.users[id]["title"], "remote-only attribute left alone")

	// A desired-side change still registers and then settles.
	req.Users = []*scim.User{desiredUser("a@x.com", "Alicia")}
	rep, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	res := resultFor(t, rep, KindUser, "a@x.com")
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, []string{"displayName"}, res.Fields)

	rep, err = e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, resultFor(t, rep, KindUser, "a@x.com").Action)
	assert.Equal(t, "Engineer", f.users[id]["title"])
}

func TestScopeUsersSkipsGroups(t *testing.T) {
	f := newFakeDirectory()
	f.seedGroup("Stray Group")

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice")},
		Policy: PolicyFullDelete,
		Mode:   ModeApply,
		Scope:  ScopeUsers,
	})
	require.NoError(t, err)

	for _, r := range rep.Results {
		assert.Equal(t, KindUser, r.Kind)
	}
	assert.Equal(t, []string{"Stray Group"}, f.groupNames())
}

func TestScopeGroupsLeavesUsers(t *testing.T) {
	f := newFakeDirectory()
	a := f.seedUser("a@x.com", "Alice")
	f.seedUser("stray@x.com", "Stray")
	f.seedGroup("Engineering", a)
	f.seedGroup("Stray Group")

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Groups: []GroupSpec{groupSpec("Engineering", "a@x.com", "stray@x.com")},
		Policy: PolicyFullDelete,
		Mode:   ModeApply,
		Scope:  ScopeGroups,
	})
	require.NoError(t, err)

	for _, r := range rep.Results {
		assert.Equal(t, KindGroup, r.Kind)
	}
	// Users survive even under full-delete, but still resolve as members.
	assert.Equal(t, []string{"a@x.com", "stray@x.com"}, f.userNames())
	assert.Equal(t, []string{"a@x.com", "stray@x.com"}, f.memberNames(f.groupId("Engineering")))
	assert.NotContains(t, f.groupNames(), "Stray Group")
}

func TestFatalAbortsRun(t *testing.T) {
	f := newFakeDirectory()
	f.failWith = func(r *http.Request) int {
		if r.Method == http.MethodPost && r.URL.Path == "/Users" {
			return http.StatusUnauthorized
		}
		return 0
	}

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice"), desiredUser("b@x.com", "Bob")},
		Policy: PolicyIncremental,
		Mode:   ModeApply,
	})
	require.Error(t, err)
	assert.True(t, scim.IsFatal(err))
	// The report accounts for what was attempted before the abort.
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Summary.Errors)
	assert.Len(t, rep.Results, 1)
}

func TestEntityErrorDoesNotAbort(t *testing.T) {
	f := newFakeDirectory()
	var posts int
	f.failWith = func(r *http.Request) int {
		if r.Method == http.MethodPost && r.URL.Path == "/Users" {
			posts++
			if posts <= 4 { // initial attempt plus the full retry budget
				return http.StatusServiceUnavailable
			}
		}
		return 0
	}

	rep, err := engineFor(t, f).Run(context.Background(), Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice"), desiredUser("b@x.com", "Bob")},
		Policy: PolicyIncremental,
		Mode:   ModeApply,
	})
	require.NoError(t, err)

	assert.Equal(t, ActionError, resultFor(t, rep, KindUser, "a@x.com").Action)
	assert.Equal(t, ActionCreate, resultFor(t, rep, KindUser, "b@x.com").Action)
	assert.Equal(t, []string{"b@x.com"}, f.userNames())
}

func TestFullDeleteIsIdempotent(t *testing.T) {
	f := newFakeDirectory()
	f.seedUser("stray@x.com", "Stray")
	stray := f.seedGroup("Stray Group")
	a := f.seedUser("a@x.com", "Alice")
	f.members[stray].Add(a)

	e := engineFor(t, f)
	req := Request{
		Users:  []*scim.User{desiredUser("a@x.com", "Alice")},
		Groups: []GroupSpec{groupSpec("Engineering", "a@x.com")},
		Policy: PolicyFullDelete,
		Mode:   ModeApply,
	}

	rep, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summary.Deleted)
	assert.Equal(t, 1, rep.Summary.Created)
	assert.Equal(t, []string{"a@x.com"}, f.userNames())
	assert.Equal(t, []string{"Engineering"}, f.groupNames())

	rep, err = e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, rep.Summary.Created)
	assert.Zero(t, rep.Summary.Deleted)
	assert.Zero(t, rep.Summary.Errors)
	assert.Equal(t, 2, rep.Summary.Unchanged)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyIncremental, PolicyFull, PolicyFullDelete} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePolicy("everything")
	assert.Error(t, err)
}
