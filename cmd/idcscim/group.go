package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/jief123/aws-idc-scim/scim"
	"github.com/jief123/aws-idc-scim/source"
	"github.com/jief123/aws-idc-scim/sync"
)

func runGroup(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: idcscim group list|create|delete|members|add-member|remove-member|clear-members|sync")
		return 2
	}
	switch args[0] {
	case "list":
		return cmdGroupList(args[1:])
	case "create":
		return cmdGroupCreate(args[1:])
	case "delete":
		return cmdGroupDelete(args[1:])
	case "members":
		return cmdGroupMembers(args[1:])
	case "add-member":
		return cmdGroupMember(args[1:], true)
	case "remove-member":
		return cmdGroupMember(args[1:], false)
	case "clear-members":
		return cmdGroupClearMembers(args[1:])
	case "sync":
		return cmdGroupSync(args[1:])
	}
	fmt.Fprintf(os.Stderr, "unknown group command %q\n", args[0])
	return 2
}

func cmdGroupList(args []string) int {
	var fs = pflag.NewFlagSet("group list", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	var asJSON = fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	groups, err := a.client.GetAllGroups(context.Background(), scim.Filter{})
	if err != nil {
		return fatal(err)
	}
	sortGroups(groups)
	if *asJSON {
		printJSON(os.Stdout, groups)
	} else {
		printGroupTable(os.Stdout, groups)
	}
	return 0
}

func cmdGroupCreate(args []string) int {
	var fs = pflag.NewFlagSet("group create", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim group create <name>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	created, err := a.client.CreateGroup(context.Background(), &scim.Group{DisplayName: fs.Arg(0)})
	if err != nil {
		return fatal(err)
	}
	fmt.Printf("  + %s [id: %s]\n", created.DisplayName, created.Id)
	return 0
}

func cmdGroupDelete(args []string) int {
	var fs = pflag.NewFlagSet("group delete", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim group delete <name>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	var ctx = context.Background()
	group, err := a.client.FindGroupByName(ctx, fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	if group == nil {
		fmt.Fprintf(os.Stderr, "group not found: %s\n", fs.Arg(0))
		return 1
	}
	if err = a.client.DeleteGroup(ctx, group.Id); err != nil {
		return fatal(err)
	}
	fmt.Printf("  - %s [id: %s]\n", group.DisplayName, group.Id)
	return 0
}

// cmdGroupMembers lists a group's members through the exhaustive scan; the
// group read itself never carries them.
func cmdGroupMembers(args []string) int {
	var fs = pflag.NewFlagSet("group members", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim group members <name>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	var ctx = context.Background()
	group, err := a.client.FindGroupByName(ctx, fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	if group == nil {
		fmt.Fprintf(os.Stderr, "group not found: %s\n", fs.Arg(0))
		return 1
	}
	users, err := a.client.GetAllUsers(ctx, scim.Filter{})
	if err != nil {
		return fatal(err)
	}
	var resolver = sync.NewResolver(a.client, a.log)
	snapshot, err := resolver.Snapshot(ctx, users)
	if err != nil {
		return fatal(err)
	}
	var memberIds = snapshot[group.Id]
	var members []*scim.User
	for _, u := range users {
		if memberIds.Has(u.Id) {
			members = append(members, u)
		}
	}
	sortUsers(members)
	fmt.Printf("group %s:\n", group.DisplayName)
	printUserTable(os.Stdout, members)
	return 0
}

func cmdGroupMember(args []string, add bool) int {
	var name = "group remove-member"
	if add {
		name = "group add-member"
	}
	var fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: idcscim %s <group> <username>\n", name)
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	var ctx = context.Background()
	group, err := a.client.FindGroupByName(ctx, fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	if group == nil {
		fmt.Fprintf(os.Stderr, "group not found: %s\n", fs.Arg(0))
		return 1
	}
	user, err := a.client.FindUserByUserName(ctx, fs.Arg(1))
	if err != nil {
		return fatal(err)
	}
	if user == nil {
		fmt.Fprintf(os.Stderr, "user not found: %s\n", fs.Arg(1))
		return 1
	}
	if add {
		err = a.client.AddGroupMembers(ctx, group.Id, []string{user.Id})
	} else {
		err = a.client.RemoveGroupMembers(ctx, group.Id, []string{user.Id})
	}
	if err != nil {
		return fatal(err)
	}
	var mark = "-"
	if add {
		mark = "+"
	}
	fmt.Printf("  %s %s in %s [id: %s]\n", mark, user.UserName, group.DisplayName, user.Id)
	return 0
}

// cmdGroupClearMembers empties a group by reconciling it against an empty
// member list under the full policy.
func cmdGroupClearMembers(args []string) int {
	var fs = pflag.NewFlagSet("group clear-members", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	dryRun := fs.Bool("dry-run", false, "compute the diff without mutating anything")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim group clear-members <name>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	return runEngine(a, sync.Request{
		Groups: []sync.GroupSpec{{Group: &scim.Group{DisplayName: fs.Arg(0)}}},
		Policy: sync.PolicyFull,
		Mode:   modeFor(*dryRun),
		Scope:  sync.ScopeGroups,
	}, *asJSON)
}

func cmdGroupSync(args []string) int {
	var fs = pflag.NewFlagSet("group sync", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	policyName := fs.String("policy", "incremental", "incremental, full or full-delete")
	dryRun := fs.Bool("dry-run", false, "compute the diff without mutating anything")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var file = "groups.json"
	if fs.NArg() > 0 {
		file = fs.Arg(0)
	}
	policy, err := sync.ParsePolicy(*policyName)
	if err != nil {
		return fatal(err)
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	groups, err := source.LoadGroups(file)
	if err != nil {
		return fatal(err)
	}
	return runEngine(a, sync.Request{
		Groups: groups,
		Policy: policy,
		Mode:   modeFor(*dryRun),
		Scope:  sync.ScopeGroups,
	}, *asJSON)
}
