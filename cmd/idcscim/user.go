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

func runUser(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: idcscim user list|get|create|update|delete|sync")
		return 2
	}
	switch args[0] {
	case "list":
		return cmdUserList(args[1:])
	case "get":
		return cmdUserGet(args[1:])
	case "create":
		return cmdUserCreate(args[1:])
	case "update":
		return cmdUserUpdate(args[1:])
	case "delete":
		return cmdUserDelete(args[1:])
	case "sync":
		return cmdUserSync(args[1:])
	}
	fmt.Fprintf(os.Stderr, "unknown user command %q\n", args[0])
	return 2
}

func cmdUserList(args []string) int {
	var fs = pflag.NewFlagSet("user list", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	var asJSON = fs.Bool("json", false, "emit JSON instead of a table")
	var activeOnly = fs.Bool("active", false, "only active users")
	var inactiveOnly = fs.Bool("inactive", false, "only deactivated users")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *activeOnly && *inactiveOnly {
		fmt.Fprintln(os.Stderr, "--active and --inactive are mutually exclusive")
		return 2
	}
	var filter scim.Filter
	if *activeOnly || *inactiveOnly {
		filter = scim.ByActive(*activeOnly)
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	users, err := a.client.GetAllUsers(context.Background(), filter)
	if err != nil {
		return fatal(err)
	}
	sortUsers(users)
	if *asJSON {
		printJSON(os.Stdout, users)
	} else {
		printUserTable(os.Stdout, users)
	}
	return 0
}

func cmdUserGet(args []string) int {
	var fs = pflag.NewFlagSet("user get", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim user get <username>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	user, err := a.client.FindUserByUserName(context.Background(), fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	if user == nil {
		fmt.Fprintf(os.Stderr, "user not found: %s\n", fs.Arg(0))
		return 1
	}
	printJSON(os.Stdout, user)
	return 0
}

func cmdUserCreate(args []string) int {
	var fs = pflag.NewFlagSet("user create", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim user create <file>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	users, err := source.LoadUsers(fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	var failed = 0
	for _, u := range users {
		created, cerr := a.client.CreateUser(context.Background(), u)
		if cerr != nil {
			fmt.Printf("  x %s: %v\n", u.UserName, cerr)
			failed++
			continue
		}
		fmt.Printf("  + %s [id: %s]\n", created.UserName, created.Id)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdUserUpdate(args []string) int {
	var fs = pflag.NewFlagSet("user update", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim user update <file>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	users, err := source.LoadUsers(fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	var ctx = context.Background()
	var failed = 0
	for _, u := range users {
		existing, ferr := a.client.FindUserByUserName(ctx, u.UserName)
		if ferr != nil {
			fmt.Printf("  x %s: %v\n", u.UserName, ferr)
			failed++
			continue
		}
		if existing == nil {
			fmt.Printf("  x %s: user not found\n", u.UserName)
			failed++
			continue
		}
		if uerr := a.client.UpdateUser(ctx, existing.Id, u); uerr != nil {
			fmt.Printf("  x %s: %v\n", u.UserName, uerr)
			failed++
			continue
		}
		fmt.Printf("  ~ %s [id: %s]\n", u.UserName, existing.Id)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdUserDelete(args []string) int {
	var fs = pflag.NewFlagSet("user delete", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim user delete <username>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	var ctx = context.Background()
	user, err := a.client.FindUserByUserName(ctx, fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	if user == nil {
		fmt.Fprintf(os.Stderr, "user not found: %s\n", fs.Arg(0))
		return 1
	}
	if err = a.client.DeleteUser(ctx, user.Id); err != nil {
		return fatal(err)
	}
	fmt.Printf("  - %s [id: %s]\n", user.UserName, user.Id)
	return 0
}

func cmdUserSync(args []string) int {
	var fs = pflag.NewFlagSet("user sync", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	policyName := fs.String("policy", "incremental", "incremental, full or full-delete")
	dryRun := fs.Bool("dry-run", false, "compute the diff without mutating anything")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var file = "users.json"
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
	users, err := source.LoadUsers(file)
	if err != nil {
		return fatal(err)
	}
	return runEngine(a, sync.Request{
		Users:  users,
		Policy: policy,
		Mode:   modeFor(*dryRun),
		Scope:  sync.ScopeUsers,
	}, *asJSON)
}

func modeFor(dryRun bool) sync.Mode {
	if dryRun {
		return sync.ModeSimulate
	}
	return sync.ModeApply
}

// runEngine executes one reconciliation and renders its report.
func runEngine(a *app, req sync.Request, asJSON bool) int {
	var engine = sync.NewEngine(a.client, a.log)
	report, err := engine.Run(context.Background(), req)
	if asJSON {
		printJSON(os.Stdout, report)
	} else {
		printReport(os.Stdout, report)
	}
	if err != nil {
		return fatal(err)
	}
	if report.Summary.Errors > 0 {
		return 1
	}
	return 0
}
