package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/jief123/aws-idc-scim/api"
	"github.com/jief123/aws-idc-scim/scim"
	"github.com/jief123/aws-idc-scim/source"
	"github.com/jief123/aws-idc-scim/sync"
)

func runExternalId(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: idcscim external-id list|set|find")
		return 2
	}
	switch args[0] {
	case "list":
		return cmdExternalIdList(args[1:])
	case "set":
		return cmdExternalIdSet(args[1:])
	case "find":
		return cmdExternalIdFind(args[1:])
	}
	fmt.Fprintf(os.Stderr, "unknown external-id command %q\n", args[0])
	return 2
}

func cmdExternalIdList(args []string) int {
	var fs = pflag.NewFlagSet("external-id list", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	users, err := a.client.GetAllUsers(context.Background(), scim.Filter{})
	if err != nil {
		return fatal(err)
	}
	sortUsers(users)
	var missing = 0
	var tw = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tEXTERNAL ID")
	for _, u := range users {
		var ext = u.ExternalId
		if ext == "" {
			ext = "(missing)"
			missing++
		}
		fmt.Fprintf(tw, "%s\t%s\n", u.UserName, ext)
	}
	_ = tw.Flush()
	fmt.Printf("\n%d users, %d missing externalId\n", len(users), missing)
	return 0
}

// cmdExternalIdSet patches a user's externalId, generating a UUID when no
// value is given.
func cmdExternalIdSet(args []string) int {
	var fs = pflag.NewFlagSet("external-id set", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "usage: idcscim external-id set <username> [value]")
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
	var value string
	if fs.NArg() == 2 {
		value = fs.Arg(1)
	} else {
		value = uuid.NewString()
	}
	err = a.client.PatchUser(ctx, user.Id, []scim.PatchOperation{
		{Op: scim.PatchReplace, Path: "externalId", Value: value},
	})
	if err != nil {
		return fatal(err)
	}
	fmt.Printf("  ~ %s externalId = %s\n", user.UserName, value)
	return 0
}

// cmdExternalIdFind reverses the mapping: given an externalId from the
// upstream HR system, resolve the user it was assigned to.
func cmdExternalIdFind(args []string) int {
	var fs = pflag.NewFlagSet("external-id find", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim external-id find <value>")
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	user, err := a.client.FindUserByExternalId(context.Background(), fs.Arg(0))
	if err != nil {
		return fatal(err)
	}
	if user == nil {
		fmt.Fprintf(os.Stderr, "no user with externalId %s\n", fs.Arg(0))
		return 1
	}
	printJSON(os.Stdout, user)
	return 0
}

func runImportCSV(args []string) int {
	// Purely local: no endpoint or credentials involved.
	var fs = pflag.NewFlagSet("import-csv", pflag.ContinueOnError)
	output := fs.StringP("output", "o", "groups.json", "groups file to merge into")
	planMap := fs.String("plan-map", "", "TOML file mapping plan names to groups")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: idcscim import-csv <file> [-o groups.json] [--plan-map plans.toml]")
		return 2
	}
	var plans map[string]string
	if *planMap != "" {
		var err error
		if plans, err = source.LoadPlanMap(*planMap); err != nil {
			return fatal(err)
		}
	}
	stats, err := source.ImportCSV(fs.Arg(0), *output, plans)
	if err != nil {
		return fatal(err)
	}
	fmt.Printf("read %d rows, added %d member relationships", stats.Rows, stats.Added)
	if stats.Skipped > 0 {
		fmt.Printf(", skipped %d", stats.Skipped)
	}
	fmt.Printf("\n%d groups written to %s\n", stats.Groups, *output)
	return 0
}

// runSync reconciles users and groups in one run, users first.
func runSync(args []string) int {
	var fs = pflag.NewFlagSet("sync", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	usersFile := fs.String("users", "users.json", "desired users file")
	groupsFile := fs.String("groups", "groups.json", "desired groups file")
	policyName := fs.String("policy", "incremental", "incremental, full or full-delete")
	dryRun := fs.Bool("dry-run", false, "compute the diff without mutating anything")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	policy, err := sync.ParsePolicy(*policyName)
	if err != nil {
		return fatal(err)
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	users, err := source.LoadUsers(*usersFile)
	if err != nil {
		return fatal(err)
	}
	groups, err := source.LoadGroups(*groupsFile)
	if err != nil {
		return fatal(err)
	}
	return runEngine(a, sync.Request{
		Users:  users,
		Groups: groups,
		Policy: policy,
		Mode:   modeFor(*dryRun),
	}, *asJSON)
}

func runServe(args []string) int {
	var fs = pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath, logLevel := addCommonFlags(fs)
	listen := fs.String("listen", "", "bind address, defaults to the configured listen value")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := newApp(*configPath, *logLevel)
	if err != nil {
		return fatal(err)
	}
	var addr = *listen
	if addr == "" {
		addr = a.cfg.Listen
	}
	var server = api.NewServer(a.client, a.log)
	a.log.Info().Str("listen", addr).Msg("rest facade listening")
	if err := server.Router().Run(addr); err != nil {
		return fatal(err)
	}
	return 0
}
