package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/jief123/aws-idc-scim/scim"
	"github.com/jief123/aws-idc-scim/sync"
)

// collator orders names the way a human would scan a roster.
var collator = collate.New(language.English, collate.IgnoreCase)

func sortUsers(users []*scim.User) {
	sort.Slice(users, func(i, j int) bool {
		return collator.CompareString(users[i].UserName, users[j].UserName) < 0
	})
}

func sortGroups(groups []*scim.Group) {
	sort.Slice(groups, func(i, j int) bool {
		return collator.CompareString(groups[i].DisplayName, groups[j].DisplayName) < 0
	})
}

func printJSON(w io.Writer, v any) {
	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printUserTable(w io.Writer, users []*scim.User) {
	fmt.Fprintf(w, "%d users\n\n", len(users))
	var tw = tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tUSERNAME\tDISPLAY NAME\tID")
	for _, u := range users {
		var status = "x"
		if u.IsActive() {
			status = "v"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", status, u.UserName, u.DisplayName, u.Id)
	}
	_ = tw.Flush()
}

func printGroupTable(w io.Writer, groups []*scim.Group) {
	fmt.Fprintf(w, "%d groups\n\n", len(groups))
	var tw = tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISPLAY NAME\tID")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\n", g.DisplayName, g.Id)
	}
	_ = tw.Flush()
}

// actionMark is the one-character prefix for a result line.
func actionMark(a sync.Action) string {
	switch a {
	case sync.ActionCreate:
		return "+"
	case sync.ActionUpdate:
		return "~"
	case sync.ActionDelete:
		return "-"
	case sync.ActionNoop:
		return "o"
	case sync.ActionError:
		return "x"
	}
	return "?"
}

func printReport(w io.Writer, report *sync.Report) {
	var suffix = ""
	if report.Mode == sync.ModeSimulate.String() {
		suffix = " (dry run)"
	}
	for _, res := range report.Results {
		fmt.Fprintf(w, "  %s %s %s", actionMark(res.Action), res.Kind, res.Key)
		if res.Id != "" {
			fmt.Fprintf(w, " [id: %s]", res.Id)
		}
		switch {
		case res.Action == sync.ActionError:
			fmt.Fprintf(w, ": %s", res.Detail)
		case len(res.Fields) > 0:
			fmt.Fprintf(w, " changed: %s", joinFields(res.Fields))
		}
		fmt.Fprintf(w, "%s\n", suffix)
		for _, m := range res.Added {
			fmt.Fprintf(w, "      + member %s", m.UserName)
			if m.Id != "" {
				fmt.Fprintf(w, " [id: %s]", m.Id)
			}
			fmt.Fprintln(w)
		}
		for _, m := range res.Removed {
			fmt.Fprintf(w, "      - member %s [id: %s]\n", m.UserName, m.Id)
		}
	}
	var s = report.Summary
	fmt.Fprintf(w, "\ncreated:%d updated:%d deleted:%d unchanged:%d errors:%d",
		s.Created, s.Updated, s.Deleted, s.Unchanged, s.Errors)
	if s.MemberAdds > 0 || s.MemberRemoves > 0 {
		fmt.Fprintf(w, " member-adds:%d member-removes:%d", s.MemberAdds, s.MemberRemoves)
	}
	fmt.Fprintf(w, "%s\n", suffix)
}

func joinFields(fields []string) (s string) {
	for i, f := range fields {
		if i > 0 {
			s += ", "
		}
		s += f
	}
	return
}
