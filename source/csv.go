package source

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ImportStats summarizes a CSV merge.
type ImportStats struct {
	Rows    int // usable rows read from the CSV
	Added   int // new member relationships
	Skipped int // rows without a resolvable group
	Groups  int // total groups in the written file
}

// LoadPlanMap reads a TOML file whose [plans] table maps a subscription plan
// name to a group displayName, for CSVs that carry a plan column instead of
// a group column.
func LoadPlanMap(path string) (plans map[string]string, err error) {
	var doc struct {
		Plans map[string]string `toml:"plans"`
	}
	if _, err = toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("%s: no [plans] table", path)
	}
	return doc.Plans, nil
}

// ImportCSV merges membership rows from a CSV into a groups JSON file,
// creating it when absent. The CSV needs an email column and either a group
// column or, when plans is non-nil, a plan column translated through the
// plan map. Existing file content is preserved; output is sorted.
func ImportCSV(csvPath string, groupsPath string, plans map[string]string) (stats ImportStats, err error) {
	var f *os.File
	if f, err = os.Open(csvPath); err != nil {
		return
	}
	defer f.Close()

	var reader = csv.NewReader(f)
	reader.FieldsPerRecord = -1
	var header []string
	if header, err = reader.Read(); err != nil {
		return stats, fmt.Errorf("%s: reading header: %w", csvPath, err)
	}
	var emailCol, groupCol, planCol = -1, -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\uFEFF"))) {
		case "email":
			emailCol = i
		case "group":
			groupCol = i
		case "plan":
			planCol = i
		}
	}
	if emailCol < 0 {
		return stats, fmt.Errorf("%s: no email column", csvPath)
	}
	if plans == nil && groupCol < 0 {
		return stats, fmt.Errorf("%s: no group column", csvPath)
	}
	if plans != nil && planCol < 0 {
		return stats, fmt.Errorf("%s: no plan column", csvPath)
	}

	// group name -> member userNames
	var membership = make(map[string]map[string]struct{})

	// merge into whatever the groups file already holds
	var existing []groupRecord
	if data, rerr := os.ReadFile(groupsPath); rerr == nil {
		if err = json.Unmarshal(data, &existing); err != nil {
			return stats, fmt.Errorf("%s: %w", groupsPath, err)
		}
	}
	for _, rec := range existing {
		var members = make(map[string]struct{})
		for _, m := range rec.Members {
			if m.value != "" {
				members[m.value] = struct{}{}
			}
		}
		membership[rec.DisplayName] = members
	}

	var rows [][]string
	if rows, err = reader.ReadAll(); err != nil {
		return stats, fmt.Errorf("%s: %w", csvPath, err)
	}
	for _, row := range rows {
		var email = fieldAt(row, emailCol)
		if email == "" {
			continue
		}
		var group string
		if plans != nil {
			group = plans[fieldAt(row, planCol)]
			if group == "" {
				stats.Skipped++
				continue
			}
		} else {
			group = fieldAt(row, groupCol)
			if group == "" {
				continue
			}
		}
		stats.Rows++
		if membership[group] == nil {
			membership[group] = make(map[string]struct{})
		}
		if _, ok := membership[group][email]; !ok {
			membership[group][email] = struct{}{}
			stats.Added++
		}
	}
	if stats.Rows == 0 {
		return stats, fmt.Errorf("%s: no usable rows", csvPath)
	}

	var names []string
	for name := range membership {
		names = append(names, name)
	}
	sort.Strings(names)
	var out = make([]map[string]any, 0, len(names))
	for _, name := range names {
		var members []string
		for m := range membership[name] {
			members = append(members, m)
		}
		sort.Strings(members)
		var refs = make([]map[string]string, 0, len(members))
		for _, m := range members {
			refs = append(refs, map[string]string{"value": m})
		}
		out = append(out, map[string]any{"displayName": name, "members": refs})
	}
	stats.Groups = len(out)

	var data []byte
	if data, err = json.MarshalIndent(out, "", "  "); err != nil {
		return
	}
	err = os.WriteFile(groupsPath, append(data, '\n'), 0o644)
	return
}

func fieldAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
