package offline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/umsync/syncctl/internal/connector"
	"github.com/umsync/syncctl/internal/identity"
)

// csvColumns is the fixed part of the CSV layouts; any extra columns in a
// directory file become source attributes available to the hook.
var csvColumns = map[string]struct{}{
	"type": {}, "username": {}, "domain": {}, "email": {},
	"firstname": {}, "lastname": {}, "country": {}, "groups": {},
}

// CSVDirectory reads directory users from a flat CSV file. Group
// memberships are pipe-separated in the "groups" column.
type CSVDirectory struct {
	Path string
}

func (d *CSVDirectory) LoadUsersAndGroups(ctx context.Context, groups []string, extendedAttributes []string, loadAll bool) (connector.UserStream, error) {
	rows, header, err := readCSV(d.Path)
	if err != nil {
		return nil, fmt.Errorf("offline: directory file: %w", err)
	}

	wanted := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		wanted[identity.Normalize(g)] = struct{}{}
	}
	extended := make(map[string]struct{}, len(extendedAttributes))
	for _, a := range extendedAttributes {
		extended[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}

	var users []*identity.DirectoryUser
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := recordFor(header, row)

		typ, err := identity.ParseType(record["type"])
		if err != nil {
			typ = identity.FederatedID
		}
		memberGroups := splitList(record["groups"])
		if !loadAll && !anyGroupWanted(memberGroups, wanted) {
			continue
		}

		u := &identity.DirectoryUser{
			Type:         typ,
			Username:     record["username"],
			Domain:       record["domain"],
			Email:        record["email"],
			Firstname:    record["firstname"],
			Lastname:     record["lastname"],
			Country:      record["country"],
			MemberGroups: memberGroups,
		}
		for key, value := range record {
			if _, fixed := csvColumns[key]; fixed {
				continue
			}
			if _, want := extended[key]; !want {
				continue
			}
			if u.SourceAttributes == nil {
				u.SourceAttributes = make(map[string]string)
			}
			u.SourceAttributes[key] = value
		}
		users = append(users, u)
	}
	return connector.NewUserSliceStream(users), nil
}

func readCSV(path string) (rows [][]string, header []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	header = all[0]
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return all[1:], header, nil
}

func recordFor(header, row []string) map[string]string {
	record := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(row) {
			record[h] = strings.TrimSpace(row[i])
		}
	}
	return record
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func anyGroupWanted(memberGroups []string, wanted map[string]struct{}) bool {
	for _, g := range memberGroups {
		if _, ok := wanted[identity.Normalize(g)]; ok {
			return true
		}
	}
	return false
}
