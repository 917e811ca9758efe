package auth

import (
	"fmt"
	"strconv"
	"strings"
)

// PasswdEntry is one line of the classical colon-separated passwd layout:
// name:x:uid:gid:gecos:home:shell
type PasswdEntry struct {
	Username string
	UID      int
	GID      int
	Gecos    string
	Home     string
	Shell    string
}

// ShadowEntry is one line of the shadow layout:
// name:hash:lastchange:min:max:warn:inactive:expire:flag
type ShadowEntry struct {
	Username       string
	PasswordHash   string
	LastChangeDays int
}

// User combines a passwd entry with its shadow counterpart. HasShadow is
// false when the passwd entry has no matching shadow line.
type User struct {
	PasswdEntry
	PasswordHash   string
	LastChangeDays int
	HasShadow      bool
}

func parsePasswd(data []byte) ([]PasswdEntry, error) {
	var entries []PasswdEntry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 7 {
			return nil, fmt.Errorf("passwd line %d: expected 7 fields, got %d", i+1, len(fields))
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("passwd line %d: bad uid %q", i+1, fields[2])
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("passwd line %d: bad gid %q", i+1, fields[3])
		}
		entries = append(entries, PasswdEntry{
			Username: fields[0],
			UID:      uid,
			GID:      gid,
			Gecos:    fields[4],
			Home:     fields[5],
			Shell:    fields[6],
		})
	}
	return entries, nil
}

func formatPasswd(entries []PasswdEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:x:%d:%d:%s:%s:%s\n", e.Username, e.UID, e.GID, e.Gecos, e.Home, e.Shell)
	}
	return []byte(b.String())
}

func parseShadow(data []byte) ([]ShadowEntry, error) {
	var entries []ShadowEntry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			return nil, fmt.Errorf("shadow line %d: expected at least 3 fields, got %d", i+1, len(fields))
		}
		lastChange := 0
		if fields[2] != "" {
			v, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("shadow line %d: bad lastchange %q", i+1, fields[2])
			}
			lastChange = v
		}
		entries = append(entries, ShadowEntry{
			Username:       fields[0],
			PasswordHash:   fields[1],
			LastChangeDays: lastChange,
		})
	}
	return entries, nil
}

func formatShadow(entries []ShadowEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:%s:%d:0:99999:7:::\n", e.Username, e.PasswordHash, e.LastChangeDays)
	}
	return []byte(b.String())
}
