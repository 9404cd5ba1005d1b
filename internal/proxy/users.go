package proxy

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// usersHeader is the first line merino expects in its users file.
var usersHeader = []string{"username", "password"}

// User is one merino credential.
type User struct {
	Username string
	Password string
}

// WriteUsersFile replaces path with a header line and one row per
// user.  The file is created 0600 and its directory as needed.
func WriteUsersFile(path string, users []User) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("users directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create users file: %w", err)
	}

	w := csv.NewWriter(f)
	w.Write(usersHeader) //nolint:errcheck // surfaced by w.Error
	for _, u := range users {
		w.Write([]string{u.Username, u.Password}) //nolint:errcheck
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write users file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write users file: %w", err)
	}
	// Rename so a watching supervisor never sees a half-written file.
	return os.Rename(tmp, path)
}

// ReadUsersFile parses a merino users file.  The header line and rows
// without exactly two fields are skipped.
func ReadUsersFile(path string) ([]User, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open users file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var users []User
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse users file: %w", err)
		}
		if line == 0 && strings.EqualFold(rec[0], usersHeader[0]) {
			continue
		}
		if len(rec) != 2 || rec[0] == "" {
			continue
		}
		users = append(users, User{Username: rec[0], Password: rec[1]})
	}
	return users, nil
}

// AddUser inserts or replaces u in the users file at path, creating
// the file when it does not exist.
func AddUser(path string, u User) error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	var users []User
	if fileExists(path) {
		existing, err := ReadUsersFile(path)
		if err != nil {
			return err
		}
		users = existing
	}

	replaced := false
	for i := range users {
		if users[i].Username == u.Username {
			users[i] = u
			replaced = true
		}
	}
	if !replaced {
		users = append(users, u)
	}
	return WriteUsersFile(path, users)
}
