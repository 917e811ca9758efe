// Package auth verifies credentials against a Unix-style passwd/shadow
// pair kept under the service data directory. It never touches the OS's
// real /etc files.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/promptdhq/promptd/internal/fsutil"
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrBadPassword     = errors.New("bad password")
	ErrNoShadow        = errors.New("no shadow entry for user")
	ErrInvalidUsername = errors.New("invalid username")
	ErrUserExists      = errors.New("user already exists")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{2,31}$`)

// Authenticator reads and mutates a passwd/shadow pair. Mutations take the
// in-process writer lock plus an advisory flock on a sidecar lock file, so
// the daemon and the admin CLI never interleave read-modify-writes on the
// same pair. Writes go through temp-write-rename with a timestamped backup
// beside each modified file; reads are lock-free.
type Authenticator struct {
	passwdPath string
	shadowPath string

	mu sync.Mutex // one writer per process at a time
}

func New(passwdPath, shadowPath string) *Authenticator {
	return &Authenticator{passwdPath: passwdPath, shadowPath: shadowPath}
}

func IsValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// lockFiles takes an exclusive advisory lock on the sidecar lock file next
// to passwd. It blocks until any other process holding the lock releases
// it. The caller must close the returned file to release.
func (a *Authenticator) lockFiles() (*os.File, error) {
	path := a.passwdPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return f, nil
}

func unlockFiles(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}

// VerifyCredentials checks username/password against the pair. The returned
// error is one of the package sentinels (or an I/O error).
func (a *Authenticator) VerifyCredentials(username, password string) error {
	if !IsValidUsername(username) {
		return ErrInvalidUsername
	}

	users, err := a.loadUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Username != username {
			continue
		}
		if !u.HasShadow {
			return ErrNoShadow
		}
		if !VerifyPassword(u.PasswordHash, password) {
			return ErrBadPassword
		}
		return nil
	}
	return ErrNotFound
}

// ListUsers returns every passwd entry joined with its shadow entry.
func (a *Authenticator) ListUsers() ([]User, error) {
	return a.loadUsers()
}

func (a *Authenticator) GetUser(username string) (*User, error) {
	users, err := a.loadUsers()
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Username == username {
			return &users[i], nil
		}
	}
	return nil, ErrNotFound
}

// AddUser creates passwd and shadow entries for a new user.
func (a *Authenticator) AddUser(username, password string, uid, gid int, home, shell string) error {
	if !IsValidUsername(username) {
		return ErrInvalidUsername
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	lock, err := a.lockFiles()
	if err != nil {
		return err
	}
	defer unlockFiles(lock)

	passwd, shadow, err := a.loadFiles()
	if err != nil {
		return err
	}
	for _, e := range passwd {
		if e.Username == username {
			return ErrUserExists
		}
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	passwd = append(passwd, PasswdEntry{
		Username: username,
		UID:      uid,
		GID:      gid,
		Home:     home,
		Shell:    shell,
	})
	shadow = append(shadow, ShadowEntry{
		Username:       username,
		PasswordHash:   hash,
		LastChangeDays: daysSinceEpoch(),
	})

	return a.writeFiles(passwd, shadow)
}

// RemoveUser deletes the user from both files.
func (a *Authenticator) RemoveUser(username string) error {
	if !IsValidUsername(username) {
		return ErrInvalidUsername
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	lock, err := a.lockFiles()
	if err != nil {
		return err
	}
	defer unlockFiles(lock)

	passwd, shadow, err := a.loadFiles()
	if err != nil {
		return err
	}

	found := false
	outPasswd := passwd[:0]
	for _, e := range passwd {
		if e.Username == username {
			found = true
			continue
		}
		outPasswd = append(outPasswd, e)
	}
	if !found {
		return ErrNotFound
	}
	outShadow := shadow[:0]
	for _, e := range shadow {
		if e.Username == username {
			continue
		}
		outShadow = append(outShadow, e)
	}

	return a.writeFiles(outPasswd, outShadow)
}

// UpdatePassword replaces the user's shadow hash.
func (a *Authenticator) UpdatePassword(username, password string) error {
	if !IsValidUsername(username) {
		return ErrInvalidUsername
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	lock, err := a.lockFiles()
	if err != nil {
		return err
	}
	defer unlockFiles(lock)

	passwd, shadow, err := a.loadFiles()
	if err != nil {
		return err
	}

	exists := false
	for _, e := range passwd {
		if e.Username == username {
			exists = true
			break
		}
	}
	if !exists {
		return ErrNotFound
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	updated := false
	for i := range shadow {
		if shadow[i].Username == username {
			shadow[i].PasswordHash = hash
			shadow[i].LastChangeDays = daysSinceEpoch()
			updated = true
		}
	}
	if !updated {
		shadow = append(shadow, ShadowEntry{
			Username:       username,
			PasswordHash:   hash,
			LastChangeDays: daysSinceEpoch(),
		})
	}

	return a.writeFiles(passwd, shadow)
}

func (a *Authenticator) loadUsers() ([]User, error) {
	passwd, shadow, err := a.loadFiles()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]ShadowEntry, len(shadow))
	for _, e := range shadow {
		byName[e.Username] = e
	}

	users := make([]User, 0, len(passwd))
	for _, e := range passwd {
		u := User{PasswdEntry: e}
		if se, ok := byName[e.Username]; ok {
			u.PasswordHash = se.PasswordHash
			u.LastChangeDays = se.LastChangeDays
			u.HasShadow = true
		}
		users = append(users, u)
	}
	return users, nil
}

func (a *Authenticator) loadFiles() ([]PasswdEntry, []ShadowEntry, error) {
	passwdData, err := os.ReadFile(a.passwdPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	shadowData, err := os.ReadFile(a.shadowPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}

	passwd, err := parsePasswd(passwdData)
	if err != nil {
		return nil, nil, err
	}
	shadow, err := parseShadow(shadowData)
	if err != nil {
		return nil, nil, err
	}
	return passwd, shadow, nil
}

func (a *Authenticator) writeFiles(passwd []PasswdEntry, shadow []ShadowEntry) error {
	if err := os.MkdirAll(filepath.Dir(a.passwdPath), 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.shadowPath), 0700); err != nil {
		return err
	}

	now := time.Now().Unix()
	if err := backupFile(a.passwdPath, now); err != nil {
		return err
	}
	if err := backupFile(a.shadowPath, now); err != nil {
		return err
	}

	if err := fsutil.WriteFileAtomic(a.passwdPath, formatPasswd(passwd), 0644); err != nil {
		return fmt.Errorf("write passwd: %w", err)
	}
	if err := fsutil.WriteFileAtomic(a.shadowPath, formatShadow(shadow), 0600); err != nil {
		return fmt.Errorf("write shadow: %w", err)
	}
	return nil
}

func backupFile(path string, stamp int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(fmt.Sprintf("%s.bak-%d", path, stamp), data, 0600)
}

func daysSinceEpoch() int {
	return int(time.Now().Unix() / 86400)
}
