// ABOUTME: Per-instance credential directories rooted under the sessions directory
// ABOUTME: Handles directory creation, credential purge on logout and full removal on delete

package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// CredentialsFile is the name of the file holding an instance's login
// credentials inside its directory. Its presence means the instance has been
// paired at least once.
const CredentialsFile = "creds.json"

// Credentials manages the on-disk session state of every instance. Each
// instance owns <base>/instances/<id>/; the engine is free to put anything
// there.
type Credentials struct {
	base   string
	logger *slog.Logger
}

// NewCredentials creates the base directory if needed.
func NewCredentials(baseDir string) (*Credentials, error) {
	root := filepath.Join(baseDir, "instances")
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	return &Credentials{
		base:   root,
		logger: slog.Default().With("component", "credentials"),
	}, nil
}

// Dir returns the directory for id without creating it.
func (c *Credentials) Dir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(c.base, id), nil
}

// Ensure returns the directory for id, creating it if needed.
func (c *Credentials) Ensure(id string) (string, error) {
	dir, err := c.Dir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating instance directory: %w", err)
	}
	return dir, nil
}

// Exists reports whether id has saved login credentials.
func (c *Credentials) Exists(id string) bool {
	dir, err := c.Dir(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, CredentialsFile))
	return err == nil
}

// Purge deletes every credential and session file of id but keeps the
// directory, so a later pairing can start from a clean slate.
func (c *Credentials) Purge(id string) error {
	dir, err := c.Dir(id)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading instance directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("purging credentials for %s: %w", id, errors.Join(errs...))
	}

	c.logger.Info("purged session files", "instance", id, "files", len(entries))
	return nil
}

// Remove deletes the whole directory of id. Removing a missing directory is
// not an error.
func (c *Credentials) Remove(id string) error {
	dir, err := c.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing instance directory: %w", err)
	}
	return nil
}
