// ABOUTME: MetadataStore interface and data types for hive-gateway persistence
// ABOUTME: Defines per-instance Metadata, mergeable Patch values and instance id validation

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidID is returned when an instance id fails validation
var ErrInvalidID = errors.New("invalid instance id")

// idPattern restricts instance ids to characters that are safe as a directory name.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9@._-]{3,50}$`)

// ValidateID checks that id can be used as an instance key and directory name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || id == "..." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// InstanceConfig is the tenant-controlled configuration of an instance.
type InstanceConfig struct {
	IgnoreGroups bool   `json:"ignoreGroups"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
}

// Metadata is the durable record of an instance, enough to resume its session
// after a restart.
type Metadata struct {
	ID            string
	Status        string
	Config        InstanceConfig
	RetryCount    int
	LastReason    string
	LastAttemptAt time.Time
	LastUpdateAt  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Patch is a partial update of Metadata. Nil fields are left untouched.
type Patch struct {
	Status        *string
	Config        *InstanceConfig
	RetryCount    *int
	LastReason    *string
	LastAttemptAt *time.Time
	LastUpdateAt  *time.Time
}

// Ptr returns a pointer to v, for building Patch literals.
func Ptr[T any](v T) *T {
	return &v
}

// Merge overlays every field set in other onto p.
func (p *Patch) Merge(other Patch) {
	if other.Status != nil {
		p.Status = other.Status
	}
	if other.Config != nil {
		p.Config = other.Config
	}
	if other.RetryCount != nil {
		p.RetryCount = other.RetryCount
	}
	if other.LastReason != nil {
		p.LastReason = other.LastReason
	}
	if other.LastAttemptAt != nil {
		p.LastAttemptAt = other.LastAttemptAt
	}
	if other.LastUpdateAt != nil {
		p.LastUpdateAt = other.LastUpdateAt
	}
}

// Apply writes every set field onto m.
func (p Patch) Apply(m *Metadata) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Config != nil {
		m.Config = *p.Config
	}
	if p.RetryCount != nil {
		m.RetryCount = *p.RetryCount
	}
	if p.LastReason != nil {
		m.LastReason = *p.LastReason
	}
	if p.LastAttemptAt != nil {
		m.LastAttemptAt = *p.LastAttemptAt
	}
	if p.LastUpdateAt != nil {
		m.LastUpdateAt = *p.LastUpdateAt
	}
}

// IsEmpty reports whether the patch sets no field.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.Config == nil && p.RetryCount == nil &&
		p.LastReason == nil && p.LastAttemptAt == nil && p.LastUpdateAt == nil
}

// MetadataStore persists instance metadata keyed by instance id.
type MetadataStore interface {
	// GetMetadata returns ErrNotFound when no record exists.
	GetMetadata(ctx context.Context, id string) (*Metadata, error)

	// MergeMetadata applies patch to the stored record, creating it when
	// missing, and returns the merged result.
	MergeMetadata(ctx context.Context, id string, patch Patch) (*Metadata, error)

	// DeleteMetadata removes the record. Deleting a missing record is not an error.
	DeleteMetadata(ctx context.Context, id string) error

	// ListMetadata returns every record ordered by id.
	ListMetadata(ctx context.Context) ([]*Metadata, error)

	Ping(ctx context.Context) error
	Close() error
}
