// Package types provides the core data types shared by the catalog replication engine.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

// Channel is the top-level partition of the remote catalog denoting data lineage.
type Channel string

const (
	// ChannelGarden holds curated, raw-ingested datasets.
	ChannelGarden Channel = "garden"

	// ChannelBackport holds datasets backported from the legacy database.
	ChannelBackport Channel = "backport"
)

// SupportedChannels lists the channels the replication engine materializes.
var SupportedChannels = []Channel{ChannelGarden, ChannelBackport}

// IsSupported reports whether the channel is replicated.
func (c Channel) IsSupported() bool {
	for _, s := range SupportedChannels {
		if c == s {
			return true
		}
	}
	return false
}

var (
	shortNamePattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)
	versionPattern   = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// CatalogEntry identifies one table in the remote catalog.
// Entries are immutable snapshots taken from a single index read.
type CatalogEntry struct {
	// Channel is the lineage partition (garden, backport)
	Channel Channel `json:"channel"`

	// Namespace groups datasets by publisher
	Namespace string `json:"namespace"`

	// Version is the dataset version, usually a date (2020-10-01) or "latest"
	Version string `json:"version"`

	// DatasetShortName is the dataset's short name
	DatasetShortName string `json:"dataset"`

	// TableShortName is the table's short name within the dataset
	TableShortName string `json:"table"`

	// Checksum is the opaque content hash published by the catalog
	Checksum string `json:"checksum"`

	// IsPrivate marks data that must not be replicated by default
	IsPrivate bool `json:"is_private"`

	// Dimensions lists the table's index columns
	Dimensions []string `json:"dimensions,omitempty"`

	// Formats lists the payload formats published for the table
	Formats []string `json:"formats,omitempty"`
}

// DatasetPath returns channel/namespace/version/dataset.
func (e CatalogEntry) DatasetPath() string {
	return strings.Join([]string{string(e.Channel), e.Namespace, e.Version, e.DatasetShortName}, "/")
}

// TablePath returns the full object path of the table without extension.
func (e CatalogEntry) TablePath() string {
	return e.DatasetPath() + "/" + e.TableShortName
}

// Validate returns an error if the entry's path segments cannot be mapped to a
// stable, collision-free local table name.
func (e CatalogEntry) Validate() error {
	if !e.Channel.IsSupported() {
		return fmt.Errorf("unsupported channel %q", e.Channel)
	}
	if !versionPattern.MatchString(e.Version) {
		return fmt.Errorf("invalid version %q in %s", e.Version, e.TablePath())
	}
	for _, seg := range []struct{ kind, value string }{
		{"namespace", e.Namespace},
		{"dataset", e.DatasetShortName},
		{"table", e.TableShortName},
	} {
		if !shortNamePattern.MatchString(seg.value) {
			return fmt.Errorf("invalid %s short name %q in %s", seg.kind, seg.value, e.TablePath())
		}
	}
	if e.Checksum == "" {
		return fmt.Errorf("missing checksum for %s", e.TablePath())
	}
	return nil
}

// HasDimension reports whether column is one of the table's dimensions.
func (e CatalogEntry) HasDimension(column string) bool {
	for _, d := range e.Dimensions {
		if d == column {
			return true
		}
	}
	return false
}
