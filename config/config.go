// Package config holds the explicit configuration value passed into the
// store and engine constructors. Nothing here is global: a process can run
// two stores with two configs side by side.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/snapvault/dedup"
)

// Config is the full snapvault configuration.
type Config struct {
	// DBPath is the SQLite file backing the store.
	DBPath string `yaml:"db_path"`

	// RequiredFields are root scalars every document must carry; a
	// document missing one fails validation and nothing is persisted.
	RequiredFields []string `yaml:"required_fields"`

	// SourceTimestampField names the root field holding the source
	// domain's own clock (the simulated date embedded in the document).
	// As-of queries order by this value.
	SourceTimestampField string `yaml:"source_timestamp_field"`

	// Entities declares the per-entity-type natural keys.
	Entities []EntitySpec `yaml:"entities"`

	Queue QueueConfig `yaml:"queue"`
	Audit AuditConfig `yaml:"audit"`
}

// EntitySpec declares the natural key of one entity type.
type EntitySpec struct {
	// Field is the top-level document field (e.g. "transactions").
	Field string `yaml:"field"`
	// Key is the item property carrying the identifier. Empty with
	// ByValue set means the item's own content is the key.
	Key string `yaml:"key,omitempty"`
	// Bucket optionally names a coarse time-bucket property combined
	// with Key, letting the same identifier recur once per bucket.
	Bucket string `yaml:"bucket,omitempty"`
	// ByValue keys the item by its whole content.
	ByValue bool `yaml:"by_value,omitempty"`
	// OnConflict is "ignore" (default) or "update_last_seen".
	OnConflict string `yaml:"on_conflict,omitempty"`
}

// QueueConfig tunes the ingestion mailbox.
type QueueConfig struct {
	// PollInterval is the consumer's claim frequency in milliseconds.
	PollIntervalMS int `yaml:"poll_interval_ms"`
	// VisibilityMS is how long a claimed document stays invisible before
	// an unacknowledged claim is redelivered.
	VisibilityMS int `yaml:"visibility_ms"`
	// MaxAttempts discards a document after this many failed deliveries.
	// 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
}

// AuditConfig tunes the ingestion audit trail.
type AuditConfig struct {
	// RetentionDays prunes audit rows older than this. 0 keeps forever.
	RetentionDays int `yaml:"retention_days"`
}

// Default returns the configuration used when no file is given: an on-disk
// store next to the process, ISO date ordering, and the entity policies the
// source domain ships with.
func Default() *Config {
	return &Config{
		DBPath:               "snapvault.db",
		RequiredFields:       []string{"date", "balance"},
		SourceTimestampField: "date",
		Entities: []EntitySpec{
			// Ledger entries carry a stable unique id.
			{Field: "transactions", Key: "id"},
			// Feed posts reuse ids across simulated days; a day bucket
			// makes each day's posting a separate fact.
			{Field: "jeets", Key: "id", Bucket: "day"},
			// Unlocks are named facts: the content is the identity.
			{Field: "researchedItems", ByValue: true},
			{Field: "activatedBenefits", Key: "id", OnConflict: "update_last_seen"},
		},
		Queue: QueueConfig{
			PollIntervalMS: 500,
			VisibilityMS:   30_000,
			MaxAttempts:    5,
		},
		Audit: AuditConfig{RetentionDays: 90},
	}
}

// Load reads a YAML file over Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.SourceTimestampField == "" {
		return fmt.Errorf("config: source_timestamp_field is required")
	}
	seen := map[string]struct{}{}
	for i, e := range c.Entities {
		if e.Field == "" {
			return fmt.Errorf("config: entities[%d]: field is required", i)
		}
		if _, dup := seen[e.Field]; dup {
			return fmt.Errorf("config: duplicate entity policy for %s", e.Field)
		}
		seen[e.Field] = struct{}{}
		if e.ByValue && (e.Key != "" || e.Bucket != "") {
			return fmt.Errorf("config: entity %s: by_value excludes key/bucket", e.Field)
		}
		if !e.ByValue && e.Key == "" {
			return fmt.Errorf("config: entity %s: key or by_value is required", e.Field)
		}
		if e.Bucket != "" && e.Key == "" {
			return fmt.Errorf("config: entity %s: bucket requires key", e.Field)
		}
		switch e.OnConflict {
		case "", "ignore", "update_last_seen":
		default:
			return fmt.Errorf("config: entity %s: unknown on_conflict %q", e.Field, e.OnConflict)
		}
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("config: queue.max_attempts must be >= 0")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("config: audit.retention_days must be >= 0")
	}
	return nil
}

// Policies builds the dedup registry from the entity declarations.
func (c *Config) Policies() (dedup.Registry, error) {
	reg := dedup.Registry{}
	for _, e := range c.Entities {
		var key dedup.KeyFunc
		switch {
		case e.ByValue:
			key = dedup.ValueKey()
		case e.Bucket != "":
			key = dedup.BucketedKey(e.Key, e.Bucket)
		default:
			key = dedup.IdentityKey(e.Key)
		}
		conflict := dedup.IgnoreDuplicate
		if e.OnConflict == "update_last_seen" {
			conflict = dedup.UpdateLastSeen
		}
		if err := reg.Add(dedup.NewPolicy(e.Field, key, conflict)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
