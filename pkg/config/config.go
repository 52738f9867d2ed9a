package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/types"
)

// Config is the full Chronos-DB configuration surface.
type Config struct {
	DBConnections     map[string]string         `yaml:"dbConnections"`
	SpacesConnections map[string]SpacesConn     `yaml:"spacesConnections"`
	Databases         Databases                 `yaml:"databases"`
	LocalStorage      *LocalStorage             `yaml:"localStorage,omitempty"`
	Routing           Routing                   `yaml:"routing"`
	Retention         Retention                 `yaml:"retention"`
	Rollup            Rollup                    `yaml:"rollup"`
	CollectionMaps    map[string]CollectionMap  `yaml:"collectionMaps"`
	CounterRules      []map[string]interface{}  `yaml:"counterRules,omitempty"`
	TimeBasedRules    []map[string]interface{}  `yaml:"timeBasedRules,omitempty"`
	CrossTenantRules  []map[string]interface{}  `yaml:"crossTenantRules,omitempty"`
	DevShadow         DevShadow                 `yaml:"devShadow"`
	LogicalDelete     Toggle                    `yaml:"logicalDelete"`
	Versioning        Toggle                    `yaml:"versioning"`
	Transactions      Transactions              `yaml:"transactions"`
	Fallback          Fallback                  `yaml:"fallback"`
	WriteOptimization WriteOptimization         `yaml:"writeOptimization"`
	Logging           Logging                   `yaml:"logging"`
}

// SpacesConn describes one object-store connection.
type SpacesConn struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"accessKey"`
	SecretKey      string `yaml:"secretKey"`
	ForcePathStyle bool   `yaml:"forcePathStyle,omitempty"`

	// Azure selects the Azure Blob adapter instead of S3. AccountName and
	// AccountKey replace the S3 credential pair.
	Azure       bool   `yaml:"azure,omitempty"`
	AccountName string `yaml:"accountName,omitempty"`
	AccountKey  string `yaml:"accountKey,omitempty"`
}

// Databases groups the tier families.
type Databases struct {
	Metadata   TieredFamily    `yaml:"metadata"`
	Knowledge  TieredFamily    `yaml:"knowledge"`
	Runtime    RuntimeFamily   `yaml:"runtime"`
	Logs       []DatabaseEntry `yaml:"logs,omitempty"`
	Messaging  []DatabaseEntry `yaml:"messaging,omitempty"`
	Identities []DatabaseEntry `yaml:"identities,omitempty"`
}

// PrimaryEntry returns the first configured database entry in a fixed
// family order. Process-wide collections (the fallback queue, dead letters)
// live in this entry's database.
func (d Databases) PrimaryEntry() *DatabaseEntry {
	if d.Metadata.GenericDatabase != nil {
		return d.Metadata.GenericDatabase
	}
	if d.Knowledge.GenericDatabase != nil {
		return d.Knowledge.GenericDatabase
	}
	for _, group := range [][]DatabaseEntry{
		d.Metadata.DomainsDatabases, d.Metadata.TenantDatabases,
		d.Knowledge.DomainsDatabases, d.Knowledge.TenantDatabases,
		d.Runtime.TenantDatabases, d.Logs, d.Messaging, d.Identities,
	} {
		if len(group) > 0 {
			return &group[0]
		}
	}
	return nil
}

// TieredFamily holds generic, per-domain and per-tenant database entries.
type TieredFamily struct {
	GenericDatabase  *DatabaseEntry  `yaml:"genericDatabase,omitempty"`
	DomainsDatabases []DatabaseEntry `yaml:"domainsDatabases,omitempty"`
	TenantDatabases  []DatabaseEntry `yaml:"tenantDatabases,omitempty"`
}

// RuntimeFamily is tenant-only; each entry names an analytics database.
type RuntimeFamily struct {
	TenantDatabases []DatabaseEntry `yaml:"tenantDatabases,omitempty"`
}

// DatabaseEntry binds a logical database to a doc-store and blob-store
// connection pair plus its bucket assignment.
type DatabaseEntry struct {
	DBConnRef    string `yaml:"dbConnRef"`
	SpaceConnRef string `yaml:"spaceConnRef"`
	DBName       string `yaml:"dbName"`

	TenantID string `yaml:"tenantId,omitempty"`
	Domain   string `yaml:"domain,omitempty"`

	// AnalyticsDBName is required for runtime tenant entries only.
	AnalyticsDBName string `yaml:"analyticsDbName,omitempty"`

	RecordsBucket  string `yaml:"recordsBucket,omitempty"`
	VersionsBucket string `yaml:"versionsBucket,omitempty"`
	ContentBucket  string `yaml:"contentBucket,omitempty"`
	BackupsBucket  string `yaml:"backupsBucket,omitempty"`

	// Bucket is the legacy single-bucket fallback filling any unset slot.
	Bucket string `yaml:"bucket,omitempty"`
}

// BucketSet is the resolved bucket assignment for a database entry.
type BucketSet struct {
	Records  string
	Versions string
	Content  string
	Backups  string
}

// Buckets resolves the entry's bucket set. The most specific setting wins;
// the legacy single bucket fills any slot left unset.
func (e *DatabaseEntry) Buckets() BucketSet {
	pick := func(specific string) string {
		if specific != "" {
			return specific
		}
		return e.Bucket
	}
	return BucketSet{
		Records:  pick(e.RecordsBucket),
		Versions: pick(e.VersionsBucket),
		Content:  pick(e.ContentBucket),
		Backups:  pick(e.BackupsBucket),
	}
}

// LocalStorage substitutes the filesystem adapter for all blob I/O.
type LocalStorage struct {
	Enabled  bool   `yaml:"enabled"`
	BasePath string `yaml:"basePath"`
}

// HashAlgo selects the backend chooser.
type HashAlgo string

const (
	HashRendezvous HashAlgo = "rendezvous"
	HashJump       HashAlgo = "jump"
)

// Routing configures backend selection.
type Routing struct {
	HashAlgo HashAlgo `yaml:"hashAlgo,omitempty"`

	// ChooseKey is a template over {tenantId}, {dbType}, {domain},
	// {collection} and {itemId}; empty means the default
	// "tenantId|dbType|collection:itemId".
	ChooseKey string `yaml:"chooseKey,omitempty"`
}

// Retention bounds version and counter history.
type Retention struct {
	Ver struct {
		Days       int `yaml:"days,omitempty"`
		MaxPerItem int `yaml:"maxPerItem,omitempty"`
	} `yaml:"ver"`
	Counters struct {
		Days   int `yaml:"days"`
		Weeks  int `yaml:"weeks"`
		Months int `yaml:"months"`
	} `yaml:"counters"`
}

// Rollup configures manifest generation.
type Rollup struct {
	Enabled        bool   `yaml:"enabled"`
	ManifestPeriod string `yaml:"manifestPeriod,omitempty"` // daily, weekly, monthly
}

// Base64Prop configures one externalized property.
type Base64Prop struct {
	ContentType   string `yaml:"contentType"`
	PreferredText bool   `yaml:"preferredText,omitempty"`
	TextCharset   string `yaml:"textCharset,omitempty"`
}

// CollectionMap configures indexing and externalization for one collection.
type CollectionMap struct {
	IndexedProps []string              `yaml:"indexedProps,omitempty"`
	Base64Props  map[string]Base64Prop `yaml:"base64Props,omitempty"`
	Validation   struct {
		RequiredIndexed []string `yaml:"requiredIndexed,omitempty"`
	} `yaml:"validation"`
}

// DevShadow configures the embedded head-record payload copy.
type DevShadow struct {
	Enabled        bool  `yaml:"enabled"`
	TTLHours       int   `yaml:"ttlHours,omitempty"`
	MaxBytesPerDoc int64 `yaml:"maxBytesPerDoc,omitempty"`
}

// Toggle is a boolean section whose absence means enabled (logicalDelete,
// versioning).
type Toggle struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// On reports the effective value, defaulting to true.
func (t Toggle) On() bool {
	return t.Enabled == nil || *t.Enabled
}

// Transactions configures multi-document transaction usage.
type Transactions struct {
	Enabled    bool `yaml:"enabled"`
	AutoDetect bool `yaml:"autoDetect"`
}

// Fallback configures the durable retry queue.
type Fallback struct {
	Enabled bool `yaml:"enabled"`

	// MaxAttempts defaults to 10 when absent; an explicit 0 disables
	// enqueue entirely (all failures surface immediately).
	MaxAttempts          *int   `yaml:"maxAttempts,omitempty"`
	BaseDelayMs          int    `yaml:"baseDelayMs,omitempty"`
	MaxDelayMs           int    `yaml:"maxDelayMs,omitempty"`
	DeadLetterCollection string `yaml:"deadLetterCollection,omitempty"`
}

// BaseDelay returns the configured base delay or the 2s default.
func (f Fallback) BaseDelay() time.Duration {
	if f.BaseDelayMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(f.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the configured max delay or the 60s default.
func (f Fallback) MaxDelay() time.Duration {
	if f.MaxDelayMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(f.MaxDelayMs) * time.Millisecond
}

// Attempts returns the configured attempt cap or the default of 10.
// Zero is meaningful (enqueue disabled), so absence rather than zero
// selects the default.
func (f Fallback) Attempts() int {
	if f.MaxAttempts == nil {
		return 10
	}
	return *f.MaxAttempts
}

// DeadLetter returns the dead-letter collection name.
func (f Fallback) DeadLetter() string {
	if f.DeadLetterCollection == "" {
		return "chronos_dead_letter"
	}
	return f.DeadLetterCollection
}

// WriteOptimization tunes hot-path batching.
type WriteOptimization struct {
	BatchS3            bool `yaml:"batchS3"`
	BatchWindowMs      int  `yaml:"batchWindowMs,omitempty"`
	DebounceCountersMs int  `yaml:"debounceCountersMs,omitempty"`
	AllowShadowSkip    bool `yaml:"allowShadowSkip"`
}

// Logging configures the global logger.
type Logging struct {
	Level log.Level `yaml:"level,omitempty"`
	JSON  bool      `yaml:"json,omitempty"`
}

var envTokenRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} tokens with environment values before the
// YAML is parsed, so secrets never need to live in the file itself.
func interpolateEnv(raw []byte) []byte {
	return envTokenRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envTokenRe.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, interpolates and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse interpolates env tokens, unmarshals and validates configuration
// bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(interpolateEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Map returns the collection map for a collection, or an empty map when
// none is configured.
func (c *Config) Map(collection string) CollectionMap {
	if m, ok := c.CollectionMaps[collection]; ok {
		return m
	}
	return CollectionMap{}
}

// Family returns the entries of the selected tier for a database type.
// Runtime allows only the tenant tier.
func (c *Config) Family(dbType types.DatabaseType, tier types.Tier) ([]DatabaseEntry, error) {
	switch dbType {
	case types.DBMetadata, types.DBKnowledge:
		fam := c.Databases.Metadata
		if dbType == types.DBKnowledge {
			fam = c.Databases.Knowledge
		}
		switch tier {
		case types.TierGeneric:
			if fam.GenericDatabase == nil {
				return nil, fmt.Errorf("no generic database configured for %s", dbType)
			}
			return []DatabaseEntry{*fam.GenericDatabase}, nil
		case types.TierDomain:
			return fam.DomainsDatabases, nil
		case types.TierTenant:
			return fam.TenantDatabases, nil
		}
	case types.DBRuntime:
		if tier != types.TierTenant {
			return nil, fmt.Errorf("runtime databases allow only the tenant tier, got %q", tier)
		}
		return c.Databases.Runtime.TenantDatabases, nil
	case types.DBLogs:
		return c.Databases.Logs, nil
	case types.DBMessaging:
		return c.Databases.Messaging, nil
	case types.DBIdentities:
		return c.Databases.Identities, nil
	}
	return nil, fmt.Errorf("unknown database type %q", dbType)
}

// Validate checks referential integrity of the configuration: every
// dbConnRef/spaceConnRef must resolve, runtime entries must carry an
// analytics database, and bucket sets must be complete.
func (c *Config) Validate() error {
	if len(c.DBConnections) == 0 {
		return fmt.Errorf("config: dbConnections must not be empty")
	}
	if len(c.SpacesConnections) == 0 && (c.LocalStorage == nil || !c.LocalStorage.Enabled) {
		return fmt.Errorf("config: spacesConnections must not be empty unless localStorage is enabled")
	}
	if c.LocalStorage != nil && c.LocalStorage.Enabled && c.LocalStorage.BasePath == "" {
		return fmt.Errorf("config: localStorage.basePath is required when enabled")
	}
	switch c.Routing.HashAlgo {
	case "", HashRendezvous, HashJump:
	default:
		return fmt.Errorf("config: unknown routing.hashAlgo %q", c.Routing.HashAlgo)
	}
	switch c.Rollup.ManifestPeriod {
	case "", "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("config: unknown rollup.manifestPeriod %q", c.Rollup.ManifestPeriod)
	}

	check := func(where string, entries []DatabaseEntry, runtime bool) error {
		for i := range entries {
			e := &entries[i]
			if e.DBName == "" {
				return fmt.Errorf("config: %s[%d]: dbName is required", where, i)
			}
			if _, ok := c.DBConnections[e.DBConnRef]; !ok {
				return fmt.Errorf("config: %s[%d]: unknown dbConnRef %q", where, i, e.DBConnRef)
			}
			if c.LocalStorage == nil || !c.LocalStorage.Enabled {
				if _, ok := c.SpacesConnections[e.SpaceConnRef]; !ok {
					return fmt.Errorf("config: %s[%d]: unknown spaceConnRef %q", where, i, e.SpaceConnRef)
				}
			}
			b := e.Buckets()
			if b.Records == "" || b.Versions == "" || b.Content == "" || b.Backups == "" {
				return fmt.Errorf("config: %s[%d] (%s): incomplete bucket set and no legacy bucket fallback", where, i, e.DBName)
			}
			if runtime && e.AnalyticsDBName == "" {
				return fmt.Errorf("config: %s[%d] (%s): runtime entries require analyticsDbName", where, i, e.DBName)
			}
		}
		return nil
	}

	families := []struct {
		where   string
		entries []DatabaseEntry
		runtime bool
	}{
		{"databases.metadata.domainsDatabases", c.Databases.Metadata.DomainsDatabases, false},
		{"databases.metadata.tenantDatabases", c.Databases.Metadata.TenantDatabases, false},
		{"databases.knowledge.domainsDatabases", c.Databases.Knowledge.DomainsDatabases, false},
		{"databases.knowledge.tenantDatabases", c.Databases.Knowledge.TenantDatabases, false},
		{"databases.runtime.tenantDatabases", c.Databases.Runtime.TenantDatabases, true},
		{"databases.logs", c.Databases.Logs, false},
		{"databases.messaging", c.Databases.Messaging, false},
		{"databases.identities", c.Databases.Identities, false},
	}
	for _, f := range families {
		if err := check(f.where, f.entries, f.runtime); err != nil {
			return err
		}
	}
	if g := c.Databases.Metadata.GenericDatabase; g != nil {
		if err := check("databases.metadata.genericDatabase", []DatabaseEntry{*g}, false); err != nil {
			return err
		}
	}
	if g := c.Databases.Knowledge.GenericDatabase; g != nil {
		if err := check("databases.knowledge.genericDatabase", []DatabaseEntry{*g}, false); err != nil {
			return err
		}
	}
	if c.Fallback.MaxAttempts != nil && *c.Fallback.MaxAttempts < 0 {
		return fmt.Errorf("config: fallback.maxAttempts must not be negative")
	}
	return nil
}

// Redacted returns a deep copy safe for diagnostic output: connection URIs
// keep host and database but lose passwords, and object-store secrets are
// masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.DBConnections = make(map[string]string, len(c.DBConnections))
	for k, v := range c.DBConnections {
		out.DBConnections[k] = log.RedactURI(v)
	}
	out.SpacesConnections = make(map[string]SpacesConn, len(c.SpacesConnections))
	for k, v := range c.SpacesConnections {
		v.SecretKey = log.RedactSecret(v.SecretKey)
		v.AccountKey = log.RedactSecret(v.AccountKey)
		out.SpacesConnections[k] = v
	}
	return &out
}
