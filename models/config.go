package models

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/axonlab/ingest/constants"
)

// IngestConfig is the per-ingest user configuration, serialized onto
// the ingest row at creation and never modified afterwards.
type IngestConfig struct {
	// Src is the source tree location: a local path or an s3:// url.
	Src string `json:"src"`

	IncludeDirs []string `json:"include_dirs,omitempty"`
	ExcludeDirs []string `json:"exclude_dirs,omitempty"`
	Include     []string `json:"include,omitempty"`
	Exclude     []string `json:"exclude,omitempty"`

	// DeID enables client-side de-identification with DeidProfile.
	// DeidLog posts before/after tag payloads for every processed file.
	DeID        bool   `json:"de_identify,omitempty"`
	DeidProfile string `json:"deid_profile,omitempty"`
	DeidLog     bool   `json:"deid_log,omitempty"`

	DetectDuplicates        bool     `json:"detect_duplicates,omitempty"`
	DetectDuplicatesProject []string `json:"detect_duplicates_project,omitempty"`
	CopyDuplicates          bool     `json:"copy_duplicates,omitempty"`

	SkipExisting   bool `json:"skip_existing,omitempty"`
	NoAuditLog     bool `json:"no_audit_log,omitempty"`
	RequireProject bool `json:"require_project,omitempty"`
	AssumeYes      bool `json:"assume_yes,omitempty"`

	// ForceScan makes the dicom scanner open every file regardless of
	// extension.
	ForceScan bool `json:"force_scan,omitempty"`

	// FollowSymlinks lets the local walker descend into symlinked
	// directories.
	FollowSymlinks bool `json:"follow_symlinks,omitempty"`

	// SignedURL enables opportunistic signed-url uploads with direct
	// fallback.
	SignedURL bool `json:"signed_url,omitempty"`

	MaxRetries    int `json:"max_retries,omitempty"`
	MaxTempfileMB int `json:"max_tempfile,omitempty"`
}

// MaxRetriesOrDefault returns the retry cap for retryable tasks.
func (c *IngestConfig) MaxRetriesOrDefault() int {
	if c == nil || c.MaxRetries <= 0 {
		return constants.DefaultMaxRetries
	}
	return c.MaxRetries
}

// MaxTempfileBytes returns the packfile spill threshold in bytes.
func (c *IngestConfig) MaxTempfileBytes() int64 {
	mb := constants.DefaultMaxTempfileMB
	if c != nil && c.MaxTempfileMB > 0 {
		mb = c.MaxTempfileMB
	}
	return int64(mb) * 1024 * 1024
}

// SubjectConfig drives deterministic subject-code mapping.
type SubjectConfig struct {
	// CodeFormat is a fmt-style pattern with one integer verb, e.g.
	// "ex{SubjectCode:04d}" stored here as "ex%04d".
	CodeFormat string `json:"code_format"`
	// MapKeys are the DICOM header fields whose values key the map,
	// e.g. PatientID, PatientBirthDate.
	MapKeys []string `json:"map_keys"`
	// CodeSerial is the highest serial handed out so far.
	CodeSerial int `json:"code_serial"`
}

// FormatCode renders the subject code for serial.
func (c *SubjectConfig) FormatCode(serial int) string {
	return fmt.Sprintf(c.CodeFormat, serial)
}

// StrategyConfig selects and parameterizes the hierarchy strategy that
// turns the source tree into template nodes.
type StrategyConfig struct {
	// Type is one of the constants.Strategy* values.
	Type string `json:"type"`

	// GroupID and ProjectLabel name the fixed import destination for
	// the folder, dicom and template strategies.
	GroupID      string `json:"group_id,omitempty"`
	ProjectLabel string `json:"project_label,omitempty"`

	// Template is the explicit template string or YAML document for
	// StrategyTemplate.
	Template string `json:"template,omitempty"`

	// DicomSubject overrides the subject label for StrategyDicom.
	DicomSubject string `json:"dicom_subject,omitempty"`

	// Folder strategy knobs.
	RootDirs          int    `json:"root_dirs,omitempty"`
	NoSubjects        bool   `json:"no_subjects,omitempty"`
	NoSessions        bool   `json:"no_sessions,omitempty"`
	DicomAcquisitions bool   `json:"dicom_acquisitions,omitempty"`
	PackAcquisitions  string `json:"pack_acquisitions,omitempty"`

	// Subject carries the subject-code mapping config when enabled.
	Subject *SubjectConfig `json:"subject,omitempty"`
}

// Validate rejects strategies the pipeline cannot run.
func (c *StrategyConfig) Validate() error {
	switch c.Type {
	case constants.StrategyFolder, constants.StrategyDicom, constants.StrategyProject:
		if c.GroupID == "" || c.ProjectLabel == "" {
			return fmt.Errorf("strategy %q requires group and project", c.Type)
		}
	case constants.StrategyTemplate:
		if strings.TrimSpace(c.Template) == "" {
			return fmt.Errorf("template strategy requires a template")
		}
		if c.GroupID == "" || c.ProjectLabel == "" {
			return fmt.Errorf("template strategy requires group and project")
		}
	default:
		return fmt.Errorf("unknown strategy type %q", c.Type)
	}
	return nil
}

// WorkerConfig is the per-process daemon configuration, loaded from
// file and environment by viper.
type WorkerConfig struct {
	// DBType is "sqlite" or "postgres"; DBPath/DBUrl locate the store.
	DBType string `mapstructure:"db_type"`
	DBPath string `mapstructure:"db_path"`
	DBUrl  string `mapstructure:"db_url"`

	Workers   int `mapstructure:"workers"`
	SleepTime int `mapstructure:"sleep_time"`

	LogDirectory string `mapstructure:"log_directory"`
	LogLevel     string `mapstructure:"log_level"`
	LogToStderr  bool   `mapstructure:"log_to_stderr"`

	// APIBind is where the clustered facade listens, e.g. ":8080".
	APIBind string `mapstructure:"api_bind"`

	// S3 source credentials for s3:// sources.
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
}

// LoadWorkerConfig reads the daemon config from path (or the defaults
// when path is empty). Environment variables with the INGEST_ prefix
// override file values.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	v := viper.New()
	v.SetDefault("db_type", "sqlite")
	v.SetDefault("db_path", "ingest.db")
	v.SetDefault("workers", constants.DefaultWorkerCount)
	v.SetDefault("sleep_time", constants.DefaultSleepSeconds)
	v.SetDefault("log_level", "INFO")
	v.SetEnvPrefix("ingest")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config %s: %v", path, err)
		}
	}
	config := &WorkerConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %v", path, err)
	}
	return config, nil
}
