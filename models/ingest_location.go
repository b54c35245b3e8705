package models

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// IngestLocation records where a clustered ingest is running, so later
// invocations of follow/abort can find it without re-specifying the
// cluster url and ingest id.
type IngestLocation struct {
	Cluster  string `yaml:"cluster"`
	IngestID string `yaml:"ingest_id"`
}

// DefaultLocationPath is where the location file lives, under the
// user config dir.
func DefaultLocationPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "axonlab", "ingest.yaml"), nil
}

// Save writes the location file, creating parent dirs as needed.
func (loc *IngestLocation) Save(path string) error {
	data, err := yaml.Marshal(loc)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// LoadIngestLocation reads a previously saved location file.
func LoadIngestLocation(path string) (*IngestLocation, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loc := &IngestLocation{}
	if err = yaml.Unmarshal(data, loc); err != nil {
		return nil, fmt.Errorf("cannot parse ingest location %s: %v", path, err)
	}
	if loc.Cluster == "" || loc.IngestID == "" {
		return nil, fmt.Errorf("ingest location %s is incomplete", path)
	}
	return loc, nil
}
