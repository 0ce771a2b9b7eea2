package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DatabasesFile is the optional databases.yml next to config.yml.
type DatabasesFile struct {
	Databases []Database `yaml:"databases"`
}

// OverlayDatabases appends the databases listed in databasesPath to cfg.
// A missing file is not an error.
func OverlayDatabases(cfg *Config, databasesPath string) error {
	b, err := os.ReadFile(databasesPath)
	if err != nil {
		// Missing databases file should not kill startup
		return nil
	}

	var df DatabasesFile
	if err := yaml.Unmarshal(b, &df); err != nil {
		return err
	}
	cfg.Databases = append(cfg.Databases, df.Databases...)
	return nil
}
