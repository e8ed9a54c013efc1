package hotswap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const applicationConfigFile = "application.yaml"

type applicationConfig struct {
	Application struct {
		BasePackages any `yaml:"basePackages"`
	} `yaml:"application"`
}

// DiscoverBasePackages reads application.basePackages from the application.yaml at
// the top of each root. The value may be a single string or a list. Missing files
// are skipped.
func DiscoverBasePackages(fs afero.Fs, roots []string) ([]string, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	found := make(map[string]struct{})
	for _, root := range roots {
		path := filepath.Join(root, applicationConfigFile)
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var config applicationConfig
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		switch value := config.Application.BasePackages.(type) {
		case string:
			addPackage(found, value)
		case []any:
			for _, item := range value {
				if text, ok := item.(string); ok {
					addPackage(found, text)
				}
			}
		}
	}
	packages := make([]string, 0, len(found))
	for name := range found {
		packages = append(packages, name)
	}
	sort.Strings(packages)
	return packages, nil
}

func addPackage(found map[string]struct{}, name string) {
	name = strings.TrimSpace(name)
	if name != "" {
		found[name] = struct{}{}
	}
}
