package hotswap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var ErrAnalysis = errors.New("analysis failed")

// Analyzer maps a compiled file to the names of the units it defines.
type Analyzer interface {
	Analyze(path string) ([]string, error)
}

// AnalyzeAll analyzes every path and returns the deduplicated names. The first
// failure is returned; callers fall back to invalidating everything.
func AnalyzeAll(analyzer Analyzer, paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for _, path := range paths {
		found, err := analyzer.Analyze(path)
		if err != nil {
			return nil, err
		}
		for _, name := range found {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, nil
}

// PathAnalyzer derives one name from the file's path relative to the output roots.
type PathAnalyzer struct {
	Roots     []string
	Extension string
}

func (analyzer PathAnalyzer) Analyze(path string) ([]string, error) {
	for _, root := range analyzer.Roots {
		relative, err := filepath.Rel(root, path)
		if err != nil || relative == "." || strings.HasPrefix(relative, "..") {
			continue
		}
		relative = strings.TrimSuffix(filepath.ToSlash(relative), analyzer.Extension)
		return []string{NormalizeName(relative)}, nil
	}
	return nil, fmt.Errorf("%w: %s is outside the output roots", ErrAnalysis, path)
}

// ClassFileAnalyzer reads the class-file constant pool: the class itself, the classes
// listed in InnerClasses and the owner named by EnclosingMethod.
type ClassFileAnalyzer struct {
	FS afero.Fs
}

func (analyzer ClassFileAnalyzer) Analyze(path string) ([]string, error) {
	fs := analyzer.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalysis, path, err)
	}
	names, err := ParseClassNames(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalysis, path, err)
	}
	return names, nil
}
