package hotswap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DirLocator finds compiled units below an ordered list of output roots.
type DirLocator struct {
	Roots     []string
	Extension string
	FS        afero.Fs
}

func (locator DirLocator) Locate(name string) (string, error) {
	relative := locator.RelativePath(name)
	fs := locator.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	for _, root := range locator.Roots {
		candidate := filepath.Join(root, relative)
		info, err := fs.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("locate %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// RelativePath maps "com.acme.Foo" to "com/acme/Foo.class" (with the configured extension).
func (locator DirLocator) RelativePath(name string) string {
	name = NormalizeName(name)
	return filepath.FromSlash(strings.ReplaceAll(name, ".", "/")) + locator.Extension
}
