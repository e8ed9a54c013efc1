package watcher

import (
	"crypto/sha256"
	"io"
	"os"
)

// contentChanged reports whether path differs from the last digest seen and records
// the new one. Without content digests every path counts as changed.
func (watcher *Watcher) contentChanged(path string) bool {
	if !watcher.contentDigests {
		return true
	}
	sum, err := fileDigest(path)
	if err != nil {
		return true
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	previous, ok := watcher.digests[path]
	watcher.digests[path] = sum
	return !ok || previous != sum
}

func (watcher *Watcher) hasDigest(path string) bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	_, ok := watcher.digests[path]
	return ok
}

func (watcher *Watcher) forgetDigest(path string) {
	watcher.mutex.Lock()
	delete(watcher.digests, path)
	watcher.mutex.Unlock()
}

func fileDigest(path string) (digest, error) {
	var sum digest
	file, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return sum, err
	}
	copy(sum[:], hash.Sum(nil))
	return sum, nil
}
