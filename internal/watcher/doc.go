// Package watcher reports debounced batches of file changes below a set of
// recursively registered directories.
//
// A Watcher owns one native fsnotify handle. Run blocks and, for every burst of
// native notifications, waits the debounce window, classifies what happened to
// each touched path, registers directories that appeared and hands the result to
// a single Listener. Bursts that overflow the native queue are dropped and
// reported to the overflow handler so a full rescan can cover them.
//
// When the native handle itself fails it is rebuilt with backoff. A rebuild
// also requests a rescan, since nothing was observed while the watch was down.
package watcher
