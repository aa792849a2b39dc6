//go:build windows

package nio

// SyncDir is a no-op on windows, directories cannot be opened for syncing.
func SyncDir(dir string) error {
	return nil
}
