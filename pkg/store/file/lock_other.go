//go:build !unix

package file

import "sync"

var processLock sync.Mutex

// lock serializes writers within this process only.
func lock(string) (func(), error) {
	processLock.Lock()
	return processLock.Unlock, nil
}
