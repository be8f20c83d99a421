package vdaemon

import "errors"

// ErrLockIsBusy is returned by FileLock when the lock is held by
// another process and wait was false
var ErrLockIsBusy = errors.New("lock file is busy")
