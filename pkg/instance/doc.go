// Package instance guards against more than one locker running in the same session.
//
// The guard is an exclusive advisory lock (flock) on $XDG_RUNTIME_DIR/shackle/shackle.lock.
// Because the lock belongs to the open file description, it is dropped by the kernel when the
// process exits for any reason. Releasing it explicitly on graceful shutdown is allowed.
package instance
