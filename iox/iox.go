// Package iox holds the small I/O helpers the operation plane leans on:
// cleanup wrappers for defer and t.Cleanup sites, atomic file replacement
// for progress and state files, and best-effort removal of temporaries.
package iox

import "io"

// DiscardClose closes c and discards the error. For defer sites where a
// close error is unactionable:
//
//	defer iox.DiscardClose(file)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc wraps c for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(db))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error. For non-Close
// cleanup (Flush, Sync) where the error is unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }
