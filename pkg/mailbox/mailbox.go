// Package mailbox provides the asynchronous bulletin board the custody
// nodes coordinate through. The board is append-only: a path, once
// posted, is never overwritten with different content, and the board's
// linear history resolves write races (first post wins).
package mailbox

import "errors"

var (
	// ErrConflict is returned when a path already holds different
	// content. Callers re-read and adopt the winner.
	ErrConflict = errors.New("mailbox: path already posted")

	// ErrUnavailable is returned when the board cannot be reached after
	// the configured retries.
	ErrUnavailable = errors.New("mailbox: board unavailable")
)

// Mailbox is the board interface the ceremonies depend on.
type Mailbox interface {
	// Sync refreshes the local view to the latest observed remote state.
	Sync() error

	// Post atomically publishes data at path. Posting identical content
	// twice is a no-op; different content under an existing path fails
	// with ErrConflict.
	Post(path string, data []byte) error

	// Read returns the content at path, or (nil, nil) when absent.
	Read(path string) ([]byte, error)

	// List returns the entry names directly under dir (files and
	// subdirectories), empty when the directory does not exist.
	List(dir string) ([]string, error)
}
