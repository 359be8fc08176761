package xid

import "github.com/google/uuid"

// New returns a random identifier such as "sale-5f0c...". The prefix keeps ids
// readable in logs and exports.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
