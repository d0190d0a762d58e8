package relay

import "github.com/google/uuid"

// IDSource produces candidate identifiers. Uniqueness within a registry is
// enforced by the Directory, which retries on collision.
type IDSource func() string

// UUIDSource returns random RFC 4122 identifiers.
func UUIDSource() string {
	return uuid.NewString()
}

// uniqueID draws from src until taken reports false.
func uniqueID(src IDSource, taken func(string) bool) string {
	for {
		id := src()
		if id != "" && !taken(id) {
			return id
		}
	}
}
