package windusb

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// MountSuffix returns the per-job suffix used in mountpoint names.
//
// The suffix is the lowercase random tail of the job ULID. Two jobs started
// in the same millisecond still get distinct mountpoints, and the suffix
// never contains path separators, so the names stay matchable by the
// "<prefix>*" cleanup glob.
func MountSuffix(id ulid.ULID) string {
	s := strings.ToLower(id.String())
	// The first 10 characters encode the timestamp and collide across
	// jobs started close together.
	return s[10:]
}
