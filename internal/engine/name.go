package engine

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/terrpan/ditto-runner/internal/userdata"
)

// maxNameLength fits GCE instance names (RFC 1035, 63 chars) and Docker
// container names alike.
const maxNameLength = 63

// InstanceName returns a unique, DNS-safe resource name for a runner with
// label: the slugged runner name plus an 8 character random suffix.
// Backends whose provider assigns ids (EC2) do not need it.
func InstanceName(label string) string {
	suffix := uuid.NewString()[:8]

	// slug keeps underscores, which GCE rejects.
	base := strings.ReplaceAll(slug.Make(userdata.RunnerName(label)), "_", "-")
	if limit := maxNameLength - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}
