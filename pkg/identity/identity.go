// Package identity derives stable task identities from file content.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/csvflow/csvflow/pkg/types"
)

// New fingerprints a payload into a TaskIdentity. Deterministic for
// identical bytes; any byte sequence, including empty, yields a valid
// identity. The digest is the dedup key, the epoch is audit metadata.
func New(payload []byte, submittedAt time.Time) types.TaskIdentity {
	sum := sha256.Sum256(payload)
	return types.TaskIdentity{
		ContentDigest:   hex.EncodeToString(sum[:]),
		SubmissionEpoch: submittedAt.Unix(),
	}
}
