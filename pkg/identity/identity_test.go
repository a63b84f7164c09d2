package identity

import (
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	submittedAt := time.Unix(100, 0)

	t.Run("identical bytes yield identical digests", func(t *testing.T) {
		a := New([]byte("a,b\n1,2\n"), submittedAt)
		b := New([]byte("a,b\n1,2\n"), submittedAt.Add(time.Second))

		if a.ContentDigest != b.ContentDigest {
			t.Error("expected equal digests for equal content")
		}
		if a.Key() != b.Key() {
			t.Error("expected equal dedup keys for equal content")
		}
	})

	t.Run("different bytes yield different digests", func(t *testing.T) {
		a := New([]byte("a,b\n1,2\n"), submittedAt)
		b := New([]byte("a,b\n1,3\n"), submittedAt)

		if a.ContentDigest == b.ContentDigest {
			t.Error("expected different digests for different content")
		}
	})

	t.Run("dedup key is the digest alone", func(t *testing.T) {
		id := New([]byte("payload"), submittedAt)

		if id.Key() != id.ContentDigest {
			t.Errorf("key %q should equal digest %q", id.Key(), id.ContentDigest)
		}
	})

	t.Run("composite key carries the submission epoch", func(t *testing.T) {
		id := New([]byte("payload"), submittedAt)

		if id.SubmissionEpoch != 100 {
			t.Errorf("expected epoch 100, got %d", id.SubmissionEpoch)
		}
		if !strings.HasPrefix(id.CompositeKey(), id.ContentDigest+":") {
			t.Errorf("composite key %q should start with the digest", id.CompositeKey())
		}
		if !strings.HasSuffix(id.CompositeKey(), ":100") {
			t.Errorf("composite key %q should end with the epoch", id.CompositeKey())
		}
	})

	t.Run("empty input produces a valid identity", func(t *testing.T) {
		id := New(nil, submittedAt)

		if len(id.ContentDigest) != 64 {
			t.Errorf("expected 64 hex chars, got %d", len(id.ContentDigest))
		}
	})
}
