package sandbox

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/clawgate/clawgate/pkg/models"
)

// Signature is the derived cache key representing one tool call shape,
// used to remember allow_always grants.
type Signature string

// callSignature derives a stable signature from the call's policy-relevant
// fields: the command for shell tools, the resolved path for filesystem
// tools, and a canonical argument encoding otherwise.
func callSignature(call *models.ToolCall, kind ToolKind) Signature {
	switch kind {
	case KindShell:
		if cmd, ok := call.Arguments["command"].(string); ok {
			return Signature(call.Name + "|" + strings.TrimSpace(cmd))
		}
	case KindFilesystem:
		if path, ok := call.Arguments["path"].(string); ok {
			return Signature(call.Name + "|" + path)
		}
	}

	keys := make([]string, 0, len(call.Arguments))
	for key := range call.Arguments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(call.Name)
	for _, key := range keys {
		encoded, err := json.Marshal(call.Arguments[key])
		if err != nil {
			continue
		}
		b.WriteString("|")
		b.WriteString(key)
		b.WriteString("=")
		b.Write(encoded)
	}
	return Signature(b.String())
}

// SignatureSet memoizes allow_always decisions. The set is shared across
// all sessions for the lifetime of the executor that owns it; callers
// wanting per-session scope construct one executor per session.
type SignatureSet struct {
	mu   sync.Mutex
	seen map[Signature]struct{}
}

// NewSignatureSet creates an empty set.
func NewSignatureSet() *SignatureSet {
	return &SignatureSet{seen: make(map[Signature]struct{})}
}

// Has reports whether sig was previously recorded.
func (s *SignatureSet) Has(sig Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[sig]
	return ok
}

// Record stores sig.
func (s *SignatureSet) Record(sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[sig] = struct{}{}
}
