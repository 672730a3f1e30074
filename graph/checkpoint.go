package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Checkpoint is a durable snapshot of a run's progress, written after every
// node completes. It carries no Frontier/RecordedIOs/RNGSeed: this engine
// resumes by re-executing pending nodes against recorded NodeResults rather
// than by deterministic IO replay.
type Checkpoint struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id"`
	WorkflowName   string                `json:"workflow_name"`
	State          State                 `json:"state"`
	CompletedNodes []string              `json:"completed_nodes"`
	NodeResults    map[string]NodeResult `json:"node_results"`
	Timestamp      time.Time             `json:"timestamp"`
}

// IdempotencyRecord is the stored outcome of a previously dispatched node,
// replayed verbatim when the same idempotency key recurs before ExpiresAt.
// Status distinguishes a replayed success from a replayed terminal failure,
// since both are cached under the same key.
type IdempotencyRecord struct {
	Status    IdempotencyStatus `json:"status"`
	Result    NodeResult        `json:"result"`
	Err       string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// IdempotencyStatus tags whether a cached IdempotencyRecord represents a
// completed or a failed dispatch.
type IdempotencyStatus string

const (
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// computeIdempotencyKey derives the default idempotency key for a node
// dispatch from (workflowName, nodeName, canonicalized input).
func computeIdempotencyKey(workflowName, nodeName string, input State) string {
	h := sha256.New()
	h.Write([]byte(workflowName))
	h.Write([]byte{0})
	h.Write([]byte(nodeName))
	h.Write([]byte{0})
	h.Write(canonicalizeState(input))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeState produces a deterministic byte encoding of state by
// sorting keys before marshaling, so map iteration order never affects the
// idempotency key.
func canonicalizeState(s State) []byte {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string `json:"k"`
			V any    `json:"v"`
		}{K: k, V: s[k]})
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return []byte(err.Error())
	}
	return b
}
