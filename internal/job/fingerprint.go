package job

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Fingerprint hashes a submission's content so equivalent requests collapse
// to one key: same workflow, same robot pin, same variables. It is what the
// dedup window matches on; a job id never participates.
//
// Variables are serialized with encoding/json, which sorts map keys, so the
// hash is stable regardless of insertion order.
func Fingerprint(workflowID, pinnedRobotID string, variables map[string]any) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(workflowID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(pinnedRobotID))
	_, _ = h.Write([]byte("|"))
	if len(variables) > 0 {
		if b, err := json.Marshal(variables); err == nil {
			_, _ = h.Write(b)
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}
