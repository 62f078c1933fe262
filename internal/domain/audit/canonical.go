package audit

import (
	"encoding/json"
	"sort"
)

// CanonicalVersion is embedded in every canonical document so the encoding can
// evolve without invalidating previously sealed events.
const CanonicalVersion = 1

// CanonicalBytes returns the deterministic serialization the checksum is
// computed over. Checksum, Signature and IntegrityVerified are excluded.
//
// Objects are encoded through maps (encoding/json sorts map keys), the
// timestamp is rendered as integer microseconds since the Unix epoch, tags
// are treated as a set, and metadata is rendered as a key-sorted list of
// tagged values.
func (e *Event) CanonicalBytes() ([]byte, error) {
	doc := map[string]interface{}{
		"v":             CanonicalVersion,
		"event_id":      e.ID.String(),
		"timestamp_us":  e.Timestamp.UTC().UnixMicro(),
		"event_type":    string(e.EventType),
		"category":      e.Category,
		"severity":      string(e.Severity),
		"action":        e.Action,
		"description":   e.Description,
		"outcome":       string(e.Outcome),
		"error_code":    e.ErrorCode,
		"error_message": e.ErrorMessage,
		"actor":         nil,
		"resource":      nil,
		"delta":         nil,
		"metadata":      e.Metadata.canonical(),
		"tags":          canonicalTags(e.Tags),
	}

	if e.Actor != nil {
		doc["actor"] = map[string]interface{}{
			"user_id":    e.Actor.UserID,
			"session_id": e.Actor.SessionID,
			"role":       e.Actor.Role,
		}
	}
	if e.Resource != nil {
		doc["resource"] = map[string]interface{}{
			"type": e.Resource.Type,
			"id":   e.Resource.ID,
			"name": e.Resource.Name,
		}
	}
	if e.Delta != nil {
		changed := e.Delta.ChangedFields
		if changed == nil {
			changed = []string{}
		}
		doc["delta"] = map[string]interface{}{
			"old":     e.Delta.OldValues.canonical(),
			"new":     e.Delta.NewValues.canonical(),
			"changed": changed,
		}
	}

	return json.Marshal(doc)
}

func canonicalTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
