package syncengine

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// pushItem is one parsed and validated batch entry.
type pushItem struct {
	OpID      string
	TypeName  string // raw entity_type as sent, echoed in errors
	Desc      *registry.Descriptor
	Operation string
	EntityID  string
	ClientID  string
	// Payload has aliases applied and list fields decoded; server-owned
	// fields are stripped later by prepare.
	Payload map[string]any
	// BaseVersion is nil when the client omitted it (create).
	BaseVersion *int64
}

// parseItem validates one raw batch entry. It returns either the parsed
// item or the per-item error result, never both. The check order is
// part of the wire contract: clients key retry behavior off the first
// failing code.
func parseItem(raw map[string]any, walletID string) (*pushItem, map[string]any) {
	opID, _ := raw["op_id"].(string)
	if strings.TrimSpace(opID) == "" {
		return nil, itemError("op_id_required", "", "", nil)
	}

	typeName := syncx.GetString(raw, "entity_type")
	if typeName == "" {
		return nil, itemError("entity_type_required", "", "", nil)
	}

	desc, ok := registry.Lookup(typeName)
	if !ok || desc.PullOnly {
		return nil, itemError("unsupported_entity_type", typeName, "", nil)
	}

	operation := syncx.GetString(raw, "operation")
	if operation != "create" && operation != "update" && operation != "delete" {
		return nil, itemError("invalid_operation", typeName, "", nil)
	}

	entityID, _ := raw["entity_id"].(string)
	if strings.TrimSpace(entityID) == "" {
		return nil, itemError("entity_id_required", typeName, "", nil)
	}

	payload, perr := itemPayload(raw)
	if perr != "" {
		return nil, itemError(perr, typeName, "", nil)
	}

	if v, present := payload["wallet_id"]; present && v != nil {
		if s, _ := syncx.String(v); s != "" && s != walletID {
			return nil, itemError("wallet_id_mismatch", typeName, "", nil)
		}
	}

	if v, present := payload["client_id"]; present && v != nil {
		if s, _ := syncx.String(v); s != "" && s != entityID {
			return nil, itemError("entity_id_mismatch", typeName, "", nil)
		}
	}

	clientID := syncx.GetString(payload, "client_id")
	if clientID == "" {
		clientID = entityID
	}
	if !registry.ValidClientID(clientID) {
		return nil, itemError("invalid_client_id", typeName, clientID, nil)
	}

	baseVersion, berr := itemBaseVersion(raw, operation)
	if berr != "" {
		return nil, itemError(berr, typeName, clientID, nil)
	}

	normalized := applyAliases(desc, payload)

	if hit := sensitiveKeys(normalized); len(hit) > 0 {
		return nil, itemError("sensitive_field_not_allowed", typeName, clientID, hit)
	}

	if unknown := unknownFields(desc, normalized); len(unknown) > 0 {
		return nil, itemError("invalid_field", typeName, clientID, unknown)
	}

	if operation == "create" {
		if missing := missingRequired(desc, normalized); len(missing) > 0 {
			return nil, itemError("missing_required_fields", typeName, clientID, missing)
		}
		if bad := invalidFieldTypes(desc, normalized); len(bad) > 0 {
			return nil, itemError("invalid_field_type", typeName, clientID, bad)
		}
	}

	return &pushItem{
		OpID:        strings.TrimSpace(opID),
		TypeName:    typeName,
		Desc:        desc,
		Operation:   operation,
		EntityID:    strings.TrimSpace(entityID),
		ClientID:    clientID,
		Payload:     normalized,
		BaseVersion: baseVersion,
	}, nil
}

// itemPayload extracts the payload map. Absent and empty values mean an
// empty payload; any other non-object value is an error.
func itemPayload(raw map[string]any) (map[string]any, string) {
	v, present := raw["payload"]
	if !present || v == nil {
		return map[string]any{}, ""
	}
	switch p := v.(type) {
	case map[string]any:
		return p, ""
	case string:
		if strings.TrimSpace(p) == "" {
			return map[string]any{}, ""
		}
	}
	return nil, "payload_must_be_object"
}

// itemBaseVersion enforces the base_version rules per operation:
// update and delete require a numeric value, create accepts only an
// absent value or an explicit 0.
func itemBaseVersion(raw map[string]any, operation string) (*int64, string) {
	v, present := raw["base_version"]
	if !present || v == nil {
		if operation == "create" {
			return nil, ""
		}
		return nil, "base_version_required"
	}
	if operation == "create" {
		if f, ok := syncx.Float(v); syncx.IsNumber(v) && ok && f == 0 {
			return nil, ""
		}
		return nil, "base_version_not_allowed"
	}
	if !syncx.IsNumber(v) {
		return nil, "base_version_invalid"
	}
	f, _ := syncx.Float(v)
	n := int64(f)
	return &n, ""
}

// applyAliases rewrites legacy field names to canonical ones. An alias
// is applied only when the canonical key is absent, so canonical keys
// always win.
func applyAliases(d *registry.Descriptor, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for old, canonical := range d.Aliases {
		if v, ok := out[old]; ok {
			if _, exists := out[canonical]; !exists {
				out[canonical] = v
			}
			delete(out, old)
		}
	}
	return out
}

// sensitiveKeys returns denylisted credential fields, sorted.
func sensitiveKeys(payload map[string]any) []string {
	var hit []string
	for k := range payload {
		if registry.SensitiveField(k) {
			hit = append(hit, k)
		}
	}
	sort.Strings(hit)
	return hit
}

// unknownFields returns payload keys outside the type's allowed set,
// sorted. Tolerated bookkeeping keys are skipped.
func unknownFields(d *registry.Descriptor, payload map[string]any) []string {
	var unknown []string
	for k := range payload {
		if d.AllowedField(k) || registry.IgnoredKey(k) || registry.StrippedKey(k) || d.ServerManaged[k] {
			continue
		}
		unknown = append(unknown, k)
	}
	sort.Strings(unknown)
	return unknown
}

// missingRequired enforces the create-time required fields and the
// at-least-one-of groups. A field counts as missing when absent, nil
// or the empty string; zero is a value.
func missingRequired(d *registry.Descriptor, payload map[string]any) []string {
	var missing []string
	for _, f := range d.RequiredOnCreate {
		if !hasValue(payload[f]) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return missing
	}
	for _, group := range d.RequiredGroups {
		satisfied := false
		for _, f := range group {
			if hasValue(payload[f]) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			g := append([]string(nil), group...)
			sort.Strings(g)
			return g
		}
	}
	return nil
}

func hasValue(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// invalidFieldTypes type-checks the required-on-create fields against
// the registry kinds. List fields accept a JSON-encoded string and are
// decoded in place; a string that does not decode to a list fails.
func invalidFieldTypes(d *registry.Descriptor, payload map[string]any) map[string]string {
	invalid := map[string]string{}
	fields := append([]string(nil), d.RequiredOnCreate...)
	for _, group := range d.RequiredGroups {
		fields = append(fields, group...)
	}
	for _, f := range fields {
		kind, ok := registry.KindOf(f)
		if !ok {
			continue
		}
		v, present := payload[f]
		if !present {
			continue
		}
		switch kind {
		case registry.KindString:
			if _, isStr := v.(string); !isStr {
				invalid[f] = string(registry.KindString)
			}
		case registry.KindNumber:
			if !syncx.IsNumber(v) {
				invalid[f] = string(registry.KindNumber)
			}
		case registry.KindList:
			switch lv := v.(type) {
			case []any:
			case string:
				var decoded []any
				if err := json.Unmarshal([]byte(lv), &decoded); err != nil {
					invalid[f] = string(registry.KindList)
				} else {
					payload[f] = decoded
				}
			default:
				invalid[f] = string(registry.KindList)
			}
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	return invalid
}
