// Package registry is the catalog of syncable entity types: canonical
// type names, per-type field rules, legacy field aliases, and the shared
// validation metadata the push and pull pipelines depend on.
package registry

import (
	"regexp"
	"sort"
	"strings"
)

// Limits enforced by the sync endpoints.
const (
	// MaxPushItems is the largest item batch a single push accepts.
	MaxPushItems = 200
	// MaxPayloadBytes caps the serialized size of a single item payload.
	MaxPayloadBytes = 100 * 1024
	// MaxPullLimit caps the pull page size and doubles as its default.
	MaxPullLimit = 500
)

// Canonical entity type names used on the wire and in storage.
const (
	TypeWallet                = "wallet"
	TypeWalletMember          = "wallet_member"
	TypeAccount               = "account"
	TypeCategory              = "category"
	TypeTransaction           = "transaction"
	TypeDebt                  = "debt"
	TypeDebtInstallment       = "debt_installment"
	TypeDebtRequest           = "debt_request"
	TypeBudget                = "budget"
	TypeGoal                  = "goal"
	TypeBucket                = "bucket"
	TypeBucketTemplate        = "bucket_template"
	TypeAllocationRule        = "allocation_rule"
	TypeAllocationRuleLine    = "allocation_rule_line"
	TypeTransactionAllocation = "transaction_allocation"
	TypeTransactionBucket     = "transaction_bucket"
	TypeJameya                = "jameya"
	TypeJameyaPayment         = "jameya_payment"
	TypeAttachment            = "attachment"

	// Server-published types, visible on pull only.
	TypeSettings       = "settings"
	TypeFXRate         = "fx_rate"
	TypeCustomCurrency = "custom_currency"

	// Internal bookkeeping types, never exposed through sync.
	TypeDevice   = "device"
	TypeAuditLog = "audit_log"
)

// FieldKind is the JSON shape a typed payload field must carry.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindList   FieldKind = "list"
)

// Descriptor holds the push and pull rules for one entity type.
type Descriptor struct {
	// Name is the canonical wire name.
	Name string
	// Allowed is the set of client-writable payload fields.
	Allowed map[string]bool
	// RequiredOnCreate lists fields that must carry a non-empty value
	// when the operation is create.
	RequiredOnCreate []string
	// RequiredGroups lists alternatives: on create at least one field
	// of every group must carry a non-empty value.
	RequiredGroups [][]string
	// Aliases maps legacy client field names to canonical ones. An
	// alias is applied only when the canonical key is absent.
	Aliases map[string]string
	// ServerManaged fields are computed by the server. Client-supplied
	// values are stripped on push and included on pull.
	ServerManaged map[string]bool
	// Datetime fields are parsed and rewritten in the canonical UTC
	// layout before storage.
	Datetime map[string]bool
	// Links maps payload fields to the entity type the referenced
	// client_id must resolve to inside the same wallet.
	Links map[string]string
	// PullOnly marks server-published types that reject pushes.
	PullOnly bool
}

// AllowedField reports whether clients may write the payload field.
func (d *Descriptor) AllowedField(name string) bool { return d.Allowed[name] }

// PullAllowed reports whether the field may appear in a pull payload:
// every client-writable field plus server-managed values and the base
// sync columns.
func (d *Descriptor) PullAllowed(name string) bool {
	return d.Allowed[name] || d.ServerManaged[name] || pullBaseFields[name]
}

// SoftDeletes reports whether the type carries deletion markers. A
// delete on a type without them removes the row outright.
func (d *Descriptor) SoftDeletes() bool { return d.Allowed["is_deleted"] }

// clientIDPattern: alphanumeric head, then 2-127 of [A-Za-z0-9_-].
var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,127}$`)

// ValidClientID reports whether id is a well-formed client identifier.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// Normalize folds an entity type name to canonical form: lower case
// with spaces and dashes collapsed to underscores.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// Lookup resolves an entity type name to its descriptor, accepting any
// capitalization and space or dash separators.
func Lookup(raw string) (*Descriptor, bool) {
	d, ok := descriptors[Normalize(raw)]
	return d, ok
}

// PushTypes returns the canonical names of all client-writable types,
// sorted.
func PushTypes() []string {
	out := make([]string, 0, len(descriptors))
	for name, d := range descriptors {
		if d.PullOnly {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PullTypes returns every type visible on pull, sorted.
func PullTypes() []string {
	out := make([]string, 0, len(descriptors))
	for name := range descriptors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// KindOf returns the expected JSON shape for a payload field. Field
// typing is global: a field has the same shape wherever it appears.
func KindOf(field string) (FieldKind, bool) {
	k, ok := fieldKinds[field]
	return k, ok
}

// SensitiveField reports whether key is on the credential denylist.
// Credentials never belong in a finance payload.
func SensitiveField(key string) bool {
	return sensitiveFields[strings.ToLower(strings.TrimSpace(key))]
}

// IgnoredKey reports whether a payload key is tolerated and silently
// dropped before unknown-field checks. Older clients leak a local "id"
// column into payloads.
func IgnoredKey(key string) bool { return ignoredPayloadKeys[key] }

// StrippedKey reports whether the key is server-authoritative across
// all types and must be removed from incoming payloads.
func StrippedKey(key string) bool { return strippedKeys[key] }

var sensitiveFields = map[string]bool{
	"password":      true,
	"token":         true,
	"secret":        true,
	"api_key":       true,
	"authorization": true,
}

var ignoredPayloadKeys = map[string]bool{"id": true}

// strippedKeys are owned by the sync engine itself. Deletion state only
// changes through delete operations, versions and timestamps only
// through applies.
var strippedKeys = map[string]bool{
	"doc_version":     true,
	"server_modified": true,
	"is_deleted":      true,
	"deleted_at":      true,
}

// pullBaseFields accompany every pull payload regardless of type.
var pullBaseFields = map[string]bool{
	"client_id":       true,
	"doc_version":     true,
	"server_modified": true,
	"is_deleted":      true,
	"deleted_at":      true,
}
