package registry

func fieldSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// fieldKinds types payload fields globally. Fields absent here accept
// any JSON value.
var fieldKinds = map[string]FieldKind{
	"wallet_name":       KindString,
	"status":            KindString,
	"wallet":            KindString,
	"user":              KindString,
	"role":              KindString,
	"account_name":      KindString,
	"account_type":      KindString,
	"currency":          KindString,
	"category_name":     KindString,
	"kind":              KindString,
	"transaction_type":  KindString,
	"date_time":         KindString,
	"account":           KindString,
	"debt_name":         KindString,
	"direction":         KindString,
	"budget_name":       KindString,
	"period":            KindString,
	"scope_type":        KindString,
	"goal_name":         KindString,
	"goal_type":         KindString,
	"title":             KindString,
	"bucket_name":       KindString,
	"rule_name":         KindString,
	"transaction_id":    KindString,
	"bucket_id":         KindString,
	"transaction":       KindString,
	"jameya_name":       KindString,
	"start_date":        KindString,
	"owner_entity_type": KindString,
	"owner_client_id":   KindString,
	"mime_type":         KindString,

	"amount":             KindNumber,
	"amount_base":        KindNumber,
	"principal_amount":   KindNumber,
	"target_amount":      KindNumber,
	"target_amount_base": KindNumber,
	"monthly_amount":     KindNumber,
	"total_members":      KindNumber,
	"my_turn":            KindNumber,
	"file_size":          KindNumber,
	"fx_rate_used":       KindNumber,
	"percentage":         KindNumber,
	"is_active":          KindNumber,
	"is_default":         KindNumber,

	"template_items": KindList,
}

var descriptors = map[string]*Descriptor{
	TypeWallet: {
		Name: TypeWallet,
		Allowed: fieldSet(
			"client_id", "wallet_id", "wallet_name", "status",
			"client_created_ms", "client_modified_ms",
		),
		RequiredOnCreate: []string{"wallet_name", "status"},
		ServerManaged:    fieldSet("owner_user"),
	},
	TypeWalletMember: {
		Name: TypeWalletMember,
		Allowed: fieldSet(
			"client_id", "wallet_id", "wallet", "user", "role", "status",
			"joined_at", "removed_at", "client_created_ms", "client_modified_ms",
		),
		RequiredOnCreate: []string{"wallet", "user", "role", "status"},
		Datetime:         fieldSet("joined_at", "removed_at"),
	},
	TypeAccount: {
		Name: TypeAccount,
		Allowed: fieldSet(
			"client_id", "wallet_id", "account_name", "account_type", "currency",
			"opening_balance", "color", "icon", "archived", "sort_order",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"account_name", "account_type", "currency"},
		Aliases: map[string]string{
			"name":  "account_name",
			"title": "account_name",
			"type":  "account_type",
		},
		ServerManaged: fieldSet("current_balance"),
	},
	TypeCategory: {
		Name: TypeCategory,
		Allowed: fieldSet(
			"client_id", "wallet_id", "category_name", "kind", "parent_category",
			"color", "icon", "archived", "sort_order", "default_bucket",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"category_name", "kind"},
		Aliases: map[string]string{
			"name":              "category_name",
			"title":             "category_name",
			"parent_id":         "parent_category",
			"default_bucket_id": "default_bucket",
		},
	},
	TypeTransaction: {
		Name: TypeTransaction,
		Allowed: fieldSet(
			"client_id", "wallet_id", "transaction_type", "date_time", "amount",
			"currency", "account", "to_account", "category", "bucket", "note",
			"amount_base", "fx_rate_used",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"transaction_type", "date_time", "amount", "currency", "account"},
		Aliases: map[string]string{
			"type":          "transaction_type",
			"account_id":    "account",
			"to_account_id": "to_account",
			"category_id":   "category",
			"bucket_id":     "bucket",
		},
		Datetime: fieldSet("date_time", "deleted_at"),
		Links: map[string]string{
			"account":    TypeAccount,
			"to_account": TypeAccount,
			"category":   TypeCategory,
			"bucket":     TypeBucket,
		},
	},
	TypeDebt: {
		Name: TypeDebt,
		Allowed: fieldSet(
			"client_id", "wallet_id", "debt_name", "direction", "currency",
			"principal_amount", "counterparty_name", "counterparty_type",
			"counterparty_phone", "confirmed", "note", "due_date",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"debt_name", "direction", "principal_amount"},
		Aliases: map[string]string{
			"name":  "debt_name",
			"title": "debt_name",
		},
		ServerManaged: fieldSet("remaining_amount", "status"),
		Datetime:      fieldSet("due_date", "deleted_at"),
	},
	TypeDebtInstallment: {
		Name: TypeDebtInstallment,
		Allowed: fieldSet(
			"client_id", "wallet_id", "debt", "due_date", "amount", "status",
			"paid_at", "paid_amount",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"debt", "amount"},
		Datetime:         fieldSet("due_date", "paid_at", "deleted_at"),
		Links:            map[string]string{"debt": TypeDebt},
	},
	TypeDebtRequest: {
		Name: TypeDebtRequest,
		Allowed: fieldSet(
			"client_id", "wallet_id", "from_phone", "to_phone", "debt_payload",
			"debt_payload_json", "status",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
	},
	TypeBudget: {
		Name: TypeBudget,
		Allowed: fieldSet(
			"client_id", "wallet_id", "budget_name", "period", "scope_type",
			"category", "currency", "amount", "amount_base", "start_date",
			"end_date", "alert_threshold", "archived",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"budget_name", "period", "scope_type"},
		RequiredGroups:   [][]string{{"amount", "amount_base"}},
		Aliases: map[string]string{
			"name":        "budget_name",
			"title":       "budget_name",
			"category_id": "category",
		},
		ServerManaged: fieldSet("spent_amount"),
		Datetime:      fieldSet("start_date", "end_date", "deleted_at"),
		Links:         map[string]string{"category": TypeCategory},
	},
	TypeGoal: {
		Name: TypeGoal,
		Allowed: fieldSet(
			"client_id", "wallet_id", "goal_name", "goal_type", "currency",
			"target_amount", "target_amount_base", "target_date",
			"linked_account", "linked_debt", "status", "color",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"goal_name", "goal_type"},
		RequiredGroups:   [][]string{{"target_amount", "target_amount_base"}},
		Aliases: map[string]string{
			"name":              "goal_name",
			"title":             "goal_name",
			"type":              "goal_type",
			"linked_account_id": "linked_account",
			"linked_debt_id":    "linked_debt",
		},
		ServerManaged: fieldSet("current_amount", "progress_percent", "remaining_amount"),
		Datetime:      fieldSet("target_date", "deleted_at"),
		Links: map[string]string{
			"linked_account": TypeAccount,
			"linked_debt":    TypeDebt,
		},
	},
	TypeBucket: {
		Name: TypeBucket,
		Allowed: fieldSet(
			"client_id", "wallet_id", "title", "bucket_name", "color", "icon",
			"sort_order", "is_active", "archived",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredGroups: [][]string{{"title", "bucket_name"}},
		Aliases: map[string]string{
			"name":        "title",
			"bucket_name": "title",
		},
	},
	TypeBucketTemplate: {
		Name: TypeBucketTemplate,
		Allowed: fieldSet(
			"client_id", "wallet_id", "title", "is_default", "is_active",
			"template_items",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"title", "template_items"},
		RequiredGroups:   [][]string{{"template_items"}},
		Aliases:          map[string]string{"name": "title"},
		Datetime:         fieldSet("deleted_at"),
	},
	TypeAllocationRule: {
		Name: TypeAllocationRule,
		Allowed: fieldSet(
			"client_id", "wallet_id", "rule_name", "is_default", "scope_type",
			"scope_ref", "active",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"rule_name", "scope_type"},
		Aliases: map[string]string{
			"name":         "rule_name",
			"title":        "rule_name",
			"scope_ref_id": "scope_ref",
		},
	},
	TypeAllocationRuleLine: {
		Name: TypeAllocationRuleLine,
		Allowed: fieldSet(
			"client_id", "wallet_id", "rule", "bucket", "percent", "sort_order",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"rule", "bucket"},
		Aliases: map[string]string{
			"rule_id":   "rule",
			"bucket_id": "bucket",
		},
		Links: map[string]string{
			"rule":   TypeAllocationRule,
			"bucket": TypeBucket,
		},
	},
	TypeTransactionAllocation: {
		Name: TypeTransactionAllocation,
		Allowed: fieldSet(
			"client_id", "wallet_id", "transaction_id", "bucket_id", "percentage",
			"transaction", "bucket", "percent", "amount", "currency",
			"amount_base", "rule_used", "is_manual_override",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"transaction", "bucket"},
		Aliases: map[string]string{
			"transaction_id": "transaction",
			"bucket_id":      "bucket",
			"percentage":     "percent",
			"rule_id_used":   "rule_used",
		},
		Links: map[string]string{
			"transaction": TypeTransaction,
			"bucket":      TypeBucket,
		},
	},
	TypeTransactionBucket: {
		Name: TypeTransactionBucket,
		Allowed: fieldSet(
			"client_id", "wallet_id", "transaction_id", "bucket_id", "amount",
			"percentage", "transaction", "bucket", "percent",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredGroups: [][]string{
			{"transaction_id", "transaction"},
			{"bucket_id", "bucket"},
			{"amount", "percentage", "percent"},
		},
		Aliases: map[string]string{
			"transaction": "transaction_id",
			"bucket":      "bucket_id",
			"percent":     "percentage",
		},
		Datetime: fieldSet("deleted_at"),
		Links: map[string]string{
			"transaction_id": TypeTransaction,
			"bucket_id":      TypeBucket,
		},
	},
	TypeJameya: {
		Name: TypeJameya,
		Allowed: fieldSet(
			"client_id", "wallet_id", "jameya_name", "currency", "monthly_amount",
			"total_members", "my_turn", "total_amount", "period", "start_date",
			"status", "note",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"jameya_name", "monthly_amount", "total_members", "my_turn", "start_date"},
		Aliases: map[string]string{
			"name":  "jameya_name",
			"title": "jameya_name",
		},
		ServerManaged: fieldSet("status", "total_amount"),
		Datetime:      fieldSet("start_date", "deleted_at"),
	},
	TypeJameyaPayment: {
		Name: TypeJameyaPayment,
		Allowed: fieldSet(
			"client_id", "wallet_id", "jameya", "period_number", "due_date",
			"amount", "status", "paid_at", "is_my_turn",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"jameya"},
		Datetime:         fieldSet("due_date", "paid_at", "deleted_at"),
		Links:            map[string]string{"jameya": TypeJameya},
	},
	TypeAttachment: {
		Name: TypeAttachment,
		Allowed: fieldSet(
			"client_id", "wallet_id", "owner_entity_type", "owner_client_id",
			"file_id", "file_url", "file_name", "mime_type", "file_size", "sha256",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		RequiredOnCreate: []string{"owner_entity_type", "owner_client_id", "mime_type", "file_size"},
		Aliases:          map[string]string{"file_mime": "mime_type"},
		Datetime:         fieldSet("deleted_at"),
	},

	TypeSettings: {
		Name: TypeSettings,
		Allowed: fieldSet(
			"client_id", "wallet_id", "user", "base_currency", "enabled_currencies",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		PullOnly: true,
	},
	TypeFXRate: {
		Name: TypeFXRate,
		Allowed: fieldSet(
			"client_id", "wallet_id", "user", "base_currency", "quote_currency",
			"rate", "source", "effective_date", "last_updated",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		PullOnly: true,
	},
	TypeCustomCurrency: {
		Name: TypeCustomCurrency,
		Allowed: fieldSet(
			"client_id", "wallet_id", "user", "code", "currency_name", "symbol",
			"client_created_ms", "client_modified_ms", "is_deleted", "deleted_at",
		),
		PullOnly: true,
	},
}
