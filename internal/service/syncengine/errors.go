package syncengine

// RequestError aborts a whole push or pull request. The HTTP layer maps
// it to a {error, message} body with the carried status code.
type RequestError struct {
	HTTPStatus int
	Code       string
	Message    string
	// Results, when set, replaces the error body with a results list
	// inside the standard message envelope (the oversized-batch shape).
	Results []map[string]any
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func reqErr(status int, code, message string) *RequestError {
	return &RequestError{HTTPStatus: status, Code: code, Message: message}
}

// itemMessages maps item error codes to their human-readable texts.
// Codes without an entry echo the code itself.
var itemMessages = map[string]string{
	"op_id_required":                 "op_id is required",
	"entity_type_required":           "entity_type is required",
	"unsupported_entity_type":        "unsupported_entity_type",
	"invalid_operation":              "invalid operation",
	"entity_id_required":             "entity_id is required",
	"payload_must_be_object":         "payload must be an object",
	"wallet_id_mismatch":             "wallet_id mismatch",
	"entity_id_mismatch":             "entity_id does not match payload client_id",
	"invalid_client_id":              "invalid client_id",
	"base_version_required":          "base_version is required",
	"base_version_invalid":           "base_version must be a number",
	"base_version_not_allowed":       "base_version must be absent for create",
	"sensitive_field_not_allowed":    "sensitive field not allowed",
	"missing_required_fields":        "missing required fields",
	"invalid_field":                  "invalid field",
	"invalid_field_type":             "invalid field type",
	"not_found":                      "record not found",
	"payload_too_large":              "payload too large",
	"wallet_id_must_equal_client_id": "wallet_id must equal client_id",
	"wallet_access_denied":           "wallet access denied",
	"rejected":                       "request rejected",
}

func itemMessage(code string) string {
	if msg, ok := itemMessages[code]; ok {
		return msg
	}
	return code
}

// itemError builds the per-item error result. The code is carried three
// ways (error, error_code, error_message) to match what clients parse.
func itemError(code, entityType, clientID string, detail any) map[string]any {
	res := map[string]any{
		"status":        "error",
		"error":         code,
		"error_code":    code,
		"error_message": itemMessage(code),
	}
	if entityType != "" {
		res["entity_type"] = entityType
	}
	if clientID != "" {
		res["client_id"] = clientID
	}
	if detail != nil {
		res["detail"] = detail
	}
	return res
}

// itemRejected is the terminal shape for items that failed mid-apply.
func itemRejected(opID, entityType, clientID string, detail any) map[string]any {
	res := itemError("rejected", entityType, clientID, detail)
	res["status"] = "rejected"
	if opID != "" {
		res["op_id"] = opID
	}
	return res
}
