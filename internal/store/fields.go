package store

// Field identifies a document attribute that may be patched or used as a condition.
// The set is closed; every patchable attribute of every document kind is listed here.
type Field string

// Reserved attributes present on every document.
const (
	FieldPartition Field = "pk"
	FieldID        Field = "id"
	FieldKind      Field = "kind"
	FieldETag      Field = "etag"
	FieldTTL       Field = "ttl"
)

// Document attributes.
const (
	FieldStatus       Field = "status"
	FieldVersion      Field = "version"
	FieldLikes        Field = "likes"
	FieldComments     Field = "comments"
	FieldViews        Field = "views"
	FieldDeleted      Field = "deleted"
	FieldLastModified Field = "last_modified"
	FieldUpdatedAt    Field = "updated_at"
	FieldEndedAt      Field = "ended_at"
)
