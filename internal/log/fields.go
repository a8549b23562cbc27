package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldLocalID     = "local_id"
	FieldServerID    = "server_id"
	FieldOperationID = "operation_id"
	FieldKind        = "kind"
	FieldAttempts    = "attempts"
	FieldReason      = "reason"
	FieldError       = "error"
	FieldCount       = "count"
	FieldOnline      = "online"
	FieldDuration    = "duration_ms"
	FieldSuccess     = "success"
	FieldOperation   = "operation"
)

// Components defines standard component names
const (
	ComponentApp          = "app"
	ComponentStorage      = "storage"
	ComponentQueue        = "queue"
	ComponentConnectivity = "connectivity"
	ComponentSync         = "sync"
	ComponentRemote       = "remote"
	ComponentEditor       = "editor"
	ComponentWorker       = "worker"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpRead     = "read"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpList     = "list"
	OpSync     = "sync"
	OpDrain    = "drain"
	OpPurge    = "purge"
	OpValidate = "validate"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)
