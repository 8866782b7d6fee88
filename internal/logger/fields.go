package logger

// Standard field keys for structured logging.
// Use these consistently so log lines stay greppable across the daemons.
const (
	KeyUsername  = "username"   // account name on auth operations
	KeySessionID = "session_id" // session UUID
	KeyCommandID = "command_id" // IPC request correlation id
	KeyPath      = "path"       // file path (db files, sockets, keys)
	KeyError     = "error"      // error value
	KeyComponent = "component"  // subsystem name: sessiondb, userdb, dispatch, ...
)
