// Package authproto defines the IPC protocol between the front-end daemon
// and the auth sub-daemon: protobuf-encoded Command/Response messages,
// framed with an 8-byte big-endian length prefix.
//
// The schema is small and fixed, so the wire format is implemented directly
// on google.golang.org/protobuf/encoding/protowire instead of generated
// code. Field numbers are part of the protocol and must not change.
package authproto

// Field numbers for the wire schema. Shared by encode and decode.
const (
	fieldCommandID = 1 // Command.command_id / Response.command_id

	// Command / Response oneof members.
	fieldLogin        = 2
	fieldRefreshToken = 3
	fieldLogout       = 4

	// LoginRequest / RefreshTokenRequest.
	fieldUsername    = 1
	fieldPassword    = 2
	fieldReqToken    = 2
	fieldReqSession  = 1
	fieldRespOk      = 1
	fieldRespErr     = 2
	fieldAccessToken = 1
	fieldRefresh     = 2
	fieldLogoutErr   = 1
)

// LoginError enumerates the login failures exposed on the wire.
type LoginError int32

const (
	LoginInvalidCredentials LoginError = 0
	LoginInternalError      LoginError = 1
)

func (e LoginError) String() string {
	switch e {
	case LoginInvalidCredentials:
		return "invalid credentials"
	case LoginInternalError:
		return "internal error"
	default:
		return "unknown login error"
	}
}

// LogoutError enumerates logout failures exposed on the wire.
type LogoutError int32

const LogoutInternalError LogoutError = 0

func (e LogoutError) String() string {
	if e == LogoutInternalError {
		return "internal error"
	}
	return "unknown logout error"
}

// Command is a front-end request. Exactly one payload variant is set.
type Command struct {
	CommandID uint64
	Payload   CommandPayload
}

// CommandPayload is implemented by the three request variants.
type CommandPayload interface {
	isCommandPayload()
}

// LoginRequest asks for a new session.
type LoginRequest struct {
	Username string
	Password string
}

// RefreshTokenRequest exchanges a refresh token for a new access token.
type RefreshTokenRequest struct {
	Username     string
	RefreshToken []byte
}

// LogoutRequest destroys a session. SessionID is 16 raw UUID bytes.
type LogoutRequest struct {
	SessionID []byte
}

func (*LoginRequest) isCommandPayload()        {}
func (*RefreshTokenRequest) isCommandPayload() {}
func (*LogoutRequest) isCommandPayload()       {}

// Response is the auth sub-daemon's reply. CommandID echoes the request;
// exactly one payload variant is set.
type Response struct {
	CommandID uint64
	Payload   ResponsePayload
}

// ResponsePayload is implemented by the three response variants.
type ResponsePayload interface {
	isResponsePayload()
}

// SuccessfulLogin carries the freshly issued credentials.
type SuccessfulLogin struct {
	AccessToken  string
	RefreshToken []byte
}

// LoginResponse is the reply to a LoginRequest: either Ok or Err is set.
type LoginResponse struct {
	Ok  *SuccessfulLogin
	Err *LoginError
}

// RefreshTokenResponse is the reply to a RefreshTokenRequest.
type RefreshTokenResponse struct {
	Ok  *SuccessfulLogin
	Err *LoginError
}

// LogoutResponse is the reply to a LogoutRequest. Error is nil on success.
type LogoutResponse struct {
	Error *LogoutError
}

func (*LoginResponse) isResponsePayload()        {}
func (*RefreshTokenResponse) isResponsePayload() {}
func (*LogoutResponse) isResponsePayload()       {}
