package authproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode errors.
var (
	ErrDecode         = errors.New("malformed auth protocol message")
	ErrMissingPayload = errors.New("auth protocol message has no payload variant")
)

// MarshalCommand encodes cmd into protobuf wire format.
func MarshalCommand(cmd *Command) ([]byte, error) {
	buf := protowire.AppendTag(nil, fieldCommandID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, cmd.CommandID)

	switch p := cmd.Payload.(type) {
	case *LoginRequest:
		buf = appendMessage(buf, fieldLogin, marshalLoginRequest(p))
	case *RefreshTokenRequest:
		buf = appendMessage(buf, fieldRefreshToken, marshalRefreshTokenRequest(p))
	case *LogoutRequest:
		buf = appendMessage(buf, fieldLogout, marshalLogoutRequest(p))
	case nil:
		return nil, ErrMissingPayload
	default:
		return nil, fmt.Errorf("unsupported command payload %T", p)
	}
	return buf, nil
}

// UnmarshalCommand decodes a Command from protobuf wire format.
func UnmarshalCommand(data []byte) (*Command, error) {
	var cmd Command
	err := eachField(data, func(num protowire.Number, payload []byte, varint uint64, isVarint bool) error {
		switch num {
		case fieldCommandID:
			if !isVarint {
				return fmt.Errorf("%w: command_id wire type", ErrDecode)
			}
			cmd.CommandID = varint
		case fieldLogin:
			p, err := unmarshalLoginRequest(payload)
			if err != nil {
				return err
			}
			cmd.Payload = p
		case fieldRefreshToken:
			p, err := unmarshalRefreshTokenRequest(payload)
			if err != nil {
				return err
			}
			cmd.Payload = p
		case fieldLogout:
			p, err := unmarshalLogoutRequest(payload)
			if err != nil {
				return err
			}
			cmd.Payload = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cmd.Payload == nil {
		return nil, ErrMissingPayload
	}
	return &cmd, nil
}

// MarshalResponse encodes resp into protobuf wire format.
func MarshalResponse(resp *Response) ([]byte, error) {
	buf := protowire.AppendTag(nil, fieldCommandID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, resp.CommandID)

	switch p := resp.Payload.(type) {
	case *LoginResponse:
		buf = appendMessage(buf, fieldLogin, marshalResult(p.Ok, p.Err))
	case *RefreshTokenResponse:
		buf = appendMessage(buf, fieldRefreshToken, marshalResult(p.Ok, p.Err))
	case *LogoutResponse:
		buf = appendMessage(buf, fieldLogout, marshalLogoutResponse(p))
	case nil:
		return nil, ErrMissingPayload
	default:
		return nil, fmt.Errorf("unsupported response payload %T", p)
	}
	return buf, nil
}

// UnmarshalResponse decodes a Response from protobuf wire format.
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	err := eachField(data, func(num protowire.Number, payload []byte, varint uint64, isVarint bool) error {
		switch num {
		case fieldCommandID:
			if !isVarint {
				return fmt.Errorf("%w: command_id wire type", ErrDecode)
			}
			resp.CommandID = varint
		case fieldLogin:
			ok, errCode, err := unmarshalResult(payload)
			if err != nil {
				return err
			}
			resp.Payload = &LoginResponse{Ok: ok, Err: errCode}
		case fieldRefreshToken:
			ok, errCode, err := unmarshalResult(payload)
			if err != nil {
				return err
			}
			resp.Payload = &RefreshTokenResponse{Ok: ok, Err: errCode}
		case fieldLogout:
			p, err := unmarshalLogoutResponse(payload)
			if err != nil {
				return err
			}
			resp.Payload = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Payload == nil {
		return nil, ErrMissingPayload
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Inner messages
// ---------------------------------------------------------------------------

func marshalLoginRequest(p *LoginRequest) []byte {
	var buf []byte
	buf = appendString(buf, fieldUsername, p.Username)
	buf = appendString(buf, fieldPassword, p.Password)
	return buf
}

func unmarshalLoginRequest(data []byte) (*LoginRequest, error) {
	var p LoginRequest
	err := eachField(data, func(num protowire.Number, payload []byte, _ uint64, isVarint bool) error {
		if isVarint {
			return nil
		}
		switch num {
		case fieldUsername:
			p.Username = string(payload)
		case fieldPassword:
			p.Password = string(payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalRefreshTokenRequest(p *RefreshTokenRequest) []byte {
	var buf []byte
	buf = appendString(buf, fieldUsername, p.Username)
	buf = appendBytes(buf, fieldReqToken, p.RefreshToken)
	return buf
}

func unmarshalRefreshTokenRequest(data []byte) (*RefreshTokenRequest, error) {
	var p RefreshTokenRequest
	err := eachField(data, func(num protowire.Number, payload []byte, _ uint64, isVarint bool) error {
		if isVarint {
			return nil
		}
		switch num {
		case fieldUsername:
			p.Username = string(payload)
		case fieldReqToken:
			p.RefreshToken = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalLogoutRequest(p *LogoutRequest) []byte {
	return appendBytes(nil, fieldReqSession, p.SessionID)
}

func unmarshalLogoutRequest(data []byte) (*LogoutRequest, error) {
	var p LogoutRequest
	err := eachField(data, func(num protowire.Number, payload []byte, _ uint64, isVarint bool) error {
		if num == fieldReqSession && !isVarint {
			p.SessionID = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// marshalResult encodes the shared ok/err oneof used by both LoginResponse
// and RefreshTokenResponse.
func marshalResult(ok *SuccessfulLogin, errCode *LoginError) []byte {
	if ok != nil {
		var inner []byte
		inner = appendString(inner, fieldAccessToken, ok.AccessToken)
		inner = appendBytes(inner, fieldRefresh, ok.RefreshToken)
		return appendMessage(nil, fieldRespOk, inner)
	}
	buf := protowire.AppendTag(nil, fieldRespErr, protowire.VarintType)
	var code LoginError
	if errCode != nil {
		code = *errCode
	}
	return protowire.AppendVarint(buf, uint64(code))
}

func unmarshalResult(data []byte) (*SuccessfulLogin, *LoginError, error) {
	var ok *SuccessfulLogin
	var errCode *LoginError
	err := eachField(data, func(num protowire.Number, payload []byte, varint uint64, isVarint bool) error {
		switch num {
		case fieldRespOk:
			if isVarint {
				return fmt.Errorf("%w: ok wire type", ErrDecode)
			}
			s, err := unmarshalSuccessfulLogin(payload)
			if err != nil {
				return err
			}
			ok, errCode = s, nil
		case fieldRespErr:
			if !isVarint {
				return fmt.Errorf("%w: err wire type", ErrDecode)
			}
			code := LoginError(varint)
			ok, errCode = nil, &code
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if ok == nil && errCode == nil {
		return nil, nil, fmt.Errorf("%w: empty login result", ErrDecode)
	}
	return ok, errCode, nil
}

func unmarshalSuccessfulLogin(data []byte) (*SuccessfulLogin, error) {
	var p SuccessfulLogin
	err := eachField(data, func(num protowire.Number, payload []byte, _ uint64, isVarint bool) error {
		if isVarint {
			return nil
		}
		switch num {
		case fieldAccessToken:
			p.AccessToken = string(payload)
		case fieldRefresh:
			p.RefreshToken = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalLogoutResponse(p *LogoutResponse) []byte {
	if p.Error == nil {
		return nil
	}
	buf := protowire.AppendTag(nil, fieldLogoutErr, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(*p.Error))
}

func unmarshalLogoutResponse(data []byte) (*LogoutResponse, error) {
	var p LogoutResponse
	err := eachField(data, func(num protowire.Number, _ []byte, varint uint64, isVarint bool) error {
		if num == fieldLogoutErr && isVarint {
			code := LogoutError(varint)
			p.Error = &code
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// protowire helpers
// ---------------------------------------------------------------------------

func appendMessage(buf []byte, num protowire.Number, body []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, body)
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendBytes(buf []byte, num protowire.Number, b []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, b)
}

// eachField walks the top-level fields of a message, invoking fn with either
// the varint value or the length-delimited payload. Unknown fields and wire
// types are skipped, matching protobuf compatibility rules.
func eachField(data []byte, fn func(num protowire.Number, payload []byte, varint uint64, isVarint bool) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, nil, v, true); err != nil {
				return err
			}
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, b, 0, false); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
