package transport

import (
	"encoding/base64"
	"fmt"
	"math"

	"github.com/srg/btsvc/internal/svcerr"
)

// Payload is a JSON-like message body. Numbers decoded from the wire arrive
// as float64.
type Payload map[string]any

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// GetString returns a string field. A missing key yields def.
func (p Payload) GetString(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, decodeError(key, "string", v)
	}
	return s, nil
}

// GetBool returns a boolean field. A missing key yields def.
func (p Payload) GetBool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, decodeError(key, "bool", v)
	}
	return b, nil
}

// GetInt returns an integer field. Fractional numbers are rejected.
func (p Payload) GetInt(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return def, decodeError(key, "integer", v)
		}
		return int(n), nil
	default:
		return def, decodeError(key, "integer", v)
	}
}

// GetBytes decodes a base64 string field.
func (p Payload) GetBytes(key string) ([]byte, error) {
	s, err := p.GetString(key, "")
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, svcerr.Wrap(svcerr.PayloadDecodeFailed, err, fmt.Sprintf("field %q is not base64", key))
	}
	return b, nil
}

// Merge returns a copy of p with the fields of other added.
func (p Payload) Merge(other Payload) Payload {
	out := make(Payload, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func decodeError(key, want string, got any) error {
	return svcerr.New(svcerr.PayloadDecodeFailed, "field %q: expected %s, got %T", key, want, got)
}

// Success builds a successful reply body.
func Success(fields Payload) Payload {
	out := Payload{"returnValue": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Failure builds a failure reply body from err.
func Failure(err error) Payload {
	return Payload(svcerr.Payload(err))
}
