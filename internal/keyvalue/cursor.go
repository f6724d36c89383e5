package keyvalue

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"
)

// Cursor is the decoded form of a ListKeys continuation token. Backends
// that enumerate in key order use After; backends with their own native
// token (redis SCAN, S3 continuation) use Token.
type Cursor struct {
	Backend string `cbor:"b"`
	After   string `cbor:"a,omitempty"`
	Token   string `cbor:"t,omitempty"`
}

var cursorEncMode cbor.EncMode

func init() {
	var err error
	cursorEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("keyvalue: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeCursor serializes c into an opaque URL-safe string.
func EncodeCursor(c Cursor) (string, error) {
	data, err := cursorEncMode.Marshal(c)
	if err != nil {
		return "", Otherf("encoding cursor: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token produced by EncodeCursor for backend. The
// empty token decodes to the zero Cursor (start of enumeration).
func DecodeCursor(backend, token string) (Cursor, error) {
	if token == "" {
		return Cursor{Backend: backend}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, Otherf("invalid cursor: %v", err)
	}
	var c Cursor
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Cursor{}, Otherf("invalid cursor: %v", err)
	}
	if c.Backend != backend {
		return Cursor{}, Otherf("invalid cursor: issued by %q backend, not %q", c.Backend, backend)
	}
	return c, nil
}
