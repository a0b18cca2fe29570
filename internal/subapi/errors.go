package subapi

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	errInvalidScheme  = errors.New("webhook url must use https")
	errHostNotAllowed = errors.New("webhook url host is not in the allow-list")
	errPathPrefix     = errors.New("webhook url path must have the required prefix")
)

// decodeStrict parses raw as v, rejecting unknown top-level fields.
func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// encodeCanonical serializes v the same way every other signed payload in
// the system is serialized, so the signature in X-Signature matches what
// json.Marshal produced.
func encodeCanonical(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
