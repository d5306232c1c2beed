package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/shibukawa/semql"
)

// Decode reads a manifest JSON document. Unknown fields are rejected, and
// documents larger than semql.MaxManifestBytes fail with ErrInputTooLarge
// before any decoding work.
func Decode(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(io.LimitReader(r, semql.MaxManifestBytes+1))
	if err != nil {
		return nil, err
	}

	return DecodeBytes(data)
}

// DecodeBytes decodes a manifest JSON document held in memory.
func DecodeBytes(data []byte) (*Manifest, error) {
	if len(data) > semql.MaxManifestBytes {
		return nil, fmt.Errorf("%w: manifest is %d bytes, limit is %d", semql.ErrInputTooLarge, len(data), semql.MaxManifestBytes)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", semql.ErrManifestInvalid, err)
	}

	// Reject trailing garbage after the document.
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data after manifest document", semql.ErrManifestInvalid)
	}

	return &m, nil
}

// Encode writes the manifest in canonical wire form: lowerCamelCase fields,
// upper-case enumerations, two-space indentation.
func Encode(w io.Writer, m *Manifest) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(m)
}
