package prefz

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Codec defines how a whole preference document is serialized by backends
// that persist every key in one blob, such as the file store.
// Implement this interface to use alternative formats like TOML or HCL.
type Codec interface {
	// Marshal serializes a document.
	Marshal(doc map[string]Value) ([]byte, error)

	// Unmarshal deserializes bytes into a document. Empty input yields an
	// empty document.
	Unmarshal(data []byte) (map[string]Value, error)

	// ContentType returns the MIME type for observability and debugging.
	ContentType() string
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

// Marshal serializes doc as indented JSON.
func (JSONCodec) Marshal(doc map[string]Value) ([]byte, error) {
	if doc == nil {
		doc = map[string]Value{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Unmarshal deserializes JSON bytes.
func (JSONCodec) Unmarshal(data []byte) (map[string]Value, error) {
	doc := map[string]Value{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ContentType returns the JSON MIME type.
func (JSONCodec) ContentType() string {
	return "application/json"
}

// Ensure JSONCodec implements Codec.
var _ Codec = JSONCodec{}

// YAMLCodec implements Codec using gopkg.in/yaml.v3.
type YAMLCodec struct{}

// Marshal serializes doc as YAML.
func (YAMLCodec) Marshal(doc map[string]Value) ([]byte, error) {
	if doc == nil {
		doc = map[string]Value{}
	}
	return yaml.Marshal(doc)
}

// Unmarshal deserializes YAML bytes. JSON input is accepted as well.
func (YAMLCodec) Unmarshal(data []byte) (map[string]Value, error) {
	doc := map[string]Value{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]Value{}
	}
	return doc, nil
}

// ContentType returns the YAML MIME type.
func (YAMLCodec) ContentType() string {
	return "application/x-yaml"
}

// Ensure YAMLCodec implements Codec.
var _ Codec = YAMLCodec{}
