package yamlutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalStrict decodes YAML rejecting unknown fields, so a misspelled key fails loudly
// instead of silently falling back to a default. An empty document leaves v untouched.
func UnmarshalStrict(data []byte, v interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	err := decoder.Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "field") && strings.Contains(errStr, "not found") {
			return fmt.Errorf("unknown configuration field (check for typos): %w", err)
		}
		return err
	}

	return nil
}
