// Package job parses render jobs taken from the wait queue and builds the
// outcome records pushed to the done queue.
package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrParse means the payload is not a JSON object
	ErrParse = errors.New("job payload is not a JSON object")
	// ErrSchema means the id or url key is missing
	ErrSchema = errors.New("job is missing required fields")
)

const (
	fieldID      = "id"
	fieldURL     = "url"
	fieldLang    = "lang"
	fieldHTML    = "html"
	fieldSuccess = "success"
)

// Job is a render job carrying both id and url keys. URL is empty when the url
// value is not a string. Fields the worker does not interpret are kept verbatim
// and written back in the outcome.
type Job struct {
	ID   string
	URL  string
	Lang string

	raw    []byte
	fields map[string]json.RawMessage
}

// Parse decodes payload and validates it. Errors wrap ErrParse or ErrSchema.
// defaultLang is used when lang is absent, empty or not a string.
func Parse(payload []byte, defaultLang string) (*Job, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: null payload", ErrParse)
	}

	rawID, ok := fields[fieldID]
	if !ok {
		return nil, fmt.Errorf("%w: id: missing", ErrSchema)
	}
	rawURL, ok := fields[fieldURL]
	if !ok {
		return nil, fmt.Errorf("%w: url: missing", ErrSchema)
	}

	// A url that is not a string stays empty and fails at fetch time
	var url string
	_ = json.Unmarshal(rawURL, &url)

	lang := defaultLang
	if rawLang, ok := fields[fieldLang]; ok {
		var s string
		if json.Unmarshal(rawLang, &s) == nil && s != "" {
			lang = s
		}
	}

	return &Job{
		ID:     idString(rawID),
		URL:    url,
		Lang:   lang,
		raw:    payload,
		fields: fields,
	}, nil
}

// idString renders an id for logs. Strings are unquoted; any other JSON value
// keeps its JSON spelling.
func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return string(raw)
}

// Raw is the payload exactly as it was dequeued
func (j *Job) Raw() []byte {
	return j.raw
}

// Fingerprint identifies the raw payload in logs so duplicate deliveries can be spotted
func (j *Job) Fingerprint() string {
	return Fingerprint(j.raw)
}

// Fingerprint hashes a payload with xxhash
func Fingerprint(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Outcome returns the done-queue record: every caller field plus success, and
// html when the fetch succeeded.
func (j *Job) Outcome(html string, success bool) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(j.fields)+2)
	for k, v := range j.fields {
		out[k] = v
	}

	if success {
		encoded, err := json.Marshal(html)
		if err != nil {
			return nil, fmt.Errorf("encode html: %w", err)
		}
		out[fieldHTML] = encoded
	}
	out[fieldSuccess] = json.RawMessage(strconv.FormatBool(success))

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode outcome for job %s: %w", j.ID, err)
	}
	return data, nil
}
