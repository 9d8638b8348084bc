// Package ident encodes and decodes the opaque callback identifier that
// external delivery mechanisms use to address a registered task.
//
// An identifier is Prefix followed by a JSON object {"appId","taskName"}.
// It is self-contained: everything needed to route an event travels in the
// single string.
package ident

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Prefix namespaces identifiers produced by this module.
const Prefix = "taskrelay.task."

// ErrMalformed is returned when an identifier cannot be decoded.
var ErrMalformed = errors.New("malformed callback identifier")

// Ref addresses one task within one application scope.
type Ref struct {
	AppID    string `json:"appId"`
	TaskName string `json:"taskName"`
}

func (r Ref) String() string { return r.AppID + "/" + r.TaskName }

// Encode returns the identifier for r. The output is deterministic: the same
// Ref always yields the same string.
func Encode(r Ref) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of two strings cannot fail.
	_ = enc.Encode(r)
	return Prefix + strings.TrimRight(buf.String(), "\n")
}

// Decode parses an identifier produced by Encode.
func Decode(id string) (Ref, error) {
	raw, ok := strings.CutPrefix(id, Prefix)
	if !ok {
		return Ref{}, fmt.Errorf("%w: missing prefix", ErrMalformed)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var r Ref
	if err := dec.Decode(&r); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Ref{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if r.AppID == "" || r.TaskName == "" {
		return Ref{}, fmt.Errorf("%w: appId and taskName are required", ErrMalformed)
	}
	return r, nil
}
