// Package params models the command parameter document bound to a device:
// the default template, structural and range validation, and the
// base64 payload codec used by the console.
package params

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// StartUploadCommand is the command that configures image and inference upload.
const StartUploadCommand = "StartUploadInferenceData"

// Upload modes.
const (
	ModeImageOnly     = 0
	ModeImageAndMeta  = 1
	ModeInferenceOnly = 2
)

// Document is a command parameter document. Parameters are kept raw so
// unknown commands and keys survive a decode/encode round trip.
type Document struct {
	Commands []Command `json:"commands"`
}

// Command is one entry of the commands array.
type Command struct {
	Name       string          `json:"command_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Find returns the first command with the given name.
func (d Document) Find(name string) (Command, bool) {
	for _, c := range d.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := Document{Commands: make([]Command, len(d.Commands))}
	for i, c := range d.Commands {
		out.Commands[i] = Command{Name: c.Name}
		if c.Parameters != nil {
			out.Commands[i].Parameters = append(json.RawMessage(nil), c.Parameters...)
		}
	}
	return out
}

// Encode serialises the document as indented JSON and base64-encodes it,
// the form expected by the console's parameter file update.
func (d Document) Encode() (string, error) {
	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a base64 payload holding UTF-8 JSON.
func Decode(payload string) (Document, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Document{}, fmt.Errorf("decode base64: %w", err)
	}
	if !utf8.Valid(data) {
		return Document{}, errors.New("payload is not valid UTF-8")
	}
	return Parse(data)
}

// DecodePayload accepts the parameter field of a file listing, which is
// either a base64 string or an already-expanded JSON object.
func DecodePayload(raw json.RawMessage) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Document{}, errors.New("empty payload")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Document{}, fmt.Errorf("decode payload string: %w", err)
		}
		return Decode(s)
	}
	return Parse(trimmed)
}

// Parse decodes a JSON document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}
