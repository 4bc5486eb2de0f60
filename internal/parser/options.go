package parser

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// Decode selects how a candidate payload is turned into a value.
type Decode string

const (
	DecodeText Decode = "text"
	DecodeJSON Decode = "json"
)

// Preset names.
const (
	PresetMarkers    = "markers"
	PresetTranscript = "transcript"
	PresetJSONResult = "json-result"
	PresetWhole      = "whole"
)

// Options controls extraction for one job.
type Options struct {
	Preset string `json:"preset,omitempty" yaml:"preset,omitempty"`
	Begin  string `json:"begin,omitempty" yaml:"begin,omitempty"`
	End    string `json:"end,omitempty" yaml:"end,omitempty"`
	Decode Decode `json:"decode,omitempty" yaml:"decode,omitempty"`
	Query  string `json:"query,omitempty" yaml:"query,omitempty"` // jq expression applied to the decoded value
	Trim   bool   `json:"trim,omitempty" yaml:"trim,omitempty"`
}

var presets = map[string]Options{
	PresetMarkers:    {Begin: "BEGIN", End: "END", Decode: DecodeText},
	PresetTranscript: {Begin: "TRANSCRIPT_BEGIN", End: "TRANSCRIPT_END", Decode: DecodeText, Trim: true},
	PresetJSONResult: {Begin: "JSON_RESULT_BEGIN", End: "JSON_RESULT_END", Decode: DecodeJSON},
	PresetWhole:      {Decode: DecodeJSON},
}

// IsZero reports whether no option was set.
func (o Options) IsZero() bool {
	return o == Options{}
}

// WithDefaultPreset applies preset when neither a preset nor explicit markers were given.
// Process runners default to PresetMarkers, remote runners to PresetWhole.
func (o Options) WithDefaultPreset(preset string) Options {
	if o.Preset == "" && o.Begin == "" && o.End == "" {
		o.Preset = preset
	}
	return o
}

// resolved fills unset fields from the preset. Explicit fields win.
func (o Options) resolved() Options {
	base, ok := presets[o.Preset]
	if !ok {
		base = Options{Decode: DecodeText}
	}
	if o.Begin == "" && o.End == "" {
		o.Begin, o.End = base.Begin, base.End
	}
	if o.Decode == "" {
		o.Decode = base.Decode
	}
	if !o.Trim {
		o.Trim = base.Trim
	}
	return o
}

// Validate checks preset names, marker pairing, decode mode and the jq query.
func (o Options) Validate() error {
	if o.Preset != "" {
		if _, ok := presets[o.Preset]; !ok {
			return fmt.Errorf("unknown parse preset %q", o.Preset)
		}
	}
	if (o.Begin == "") != (o.End == "") {
		return fmt.Errorf("begin and end markers must be set together")
	}
	switch o.Decode {
	case "", DecodeText, DecodeJSON:
	default:
		return fmt.Errorf("unknown decode mode %q", o.Decode)
	}
	if o.Query != "" {
		query, err := gojq.Parse(o.Query)
		if err != nil {
			return fmt.Errorf("invalid jq query: %w", err)
		}
		if _, err := gojq.Compile(query); err != nil {
			return fmt.Errorf("jq compilation failed: %w", err)
		}
	}
	return nil
}
