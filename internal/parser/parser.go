// Package parser extracts structured results from raw worker output.
//
// Extraction is a fixed, ordered strategy:
//  1. the payload between the first begin marker and the next end marker;
//  2. otherwise the full contents of the job's output file, when one is configured;
//  3. otherwise a parse error. An empty success is never returned.
//
// With no markers configured the whole output is the candidate, with the same
// output-file fallback when it is empty.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"taskorch/internal/apperrors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"
)

// maxFileSize bounds how much of a fallback output file is read.
const maxFileSize = 16 << 20

// queryCacheSize is the number of compiled jq queries kept.
const queryCacheSize = 256

// Parser extracts results. The most recently used compiled jq queries are
// cached; safe for concurrent use.
type Parser struct {
	cache *lru.Cache[string, *gojq.Code]
}

// New creates a parser.
func New() *Parser {
	cache, err := lru.New[string, *gojq.Code](queryCacheSize)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &Parser{cache: cache}
}

// Parse extracts a value from raw output. outputFile may be empty.
// Every failure is a classified parse error.
func (p *Parser) Parse(raw []byte, outputFile string, opts Options) (any, error) {
	opts = opts.resolved()

	candidate, err := p.candidate(raw, outputFile, opts)
	if err != nil {
		return nil, err
	}
	if opts.Trim {
		candidate = bytes.TrimSpace(candidate)
	}

	var value any
	switch opts.Decode {
	case DecodeJSON:
		if err := json.Unmarshal(candidate, &value); err != nil {
			return nil, apperrors.Parse("payload is not valid JSON", err)
		}
	default:
		value = string(candidate)
	}

	if opts.Query == "" {
		return value, nil
	}
	return p.query(opts.Query, value)
}

func (p *Parser) candidate(raw []byte, outputFile string, opts Options) ([]byte, error) {
	if opts.Begin != "" {
		if payload, ok := Between(raw, opts.Begin, opts.End); ok {
			return payload, nil
		}
	} else if len(bytes.TrimSpace(raw)) > 0 {
		return raw, nil
	}

	if outputFile == "" {
		if opts.Begin != "" {
			return nil, apperrors.Parse(fmt.Sprintf("no %s/%s markers in output and no output file configured", opts.Begin, opts.End), nil)
		}
		return nil, apperrors.Parse("output is empty and no output file configured", nil)
	}

	data, err := readBounded(outputFile)
	if err != nil {
		return nil, apperrors.Parse("markers absent and output file unreadable", err)
	}
	if len(data) == 0 {
		return nil, apperrors.Parse(fmt.Sprintf("output file %s is empty", outputFile), nil)
	}
	return data, nil
}

// Between returns the bytes between the first begin marker and the first end
// marker after it.
func Between(raw []byte, begin, end string) ([]byte, bool) {
	start := bytes.Index(raw, []byte(begin))
	if start < 0 {
		return nil, false
	}
	rest := raw[start+len(begin):]
	stop := bytes.Index(rest, []byte(end))
	if stop < 0 {
		return nil, false
	}
	return rest[:stop], true
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("output file exceeds %d bytes", maxFileSize)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Parser) query(expression string, value any) (any, error) {
	code, err := p.compile(expression)
	if err != nil {
		return nil, apperrors.Parse("invalid jq query", err)
	}
	return Run(code, value)
}

// Run executes compiled jq code. One result is returned as is, several as a slice.
func Run(code *gojq.Code, value any) (any, error) {
	iter := code.Run(value)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, apperrors.Parse("jq query failed", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, apperrors.Parse("jq query produced no result", nil)
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (p *Parser) compile(expression string) (*gojq.Code, error) {
	if code, ok := p.cache.Get(expression); ok {
		return code, nil
	}

	code, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	p.cache.Add(expression, code)
	return code, nil
}

// Compile parses and compiles a jq expression.
func Compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(strings.TrimSpace(expression))
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	return code, nil
}
