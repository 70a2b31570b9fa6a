package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecdb"
	"github.com/hupe1980/vecdb/metadata"
)

// parseVector parses a comma-separated list of floats.
func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	return vec, nil
}

// parseValue infers the type of a command-line value: int, float, bool,
// [a,b,...] array, otherwise string. Quoting forces a string.
func parseValue(s string) metadata.Value {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return metadata.String(s[1 : len(s)-1])
	}
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return metadata.Array(nil)
		}
		parts := strings.Split(inner, ",")
		arr := make([]metadata.Value, len(parts))
		for i, p := range parts {
			arr[i] = parseValue(p)
		}
		return metadata.Array(arr)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return metadata.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return metadata.Float(f)
	}
	switch s {
	case "true":
		return metadata.Bool(true)
	case "false":
		return metadata.Bool(false)
	}
	return metadata.String(s)
}

// parseMetadata parses key=value pairs.
func parseMetadata(pairs []string) (metadata.Document, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	doc := make(metadata.Document, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", kv)
		}
		doc[k] = parseValue(v)
	}
	return doc, nil
}

// filterOps is ordered so that two-character operators match first.
var filterOps = []struct {
	token string
	op    metadata.Operator
}{
	{">=", metadata.OpGreaterEqual},
	{"<=", metadata.OpLessEqual},
	{"!=", metadata.OpNotEqual},
	{"~=", metadata.OpContains},
	{"=", metadata.OpEqual},
	{">", metadata.OpGreaterThan},
	{"<", metadata.OpLessThan},
}

// parseFilter parses an expression like year>=2020, lang=en, tags~=go or
// lang=[en,de]. An array operand with = selects the in operator.
func parseFilter(expr string) (metadata.Filter, error) {
	for _, fo := range filterOps {
		i := strings.Index(expr, fo.token)
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(expr[:i])
		val := parseValue(expr[i+len(fo.token):])
		op := fo.op
		if op == metadata.OpEqual && val.Kind == metadata.KindArray {
			op = metadata.OpIn
		}
		f := metadata.Filter{Key: key, Operator: op, Value: val}
		if err := f.Validate(); err != nil {
			return metadata.Filter{}, err
		}
		return f, nil
	}
	return metadata.Filter{}, fmt.Errorf("invalid filter %q, want key<op>value with op one of = != > >= < <= ~=", expr)
}

func parseFilters(exprs []string) (*metadata.FilterSet, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	filters := make([]metadata.Filter, len(exprs))
	for i, e := range exprs {
		f, err := parseFilter(e)
		if err != nil {
			return nil, err
		}
		filters[i] = f
	}
	return metadata.NewFilterSet(filters...), nil
}

func parseConsistency(s string) (vecdb.Consistency, error) {
	switch strings.ToLower(s) {
	case "", "bounded":
		return vecdb.ConsistencyBounded, nil
	case "strong":
		return vecdb.ConsistencyStrong, nil
	case "eventual":
		return vecdb.ConsistencyEventual, nil
	default:
		return 0, fmt.Errorf("unknown consistency %q (strong, bounded, eventual)", s)
	}
}

// record is one entry of a YAML records file.
type record struct {
	ID       *uint64        `yaml:"id"`
	Vector   []float32      `yaml:"vector"`
	Metadata map[string]any `yaml:"metadata"`
}

// readRecords decodes a YAML sequence of records.
func readRecords(r io.Reader) ([]record, error) {
	var recs []record
	if err := yaml.NewDecoder(r).Decode(&recs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode records: %w", err)
	}
	for i, rec := range recs {
		if len(rec.Vector) == 0 {
			return nil, fmt.Errorf("record %d: missing vector", i)
		}
	}
	return recs, nil
}
