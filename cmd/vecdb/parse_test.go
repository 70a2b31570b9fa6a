package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecdb/metadata"
)

func TestParseVector(t *testing.T) {
	v, err := parseVector(" 1, 2.5,-3 ")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, v)

	_, err = parseVector("")
	require.Error(t, err)
	_, err = parseVector("1,x")
	require.Error(t, err)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want metadata.Value
	}{
		{"42", metadata.Int(42)},
		{"1.5", metadata.Float(1.5)},
		{"true", metadata.Bool(true)},
		{"en", metadata.String("en")},
		{`"42"`, metadata.String("42")},
		{"[en,de]", metadata.Array([]metadata.Value{metadata.String("en"), metadata.String("de")})},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.True(t, tt.want.Equal(parseValue(tt.in)), "got %v", parseValue(tt.in))
		})
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in  string
		key string
		op  metadata.Operator
	}{
		{"year>=2020", "year", metadata.OpGreaterEqual},
		{"year<=2020", "year", metadata.OpLessEqual},
		{"lang!=en", "lang", metadata.OpNotEqual},
		{"tags~=go", "tags", metadata.OpContains},
		{"lang=en", "lang", metadata.OpEqual},
		{"lang=[en,de]", "lang", metadata.OpIn},
		{"score>1", "score", metadata.OpGreaterThan},
		{"score<1", "score", metadata.OpLessThan},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, err := parseFilter(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.key, f.Key)
			assert.Equal(t, tt.op, f.Operator)
		})
	}

	_, err := parseFilter("novalue")
	require.Error(t, err)
	_, err = parseFilter("=en")
	require.Error(t, err)
}

func TestParseMetadata(t *testing.T) {
	doc, err := parseMetadata([]string{"lang=en", "year=2024", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, metadata.String("en"), doc["lang"])
	assert.Equal(t, metadata.Int(2024), doc["year"])
	assert.Equal(t, metadata.String("a=b"), doc["note"])

	_, err = parseMetadata([]string{"novalue"})
	require.Error(t, err)
}

func TestReadRecords(t *testing.T) {
	recs, err := readRecords(strings.NewReader("- id: 3\n  vector: [1, 2]\n  metadata: {a: 1}\n- vector: [3, 4]\n"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].ID)
	assert.EqualValues(t, 3, *recs[0].ID)
	assert.Nil(t, recs[1].ID)
	assert.Equal(t, []float32{3, 4}, recs[1].Vector)

	_, err = readRecords(strings.NewReader("- metadata: {a: 1}\n"))
	require.Error(t, err)

	recs, err = readRecords(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, recs)
}
