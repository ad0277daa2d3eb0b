package batch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubham-635/imageProcessing/internal/jobs"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []jobs.ItemInput
	}{
		{
			name:  "single row with two urls",
			input: "S. No.,Product Name,Input Image Urls\n1,Widget,\"https://x/a.png, https://x/b.png\"\n",
			want: []jobs.ItemInput{
				{Row: 0, SerialNo: "1", Name: "Widget", InputURLs: []string{"https://x/a.png", "https://x/b.png"}},
			},
		},
		{
			name:  "empty url column",
			input: "S. No.,Product Name,Input Image Urls\n1,Gadget,\n",
			want: []jobs.ItemInput{
				{Row: 0, SerialNo: "1", Name: "Gadget", InputURLs: []string{}},
			},
		},
		{
			name:  "byte order mark and reordered columns",
			input: "\ufeffProduct Name, S. No. ,Input Image Urls,Extra\r\nA,7,https://x/a.png,ignored\r\n",
			want: []jobs.ItemInput{
				{Row: 0, SerialNo: "7", Name: "A", InputURLs: []string{"https://x/a.png"}},
			},
		},
		{
			name:  "missing column and ragged rows",
			input: "S. No.,Product Name\n1,A\n2\n",
			want: []jobs.ItemInput{
				{Row: 0, SerialNo: "1", Name: "A", InputURLs: []string{}},
				{Row: 1, SerialNo: "2", Name: "", InputURLs: []string{}},
			},
		},
		{
			name:  "blank rows skipped",
			input: "S. No.,Product Name,Input Image Urls\n1,A,u1\n,,\n\n2,B,\"u2,,u3,\"\n",
			want: []jobs.ItemInput{
				{Row: 0, SerialNo: "1", Name: "A", InputURLs: []string{"u1"}},
				{Row: 1, SerialNo: "2", Name: "B", InputURLs: []string{"u2", "u3"}},
			},
		},
		{
			name:  "header only",
			input: "S. No.,Product Name,Input Image Urls\n",
			want:  []jobs.ItemInput{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCSV(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCSVInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty upload", ""},
		{"unterminated quote", "S. No.,Product Name,Input Image Urls\n1,\"Widget,u\n"},
		{"bare quote in field", "S. No.,Product Name\n1,Wid\"get\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.input))
			require.Error(t, err)
			var invalid *InvalidInputError
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestSplitURLs(t *testing.T) {
	assert.Equal(t, []string{}, SplitURLs(""))
	assert.Equal(t, []string{}, SplitURLs("   "))
	assert.Equal(t, []string{}, SplitURLs(" , ,"))
	assert.Equal(t, []string{"a", "b"}, SplitURLs(" a ,b"))
}
