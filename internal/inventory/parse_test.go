package inventory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		want       []string
		duplicates int
	}{
		{
			name:  "plain text",
			input: "user1:pass1\n\nuser2:pass2\r\nuser1:pass1\n",
			want:  []string{"user1:pass1", "user2:pass2"},

			duplicates: 1,
		},
		{
			name:  "semicolon csv",
			input: "login1;secret1;mail1\nlogin2; secret2 ;mail2\n",
			want:  []string{"login1:secret1:mail1", "login2:secret2:mail2"},
		},
		{
			name:  "tab separated with empty column",
			input: "a\t\tb\nc\td\n",
			want:  []string{"a:b", "c:d"},
		},
		{
			name:  "empty input",
			input: "  \n ",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dups, err := ParseUnits(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.duplicates, dups)
		})
	}
}
