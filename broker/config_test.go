package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadAllowances(t *testing.T) {
	allowed, err := LoadAllowances([]byte(`{
		"onoff_backend": ["browser", "kiosk"],
		"other_backend": [],
		"open_backend": ["all"]
	}`))
	assert.NoError(t, err)
	assert.Equal(t, []string{"browser", "kiosk"}, allowed["onoff_backend"])
	assert.Empty(t, allowed["other_backend"])
	assert.Equal(t, []string{AllowanceWildcard}, allowed["open_backend"])
}

func TestLoadAllowancesInvalid(t *testing.T) {
	cases := []string{
		`["onoff_backend"]`,
		`{"onoff_backend": "browser"}`,
		`{"onoff_backend": [""]}`,
		`{"onoff_backend": [42]}`,
		`not json at all`,
	}
	for _, c := range cases {
		_, err := LoadAllowances([]byte(c))
		assert.Error(t, err, c)
	}
}
