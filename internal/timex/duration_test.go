package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", in: `"24h"`, want: 24 * time.Hour},
		{name: "nanoseconds", in: `1000000000`, want: time.Second},
		{name: "bad string", in: `"soon"`, wantErr: true},
		{name: "bool", in: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	var v struct {
		Interval Duration `yaml:"interval"`
		Raw      Duration `yaml:"raw"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("interval: 90s\nraw: 500\n"), &v))
	assert.Equal(t, 90*time.Second, v.Interval.Duration)
	assert.Equal(t, 500*time.Nanosecond, v.Raw.Duration)
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Duration{Duration: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"3s"`, string(b))
}
