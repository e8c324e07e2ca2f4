package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=two", "C="}, EnvList(map[string]string{"C": "", "B": "two", "A": "1"}))

	empty := EnvList(nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBasename(t *testing.T) {
	tests := map[string]string{
		"ghcr.io/org/chal:v2":     "chal",
		"localchal":               "localchal",
		"sample:latest":           "sample",
		"registry.local/web":      "web",
		"docker.io/library/nginx": "nginx",
	}
	for ref, want := range tests {
		t.Run(ref, func(t *testing.T) {
			assert.Equal(t, want, Basename(ref))
		})
	}
}
