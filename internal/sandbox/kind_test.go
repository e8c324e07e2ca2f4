package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "solution", KindSolution.String())
	assert.Equal(t, "status", KindStatus.String())
	assert.Equal(t, "kind(9)", Kind(9).String())

	k, err := ParseKind(" Status ")
	require.NoError(t, err)
	assert.Equal(t, KindStatus, k)

	k, err = ParseKind("solution")
	require.NoError(t, err)
	assert.Equal(t, KindSolution, k)

	_, err = ParseKind("exploit")
	assert.Error(t, err)
}
