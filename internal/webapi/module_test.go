package webapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportNames(t *testing.T) {
	names, err := ExportNames(`
		export function greet() {}
		export const answer = 42;
		export default { other() {} };
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"answer", "default", "greet"}, names)

	_, err = ExportNames(`export function (`)
	assert.ErrorContains(t, err, "parsing script")
}
