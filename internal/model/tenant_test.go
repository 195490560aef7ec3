package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrdinal(t *testing.T) {
	assert.Equal(t, 0, StatusPending.Ordinal())
	assert.Equal(t, len(PipelineOrder)-1, StatusActive.Ordinal())

	// Pipeline states are strictly ordered.
	for i := 1; i < len(PipelineOrder); i++ {
		assert.Greater(t, PipelineOrder[i].Ordinal(), PipelineOrder[i-1].Ordinal())
	}

	assert.Equal(t, -1, StatusFailed.Ordinal())
	assert.Equal(t, -1, StatusRollingBack.Ordinal())
	assert.Equal(t, -1, StatusDeleted.Ordinal())
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusActive.Terminal())
	assert.True(t, StatusDeleted.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestResourceOrderCoversAllKeys(t *testing.T) {
	assert.Equal(t, []string{
		ResourceOrganization,
		ResourceAdminClient,
		ResourceAdminUser,
		ResourceDatabase,
		ResourceMigration,
		ResourceHeadOffice,
	}, ResourceOrder)
}
