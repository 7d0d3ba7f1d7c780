package sessionlifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianctl/agentctl/pkg/types"
)

func TestIsPrimaryPipeline(t *testing.T) {
	primary := []string{"ci/build", "ci/test"}

	assert.True(t, isPrimaryPipeline("ci/build", primary))
	assert.False(t, isPrimaryPipeline("ci/lint", primary))
}

func TestNearestPipelineNameHintsOnTypo(t *testing.T) {
	primary := []string{"ci/build", "ci/test"}

	assert.Equal(t, "ci/test", nearestPipelineName("ci/tset", primary))
	assert.Equal(t, "", nearestPipelineName("docs/lint", primary), "unrelated pipeline name should not get a hint")
}

func TestIsDuplicateCommit(t *testing.T) {
	sess := &types.Session{LastReviewedCommit: "abc123"}

	assert.True(t, IsDuplicateCommit(sess, "abc123"))
	assert.False(t, IsDuplicateCommit(sess, "def456"))
	assert.False(t, IsDuplicateCommit(sess, ""), "an empty commit is never a duplicate")
	assert.False(t, IsDuplicateCommit(&types.Session{}, "abc123"))
}
