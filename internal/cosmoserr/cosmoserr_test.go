package cosmoserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormatting(t *testing.T) {
	assert.Equal(t, "validation: dup_tags", NewValidation("dup_tags", nil).Error())
	assert.Equal(t, "workflow: boom", NewWorkflow("", errors.New("boom")).Error())
	assert.Equal(t, "task: missing_file: boom", NewTask("missing_file", errors.New("boom")).Error())
}

func TestIsKindMatchesOnlyItsOwnKind(t *testing.T) {
	err := NewValidation("dup_name", nil)
	assert.True(t, IsKind(err, Validation))
	assert.False(t, IsKind(err, Workflow))
	assert.False(t, IsKind(err, Task))
}

func TestIsKindFalseForPlainError(t *testing.T) {
	assert.False(t, IsKind(errors.New("plain"), Validation))
}

func TestUnwrapExposesWrappedError(t *testing.T) {
	inner := errors.New("root cause")
	err := NewWorkflow("cycle", inner)
	assert.True(t, errors.Is(err, inner))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "validation", Validation.String())
	assert.Equal(t, "workflow", Workflow.String())
	assert.Equal(t, "task", Task.String())
}
