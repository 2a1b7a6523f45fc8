package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeClasses(t *testing.T) {
	cases := []struct {
		code  Code
		class Class
	}{
		{CodeUpstreamUnavailable, ClassTransient},
		{CodeThrottled, ClassTransient},
		{CodeMissingShard, ClassConfiguration},
		{CodeRetentionGap, ClassConfiguration},
		{CodeMalformedRecord, ClassValidation},
		{CodeWriteUnconfirmed, ClassDurability},
		{CodeCanceled, ClassCanceled},
		{CodeUnknown, ClassUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.class, tc.code.Class(), string(tc.code))
	}
}

func TestClassificationThroughWrapping(t *testing.T) {
	base := Configuration(CodeMissingTopic, "topic not provisioned").WithContext("topic", "quotes")
	wrapped := fmt.Errorf("read failed: %w", base)

	assert.True(t, IsConfiguration(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, CodeMissingTopic, GetCode(wrapped))
	assert.Contains(t, wrapped.Error(), "topic=quotes")
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(CodeThrottled, nil, "slow down")))
	assert.True(t, IsRetryable(Durability(CodeWriteUnconfirmed, stderrors.New("timeout"), "put")))
	assert.True(t, IsRetryable(stderrors.New("connection reset")))
	assert.False(t, IsRetryable(Validation(CodeMissingField, "source_id")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("op: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(nil))
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(stderrors.New("boom"), CodeWriteUnconfirmed, "put object")
	assert.True(t, Is(err, New(CodeWriteUnconfirmed, "")))
	assert.False(t, Is(err, New(CodeCursorSave, "")))
	assert.Nil(t, Wrap(nil, CodeCursorSave, "noop"))
}

func TestErrorContextIsOrdered(t *testing.T) {
	err := New(CodeInvalidField, "bad").WithContext("b", 2).WithContext("a", 1)
	assert.Equal(t, "[E303] bad (a=1, b=2)", err.Error())
}

func TestMultiError(t *testing.T) {
	var m MultiError
	assert.Nil(t, m.Combined())

	m.Add(nil)
	m.Add(Validation(CodeMissingField, "payload"))
	assert.True(t, IsValidation(m.Combined()))

	m.Add(stderrors.New("second"))
	assert.True(t, m.HasErrors())
	assert.Contains(t, m.Error(), "2 errors occurred")
	assert.True(t, IsValidation(&m))
}
