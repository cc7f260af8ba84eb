package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorKind_KnownKinds(t *testing.T) {
	cat, sev := ClassifyErrorKind(ErrToolNotAllowlisted)
	assert.Equal(t, CategoryAuthorization, cat)
	assert.Equal(t, SeverityHigh, sev)

	cat, sev = ClassifyErrorKind(ErrLimitsNotSpecified)
	assert.Equal(t, CategoryConfig, cat)
	assert.Equal(t, SeverityMedium, sev)
}

func TestClassifyErrorKind_UnknownKindFailsLoud(t *testing.T) {
	cat, sev := ClassifyErrorKind(ErrorKind("not_a_real_kind"))
	assert.Equal(t, CategoryOther, cat)
	assert.Equal(t, SeverityHigh, sev)
}

func TestIsFatalSeverity(t *testing.T) {
	assert.False(t, IsFatalSeverity(SeverityInfo))
	assert.False(t, IsFatalSeverity(SeverityLow))
	assert.False(t, IsFatalSeverity(SeverityMedium))
	assert.True(t, IsFatalSeverity(SeverityHigh))
	assert.True(t, IsFatalSeverity(SeverityCritical))
}
