package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func int64p(v int64) *int64 { return &v }

func TestNew_NilContractAlwaysAllows(t *testing.T) {
	e := New(nil)
	ok, warned, _ := e.ConsumeToolBytes(1_000_000)
	assert.True(t, ok)
	assert.False(t, warned)
}

func TestConsumeToolBytes_ContinueOnExceed(t *testing.T) {
	e := New(&Contract{MaxToolBytes: int64p(10), OnExceed: OnExceedContinue})
	ok, warned, reason := e.ConsumeToolBytes(20)
	assert.True(t, ok)
	assert.False(t, warned)
	assert.NotEmpty(t, reason)
}

func TestConsumeToolBytes_WarnOnExceed(t *testing.T) {
	e := New(&Contract{MaxToolBytes: int64p(10), OnExceed: OnExceedWarn})
	ok, warned, reason := e.ConsumeToolBytes(20)
	assert.True(t, ok)
	assert.True(t, warned)
	assert.NotEmpty(t, reason)
}

func TestConsumeToolBytes_FailOnExceed(t *testing.T) {
	e := New(&Contract{MaxToolBytes: int64p(10), OnExceed: OnExceedFail})
	ok, warned, reason := e.ConsumeToolBytes(20)
	assert.False(t, ok)
	assert.False(t, warned)
	assert.NotEmpty(t, reason)
}

func TestConsumeToolBytes_AccumulatesAcrossCalls(t *testing.T) {
	e := New(&Contract{MaxToolBytes: int64p(10), OnExceed: OnExceedFail})
	ok, _, _ := e.ConsumeToolBytes(6)
	assert.True(t, ok)
	ok, _, _ = e.ConsumeToolBytes(5)
	assert.False(t, ok)
}

func TestConsumeModelCall_FailOnExceed(t *testing.T) {
	e := New(&Contract{MaxModelCalls: int64p(1), OnExceed: OnExceedFail})
	ok, _, _ := e.ConsumeModelCall()
	assert.True(t, ok)
	ok, _, _ = e.ConsumeModelCall()
	assert.False(t, ok)
}
