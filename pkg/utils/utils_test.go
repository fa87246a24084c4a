package utils

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnv(t *testing.T) {
	t.Setenv("CHAT_STR", "x")
	t.Setenv("CHAT_INT", "12")
	t.Setenv("CHAT_BAD_INT", "-3")
	t.Setenv("CHAT_UINT64", "18446744073709551615")
	t.Setenv("CHAT_BOOL", "true")
	t.Setenv("CHAT_DUR", "1m30s")
	t.Setenv("CHAT_LIST", " http://a , ,http://b")

	assert.Equal(t, "x", Env("CHAT_STR", "d"))
	assert.Equal(t, "d", Env("CHAT_MISSING", "d"))
	assert.Equal(t, 12, EnvInt("CHAT_INT", 1))
	assert.Equal(t, 1, EnvInt("CHAT_BAD_INT", 1))
	assert.Equal(t, uint64(18446744073709551615), EnvUint64("CHAT_UINT64", 0))
	assert.True(t, EnvBool("CHAT_BOOL", false))
	assert.True(t, EnvBool("CHAT_MISSING", true))
	assert.Equal(t, 90*time.Second, EnvDuration("CHAT_DUR", time.Second))
	assert.Equal(t, time.Second, EnvDuration("CHAT_MISSING", time.Second))
	assert.Equal(t, []string{"http://a", "http://b"}, EnvList("CHAT_LIST"))
	assert.Empty(t, EnvList("CHAT_MISSING"))
}

func TestDedup(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, Dedup([]string{"http://a/", "http://b", "http://a"}))
	assert.Empty(t, Dedup(nil))
}

func TestDrainAndClose(t *testing.T) {
	assert.NoError(t, DrainAndClose(nil))
	assert.NoError(t, DrainAndClose(io.NopCloser(strings.NewReader("body"))))
}
