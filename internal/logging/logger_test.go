package logging

import (
	"testing"

	"github.com/juju/loggo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggoLoggerRendersKeyvals(t *testing.T) {
	writer := &loggo.TestWriter{}
	ctx := loggo.NewContext(loggo.TRACE)
	require.NoError(t, ctx.AddWriter("test", writer))

	l := &loggoLogger{logger: ctx.GetLogger("tpc.test")}
	require.NoError(t, l.Log("level", "error", "msg", "completion failed", "res", -104, "userdata", 7))
	require.NoError(t, l.Log("msg", "started", "odd"))

	entries := writer.Log()
	require.Len(t, entries, 2)
	assert.Equal(t, loggo.ERROR, entries[0].Level)
	assert.Equal(t, "completion failed res=-104 userdata=7", entries[0].Message)
	assert.Equal(t, loggo.INFO, entries[1].Level)
	assert.Equal(t, "started odd=(MISSING)", entries[1].Message)
}

func TestNopLogger(t *testing.T) {
	assert.NoError(t, Nop().Log("level", "error", "msg", "ignored"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, loggo.WARNING, parseLevel("warn"))
	assert.Equal(t, loggo.DEBUG, parseLevel("DEBUG"))
	assert.Equal(t, loggo.INFO, parseLevel("whatever"))
}
