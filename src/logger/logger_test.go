package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false, "")

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Equal(t, WARN, l.GetLevel())
	assert.False(t, l.IsLevelEnabled(DEBUG))
}

func TestPrefixAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false, "").WithPrefix("Sender").WithField("call_id", "abc")

	l.Debug("frame sent")

	out := buf.String()
	assert.Contains(t, out, "[Sender] frame sent")
	assert.Contains(t, out, "call_id=abc")
}

func TestSetLevelIsShared(t *testing.T) {
	var buf bytes.Buffer
	parent := New(INFO, &buf, false, "")
	child := parent.WithPrefix("Child")

	parent.SetLevel(DEBUG)
	child.Debug("now visible")

	assert.Contains(t, buf.String(), "now visible")
}

func TestThrottledLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false, "").Throttled(time.Hour)

	for i := 0; i < 10; i++ {
		l.Warn("dropped chunk %d", i)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "dropped chunk"))
	assert.Contains(t, buf.String(), "dropped chunk 0")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "WARN", WARN.String())
}
