package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

func TestInitJSONOutputParsesLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be filtered")
	Logger.Warn().Msg("should appear")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &line))
	assert.Equal(t, "should appear", line["message"])
	assert.Equal(t, "warn", line["level"])
}

func TestInitInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "not-a-level", JSONOutput: true, Output: &buf})

	Logger.Info().Msg("info still logs")

	assert.Contains(t, buf.String(), "info still logs")
}

func TestWithWorkerBugHostAttachFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", JSONOutput: true, Output: &buf})

	WithWorker(tattootypes.Worker{Name: "box1", Arch: "amd64"}).Info().Msg("worker line")
	WithBug(1234).Info().Msg("bug line")
	WithHost("host.example").Info().Msg("host line")

	out := buf.String()
	assert.Contains(t, out, `"worker":"box1"`)
	assert.Contains(t, out, `"arch":"amd64"`)
	assert.Contains(t, out, `"bug_no":1234`)
	assert.Contains(t, out, `"host":"host.example"`)
}
