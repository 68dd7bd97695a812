package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("transit")
	logger.Debug().Int("attempt", 1).Msg("retrying")
	logger.Info().Msg("done")

	out := buf.String()
	assert.Contains(t, out, `"component":"transit"`)
	assert.Contains(t, out, `"attempt":1`)
	assert.Contains(t, out, `"message":"retrying"`)
	assert.Contains(t, out, `"message":"done"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("quiet")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}
