package logging

import (
	"bytes"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToInformational(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Writer: &buf})
	require.NotNil(t, log)

	log.Debug().Log("should be filtered out")
	assert.Empty(t, buf.String(), "Debug is below the default Informational level")

	log.Notice().Log("should be logged")
	assert.NotEmpty(t, buf.String())
}

func TestNew_ExplicitLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := logiface.LevelDebug
	log := New(Config{Writer: &buf, Level: &lvl})

	log.Debug().Log("now visible")
	assert.NotEmpty(t, buf.String())
}

func TestNew_ExplicitEmergencyIsNotConfusedWithUnset(t *testing.T) {
	// LevelEmergency is the zero value of logiface.Level; Config.Level being
	// a pointer must still distinguish it from "not configured" (which
	// defaults to LevelInformational, a much more permissive level).
	var buf bytes.Buffer
	lvl := logiface.LevelEmergency
	log := New(Config{Writer: &buf, Level: &lvl})

	log.Notice().Log("above emergency, must be filtered")
	assert.Empty(t, buf.String())

	log.Emerg().Log("at emergency, must log")
	assert.NotEmpty(t, buf.String())
}

func TestNop_DiscardsEverything(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	// Nop must not panic and must produce no observable output; there is no
	// writer to assert against directly, so this exercises every level.
	log.Emerg().Log("x")
	log.Err().Log("x")
	log.Info().Log("x")
	log.Trace().Log("x")
}
