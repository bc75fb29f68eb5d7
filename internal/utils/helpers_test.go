package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", " YES ", "y", "on"} {
		assert.True(t, ParseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "nope"} {
		assert.False(t, ParseBool(v), v)
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("PULSE_CS_TEST_BOOL", "")
	assert.True(t, GetenvBool("PULSE_CS_TEST_BOOL", true))

	t.Setenv("PULSE_CS_TEST_BOOL", "false")
	assert.False(t, GetenvBool("PULSE_CS_TEST_BOOL", true))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "cloudstack.prod", SanitizeName("cloudstack.prod"))
	assert.Equal(t, "a_b_c", SanitizeName("a/b c"))
	assert.Equal(t, ".._etc", SanitizeName("../etc"))
}
