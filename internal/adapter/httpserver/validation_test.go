package httpserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTaskID(t *testing.T) {
	assert.True(t, ValidateTaskID("bj-east_2025").Valid)
	assert.True(t, ValidateTaskID("A1").Valid)

	for name, id := range map[string]string{
		"empty":     "",
		"too long":  strings.Repeat("a", 101),
		"slash":     "a/b",
		"dots":      "../etc",
		"space":     "a b",
		"cjk":       "任务一",
		"semicolon": "a;drop",
	} {
		res := ValidateTaskID(id)
		assert.False(t, res.Valid, name)
		assert.NotEmpty(t, res.Errors, name)
	}
}

func TestValidatePagination(t *testing.T) {
	assert.True(t, ValidatePagination("", "").Valid)
	assert.True(t, ValidatePagination("1", "100").Valid)
	assert.False(t, ValidatePagination("0", "").Valid)
	assert.False(t, ValidatePagination("x", "").Valid)
	assert.False(t, ValidatePagination("", "0").Valid)
	assert.False(t, ValidatePagination("", "101").Valid)
}
