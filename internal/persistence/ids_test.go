package persistence_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basket/polecat/internal/persistence"
)

func TestValidateTaskID(t *testing.T) {
	valid := []string{"ab", "app-1", "aops-a1b2c3d4", "20260119-my-task", "snake_case_9"}
	for _, id := range valid {
		assert.NoError(t, persistence.ValidateTaskID(id), id)
	}

	invalid := []string{
		"",
		"a",
		strings.Repeat("a", 101),
		"../etc/passwd",
		"a/b",
		`a\b`,
		"a@{1}",
		"a b",
		"a\nb",
		"-leading",
		"trailing-",
		"UPPER",
		"HEAD",
		"main",
		"Origin",
		"fetch_head",
		"a.b",
	}
	for _, id := range invalid {
		assert.ErrorIs(t, persistence.ValidateTaskID(id), persistence.ErrInvalidTask, "%q", id)
	}
}

func TestNewTaskID(t *testing.T) {
	a := persistence.NewTaskID("App")
	b := persistence.NewTaskID("App")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "app-"))
	assert.NoError(t, persistence.ValidateTaskID(a))
}
