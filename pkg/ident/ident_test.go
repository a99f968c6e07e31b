package ident

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIncidentIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(fmt.Sprintf(`^INC-%d-[A-Z2-9]{5}$`, time.Now().UTC().Year()))
	for i := 0; i < 50; i++ {
		id := NewIncidentID()
		assert.Regexp(t, pattern, id)
	}
}

func TestNewActionIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(fmt.Sprintf(`^ACT-%d-[A-Z2-9]{5}$`, time.Now().UTC().Year()))
	assert.Regexp(t, pattern, NewActionID())
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewIncidentID()
		require.False(t, seen[id], "duplicate id %s after %d draws", id, i)
		seen[id] = true
	}
}

func TestNewMessageIDIsUUID(t *testing.T) {
	assert.Regexp(t, `^[0-9a-f-]{36}$`, NewMessageID())
}
