// Package ident generates the identifier formats used across Vigil documents.
package ident

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// suffixAlphabet excludes lookalike characters so ids survive being read
// aloud in an incident channel.
const suffixAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const suffixLength = 5

// NewIncidentID returns an id of the form INC-YYYY-XXXXX.
func NewIncidentID() string {
	return fmt.Sprintf("INC-%d-%s", time.Now().UTC().Year(), randomSuffix())
}

// NewActionID returns an id of the form ACT-YYYY-XXXXX.
func NewActionID() string {
	return fmt.Sprintf("ACT-%d-%s", time.Now().UTC().Year(), randomSuffix())
}

// NewMessageID returns a unique id for an A2A envelope.
func NewMessageID() string {
	return uuid.NewString()
}

func randomSuffix() string {
	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken; there is no
		// sensible degraded mode for id generation.
		panic(fmt.Sprintf("ident: reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(buf)
}
