package memory

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a record id of the form <cat>-<unix millis>-<6 random chars>.
func NewID(category string, now time.Time) string {
	prefix := category
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	suffix, err := gonanoid.Generate(idAlphabet, 6)
	if err != nil {
		suffix = fmt.Sprintf("%06d", now.Nanosecond()%1000000)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), suffix)
}

// DefaultEvent derives an event label from content when none was given.
func DefaultEvent(content string) string {
	if content == "" {
		content = "unnamed memory"
	}
	r := []rune(content)
	if len(r) > 80 {
		r = r[:80]
	}
	return string(r)
}
