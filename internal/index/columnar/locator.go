package columnar

import (
	"fmt"
	"strconv"
	"strings"
)

// locatorScheme marks a content locator as a segment range fetch rather than
// a replay URL.
const locatorScheme = "seg://"

// Locator addresses one gzip-wrapped capture envelope inside a segment file.
type Locator struct {
	Filename string
	Offset   int64
	Length   int64
}

// Encode renders the locator as seg://<filename>#<offset>-<length>.
func (l Locator) Encode() string {
	return fmt.Sprintf("%s%s#%d-%d", locatorScheme, l.Filename, l.Offset, l.Length)
}

// ParseLocator decodes a segment locator. ok is false for locators that use
// another scheme (e.g. plain replay URLs).
func ParseLocator(raw string) (Locator, bool) {
	if !strings.HasPrefix(raw, locatorScheme) {
		return Locator{}, false
	}
	rest := strings.TrimPrefix(raw, locatorScheme)
	hash := strings.LastIndexByte(rest, '#')
	if hash <= 0 {
		return Locator{}, false
	}
	span := strings.SplitN(rest[hash+1:], "-", 2)
	if len(span) != 2 {
		return Locator{}, false
	}
	offset, err := strconv.ParseInt(span[0], 10, 64)
	if err != nil || offset < 0 {
		return Locator{}, false
	}
	length, err := strconv.ParseInt(span[1], 10, 64)
	if err != nil || length <= 0 {
		return Locator{}, false
	}
	return Locator{Filename: rest[:hash], Offset: offset, Length: length}, true
}
