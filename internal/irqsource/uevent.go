package irqsource

import (
	"bytes"
	"strings"
)

// UeventVariable is the variable the kernel's vmgenid driver attaches to the
// change uevent it emits.
const UeventVariable = "NEW_VMGENID"

// ParseUevent splits a kernel uevent datagram into its header
// ("action@devpath") and variables.
func ParseUevent(msg []byte) (header string, vars map[string]string) {
	fields := bytes.Split(bytes.TrimRight(msg, "\x00"), []byte{0})
	vars = make(map[string]string)
	for i, field := range fields {
		if i == 0 && bytes.IndexByte(field, '@') >= 0 && bytes.IndexByte(field, '=') < 0 {
			header = string(field)
			continue
		}
		key, value, ok := strings.Cut(string(field), "=")
		if ok {
			vars[key] = value
		}
	}
	return header, vars
}

// IsGenerationChange reports whether a uevent announces a new generation ID.
func IsGenerationChange(msg []byte) bool {
	_, vars := ParseUevent(msg)
	return vars[UeventVariable] == "1"
}
