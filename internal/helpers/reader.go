package helpers

import (
	"fmt"
	"io"
)

// ReadAllLimited reads at most maxBytes from r and errors when the stream
// exceeds the limit. Response bodies from untrusted origins go through this
// so a hostile page cannot exhaust memory.
func ReadAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBytes)
	}
	return data, nil
}
