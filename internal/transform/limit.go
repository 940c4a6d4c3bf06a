package transform

import (
	"bytes"
	"fmt"
	"io"

	cferrors "github.com/corsfix/proxy/internal/errors"
)

// DefaultLimit caps buffered (text-only and JSONP) bodies.
const DefaultLimit = 1 << 20

// ReadLimited reads r to the end, failing with response_too_large as soon
// as more than limit bytes have been seen.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, cferrors.Wrap(fmt.Errorf("body exceeds %d bytes", limit), cferrors.ResponseTooLarge)
	}
	return buf.Bytes(), nil
}
