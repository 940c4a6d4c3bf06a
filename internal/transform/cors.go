package transform

import (
	"io"
	"net/http"
	"sync"

	"github.com/corsfix/proxy/internal/request"
)

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32<<10)
		return &b
	},
}

// CORS streams the upstream body unmodified. Content-Encoding and
// Content-Length are preserved because the bytes are never decoded.
type CORS struct{}

func (c *CORS) Transform(w http.ResponseWriter, r *http.Request, resp *http.Response, rc *request.Context) error {
	h := w.Header()
	copyResponseHeader(h, resp.Header, rc, false)
	setCORS(h, rc)

	rc.Status = resp.StatusCode
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead || resp.Body == nil {
		return nil
	}

	n, err := streamBody(w, resp.Body)
	rc.BytesTransferred = n
	if err != nil {
		return &StreamError{Written: n, Err: err}
	}
	return nil
}

// streamBody copies src to w, flushing after every chunk so event streams
// and long polls are delivered as they arrive.
func streamBody(w http.ResponseWriter, src io.Reader) (int64, error) {
	bp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bp)
	buf := *bp

	flusher, _ := w.(http.Flusher)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
