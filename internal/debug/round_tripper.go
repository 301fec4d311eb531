package debug

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
)

// RoundTripper wraps upstream so that requests and responses are written to
// the debug log, and response bodies closed before being read completely are
// reported. Without debug logging upstream is returned unchanged.
func RoundTripper(upstream http.RoundTripper) http.RoundTripper {
	if !state.enabled {
		return upstream
	}
	return &tracingTransport{upstream: upstream}
}

type tracingTransport struct {
	upstream http.RoundTripper
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, false); err == nil {
		Log("HTTP request:\n%s", dump)
	}

	res, err := t.upstream.RoundTrip(req)
	if err != nil {
		Log("HTTP %v %v failed: %v", req.Method, req.URL, err)
		return res, err
	}

	if dump, err := httputil.DumpResponse(res, false); err == nil {
		Log("HTTP response:\n%s", dump)
	}
	if res.Body != nil {
		res.Body = &drainCheck{ReadCloser: res.Body, url: req.URL.String()}
	}
	return res, nil
}

// drainCheck complains when a response body is closed with data left in it,
// which prevents reusing the connection.
type drainCheck struct {
	io.ReadCloser
	url string
	eof bool
}

func (d *drainCheck) Read(p []byte) (int, error) {
	n, err := d.ReadCloser.Read(p)
	if err == io.EOF {
		d.eof = true
	}
	return n, err
}

func (d *drainCheck) Close() error {
	if !d.eof {
		rest, err := io.ReadAll(d.ReadCloser)
		if len(rest) > 0 || err != nil {
			msg := fmt.Sprintf("body of %v not drained, %d bytes left", d.url, len(rest))
			if err != nil {
				msg += fmt.Sprintf(" (%v)", err)
			}
			fmt.Fprintln(os.Stderr, msg)
			Log("%s", msg)
		}
	}
	return d.ReadCloser.Close()
}
