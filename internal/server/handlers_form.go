package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const (
	defaultFormMarker   = "FB_PUBLIC_LOAD_DATA_"
	defaultFormTimeout  = 10 * time.Second
	defaultFormMaxBytes = 5 << 20
	maxFormRedirects    = 5
)

// formProxy fetches public form documents on behalf of the browser.
type formProxy struct {
	marker   []byte
	maxBytes int64
	client   *http.Client
	validate func(string) (*url.URL, error)
}

func newFormProxy(marker string, timeout time.Duration, maxBytes int64, client *http.Client) formProxy {
	if marker == "" {
		marker = defaultFormMarker
	}
	if timeout <= 0 {
		timeout = defaultFormTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultFormMaxBytes
	}
	if client == nil {
		client = newFormClient(timeout)
	}
	return formProxy{
		marker:   []byte(marker),
		maxBytes: maxBytes,
		client:   client,
		validate: model.ValidateFormURL,
	}
}

// newFormClient returns a traced client that refuses to connect to private
// addresses, including ones reached through DNS or a redirect.
func newFormClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || model.IsPrivateIP(ip) || ip.IsUnspecified() || ip.IsMulticast() {
				return fmt.Errorf("refusing to connect to non-public address %s", host)
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxFormRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFormRedirects)
			}
			_, err := model.ValidateFormURL(req.URL.String())
			return err
		},
	}
}

// errFormUpstream marks fetch failures whose message is safe to return.
type errFormUpstream struct{ msg string }

func (e *errFormUpstream) Error() string { return e.msg }

func upstreamf(format string, args ...any) error {
	return &errFormUpstream{msg: fmt.Sprintf(format, args...)}
}

// fetch GETs u and returns the document when it is a 2xx response containing
// the marker.
func (p formProxy) fetch(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", upstreamf("failed to build form request: %v", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "voxdesk-form-proxy/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return "", upstreamf("form fetch timed out")
		}
		return "", upstreamf("failed to fetch form: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", upstreamf("form fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return "", upstreamf("failed to read form: %v", err)
	}
	if int64(len(body)) > p.maxBytes {
		return "", upstreamf("form document exceeds %d bytes", p.maxBytes)
	}
	if !bytes.Contains(body, p.marker) {
		return "", upstreamf("document does not contain public form data")
	}
	return string(body), nil
}

// HandleForm handles POST /api/form. The URL must be public http(s); the
// fetched document must carry the form data marker.
func (h *Handlers) HandleForm(w http.ResponseWriter, r *http.Request) {
	var req model.FormRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	u, err := h.form.validate(strings.TrimSpace(req.URL))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	html, err := h.form.fetch(r.Context(), u)
	if err != nil {
		h.metrics.FormRelay(r.Context(), false)
		var up *errFormUpstream
		if errors.As(err, &up) {
			h.logger.Warn("form proxy upstream failure", "host", u.Host, "error", err,
				"request_id", requestID(r))
			writeError(w, r, http.StatusInternalServerError, model.KindUpstream, up.msg)
			return
		}
		h.writeInternalError(w, r, "failed to fetch form", err)
		return
	}
	h.metrics.FormRelay(r.Context(), true)
	writeJSON(w, r, http.StatusOK, model.FormResponse{HTML: html})
}
