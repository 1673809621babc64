// Package inference is the HTTPS client of remote model servers: it posts
// input archives, polls for completed outputs, and deletes remote state.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Outcome classifies a Get response.
type Outcome int

const (
	// OutcomeReady means the output archive was returned.
	OutcomeReady Outcome = iota
	// OutcomePending means the server is still working (551 or 554).
	OutcomePending
	// OutcomeFailed means the server failed terminally (500, 405, 552, or 553).
	OutcomeFailed
	// OutcomeTransient covers every other non-2xx status. The caller keeps
	// polling.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomePending:
		return "pending"
	case OutcomeFailed:
		return "failed"
	default:
		return "transient"
	}
}

// Client talks to inference servers over HTTPS.
type Client struct {
	http *http.Client
}

// NewClient builds a Client verifying server certificates per the trust
// root. Timeout bounds each request, including the streamed upload.
func NewClient(trust TrustRoot, timeout time.Duration) (*Client, error) {
	var tlsConfig, err = trust.tlsConfig()
	if err != nil {
		return nil, err
	}
	var transport = http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &Client{http: &http.Client{Timeout: timeout, Transport: transport}}, nil
}

// Post streams the archive to the server as a multipart upload under the
// form name "tar_file", identifying the model by the human_readable_id query
// parameter. It returns the uid assigned by the server.
func (c *Client) Post(ctx context.Context, serverURL, humanReadableID, archivePath string) (string, error) {
	var file, err = os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("opening input archive: %w", err)
	}
	defer file.Close()

	var pr, pw = io.Pipe()
	var mw = multipart.NewWriter(pw)
	go func() {
		var part, err = mw.CreateFormFile("tar_file", filepath.Base(archivePath))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	var query = u.Query()
	query.Set("human_readable_id", humanReadableID)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("post", "error").Inc()
		return "", fmt.Errorf("posting archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		requestsTotal.WithLabelValues("post", "error").Inc()
		return "", fmt.Errorf("posting archive: %s", respError(resp))
	}
	var uid string
	if err = json.NewDecoder(resp.Body).Decode(&uid); err != nil {
		requestsTotal.WithLabelValues("post", "error").Inc()
		return "", fmt.Errorf("decoding post response: %w", err)
	}
	requestsTotal.WithLabelValues("post", "ok").Inc()
	return uid, nil
}

// Get polls for the output of a posted upload. On OutcomeReady the returned
// bytes are the output archive.
func (c *Client) Get(ctx context.Context, serverURL, uid string) (Outcome, []byte, error) {
	var u = strings.TrimSuffix(serverURL, "/") + "/outputs/?uid=" + url.QueryEscape(uid)
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return OutcomeTransient, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("get", "error").Inc()
		return OutcomeTransient, nil, fmt.Errorf("querying output: %w", err)
	}
	defer resp.Body.Close()

	var outcome Outcome
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		outcome = OutcomeReady
	case resp.StatusCode == 551 || resp.StatusCode == 554:
		outcome = OutcomePending
	case resp.StatusCode == 500 || resp.StatusCode == 405 ||
		resp.StatusCode == 552 || resp.StatusCode == 553:
		outcome = OutcomeFailed
	default:
		outcome = OutcomeTransient
		log.WithFields(log.Fields{
			"uid":    uid,
			"status": resp.StatusCode,
		}).Warn("unexpected inference server status")
	}
	requestsTotal.WithLabelValues("get", outcome.String()).Inc()

	if outcome != OutcomeReady {
		return outcome, nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return OutcomeTransient, nil, fmt.Errorf("reading output archive: %w", err)
	}
	return OutcomeReady, body, nil
}

// Delete removes the remote state held for a uid.
func (c *Client) Delete(ctx context.Context, serverURL, uid string) error {
	var u = strings.TrimSuffix(serverURL, "/") + "/?uid=" + url.QueryEscape(uid)
	var req, err = http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("deleting remote upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		requestsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("deleting remote upload: %s", respError(resp))
	}
	requestsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// respError summarizes a non-2xx response for error messages.
func respError(resp *http.Response) string {
	var body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
}
