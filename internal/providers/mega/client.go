package mega

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cloudrelay/internal/domain"
)

const (
	DefaultAPIURL = "https://g.api.mega.co.nz"

	maxReplyBytes = 32 << 20
)

// apiError is a negative status code returned by the MEGA API.
type apiError int

const (
	errInternal    apiError = -1
	errArgs        apiError = -2
	errAgain       apiError = -3
	errRateLimit   apiError = -4
	errNotExist    apiError = -9
	errAccess      apiError = -11
	errKey         apiError = -14
	errBlocked     apiError = -16
	errOverQuota   apiError = -17
	errTempUnavail apiError = -18
)

func (e apiError) Error() string {
	switch e {
	case errArgs:
		return "mega: EARGS"
	case errAgain:
		return "mega: EAGAIN"
	case errRateLimit:
		return "mega: ERATELIMIT"
	case errNotExist:
		return "mega: ENOENT"
	case errAccess:
		return "mega: EACCESS"
	case errKey:
		return "mega: EKEY"
	case errBlocked:
		return "mega: EBLOCKED"
	case errOverQuota:
		return "mega: EOVERQUOTA"
	case errTempUnavail:
		return "mega: ETEMPUNAVAIL"
	default:
		return "mega: API error " + strconv.Itoa(int(e))
	}
}

func (e apiError) transient() bool {
	return e == errAgain || e == errRateLimit || e == errTempUnavail || e == errInternal
}

// classify maps an API code onto the relay error taxonomy.
func (e apiError) classify() error {
	switch e {
	case errNotExist, errAccess, errBlocked:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, e)
	case errArgs, errKey:
		return fmt.Errorf("%w: %w", domain.ErrInvalidLocator, e)
	default:
		return domain.Upstream(providerName, e)
	}
}

// httpStatusError is a non-200 reply of the API endpoint itself.
type httpStatusError int

func (e httpStatusError) Error() string { return "mega: API HTTP " + strconv.Itoa(int(e)) }

type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

type apiClient struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	retry   retryPolicy
	seq     atomic.Uint64
}

func newAPIClient(client *http.Client, base string, rps float64, retry retryPolicy) *apiClient {
	if rps <= 0 {
		rps = 5
	}
	c := &apiClient{
		http:    client,
		base:    strings.TrimRight(base, "/"),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		retry:   retry,
	}
	c.seq.Store(uint64(rand.Uint32()))
	return c
}

// call sends one command and decodes its reply into out. folder scopes the
// call to a public folder share. Transient failures are retried with
// exponential backoff and jitter.
func (c *apiClient) call(ctx context.Context, folder string, cmd any, out any) error {
	body, err := json.Marshal([]any{cmd})
	if err != nil {
		return err
	}

	attempts := c.retry.attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.retry.initial
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var reply json.RawMessage
		reply, lastErr = c.post(ctx, folder, body)
		if lastErr == nil {
			lastErr = decodeReply(reply, out)
		}
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == attempts-1 {
			break
		}

		wait := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
		if c.retry.max > 0 && wait > c.retry.max {
			wait = c.retry.max
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Upstream(providerName, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}

	var code apiError
	if errors.As(lastErr, &code) {
		return code.classify()
	}
	return domain.Upstream(providerName, lastErr)
}

func (c *apiClient) post(ctx context.Context, folder string, body []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("id", strconv.FormatUint(c.seq.Add(1), 10))
	if folder != "" {
		q.Set("n", folder)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/cs?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, httpStatusError(resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// decodeReply unpacks "[result]" or a bare error code such as "-3".
func decodeReply(payload []byte, out any) error {
	payload = bytes.TrimSpace(payload)
	if code, ok := errorCode(payload); ok {
		return code
	}
	var results []json.RawMessage
	if err := json.Unmarshal(payload, &results); err != nil {
		return fmt.Errorf("mega: decode reply: %w", err)
	}
	if len(results) == 0 {
		return errors.New("mega: empty reply")
	}
	if code, ok := errorCode(results[0]); ok {
		return code
	}
	if err := json.Unmarshal(results[0], out); err != nil {
		return fmt.Errorf("mega: decode result: %w", err)
	}
	return nil
}

func errorCode(raw []byte) (apiError, bool) {
	v, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, false
	}
	if v >= 0 {
		return 0, false
	}
	return apiError(v), true
}

func isTransient(err error) bool {
	var code apiError
	if errors.As(err, &code) {
		return code.transient()
	}
	var status httpStatusError
	if errors.As(err, &status) {
		return int(status) >= 500 || int(status) == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

type fileInfoCmd struct {
	A   string `json:"a"`
	G   int    `json:"g,omitempty"`
	SSL int    `json:"ssl,omitempty"`
	P   string `json:"p,omitempty"`
	N   string `json:"n,omitempty"`
}

type fileInfo struct {
	Size        int64  `json:"s"`
	Attrs       string `json:"at"`
	DownloadURL string `json:"g"`
}

type listCmd struct {
	A  string `json:"a"`
	C  int    `json:"c"`
	CA int    `json:"ca"`
	R  int    `json:"r"`
}

type listing struct {
	Nodes []rawNode `json:"f"`
}

type rawNode struct {
	Handle string `json:"h"`
	Parent string `json:"p"`
	Type   int    `json:"t"`
	Attrs  string `json:"a"`
	Key    string `json:"k"`
	Size   int64  `json:"s"`
}

// publicFile fetches size, attributes and optionally a download URL of a
// file link.
func (c *apiClient) publicFile(ctx context.Context, handle string, download bool) (fileInfo, error) {
	cmd := fileInfoCmd{A: "g", P: handle}
	if download {
		cmd.G, cmd.SSL = 1, 2
	}
	var info fileInfo
	err := c.call(ctx, "", cmd, &info)
	return info, err
}

// folderFile fetches a download URL of one node inside a folder share.
func (c *apiClient) folderFile(ctx context.Context, folder, node string) (fileInfo, error) {
	var info fileInfo
	err := c.call(ctx, folder, fileInfoCmd{A: "g", G: 1, SSL: 2, N: node}, &info)
	return info, err
}

func (c *apiClient) listFolder(ctx context.Context, folder string) ([]rawNode, error) {
	var l listing
	if err := c.call(ctx, folder, listCmd{A: "f", C: 1, CA: 1, R: 1}, &l); err != nil {
		return nil, err
	}
	return l.Nodes, nil
}
