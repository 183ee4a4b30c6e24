package foundry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultBranch is used when an alias does not name a branch.
const DefaultBranch = "master"

// Client is a minimal HTTP client for the dataset endpoints a transform session needs:
// reading a table as CSV and writing one file through a SNAPSHOT transaction.
type Client struct {
	apiBaseURL *url.URL
	token      string
	http       *http.Client
}

// NewClient constructs a client for the Foundry API gateway.
//
// apiGatewayURL should look like "https://<stack>.palantirfoundry.com/api".
// defaultCAPath is optional and, when provided, is used as the trust store for TLS.
func NewClient(apiGatewayURL, token, defaultCAPath string) (*Client, error) {
	apiBase, err := parseBaseURL(apiGatewayURL, "api gateway")
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		apiBaseURL: apiBase,
		token:      strings.TrimSpace(token),
		http:       hc,
	}, nil
}

func parseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// Ensure the base path ends with a slash so ResolveReference treats it as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(defaultCAPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(defaultCAPath))
		if err != nil {
			return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	// No client-wide timeout: table reads stream bodies that can take longer than any fixed bound.
	// Callers bound requests with ctx.
	return &http.Client{Transport: tr}, nil
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	accept      string
	contentType string
	body        io.Reader
}

// send performs r and returns the response when it is 2xx. Non-2xx responses are drained into an
// *HTTPError.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	u := c.resolveAPI(r.path)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), r.body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer func() {
			_ = resp.Body.Close()
		}()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newHTTPError(r.op, resp, b)
	}
	return resp, nil
}

// call performs r and decodes a JSON response into out when out is non-nil.
func (c *Client) call(ctx context.Context, r request, out any) error {
	resp, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s response: %w", r.op, err)
	}
	return nil
}

type branchResponse struct {
	Name           string `json:"name"`
	BranchID       string `json:"branchId"`
	TransactionRID string `json:"transactionRid"`
}

// branchTransactionRID returns the most recent OPEN or COMMITTED transaction on the branch, which
// pins readTable to one snapshot.
func (c *Client) branchTransactionRID(ctx context.Context, datasetRID, branch string) (string, error) {
	datasetRID = strings.TrimSpace(datasetRID)
	if datasetRID == "" {
		return "", fmt.Errorf("dataset rid is required")
	}
	var out branchResponse
	err := c.call(ctx, request{
		op:     "getBranch",
		method: http.MethodGet,
		path:   fmt.Sprintf("v2/datasets/%s/branches/%s", url.PathEscape(datasetRID), url.PathEscape(branchOrDefault(branch))),
		accept: "application/json",
	}, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.TransactionRID), nil
}

// OpenTable streams the dataset as CSV, pinned to the branch's latest transaction.
// The caller must close the returned body.
func (c *Client) OpenTable(ctx context.Context, datasetRID, branch string) (io.ReadCloser, error) {
	branch = branchOrDefault(branch)
	txnRID, err := c.branchTransactionRID(ctx, datasetRID, branch)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("branchName", branch)
	if txnRID != "" {
		q.Set("startTransactionRid", txnRID)
		q.Set("endTransactionRid", txnRID)
	}
	q.Set("format", "CSV")

	resp, err := c.send(ctx, request{
		op:     "readTable",
		method: http.MethodGet,
		path:   fmt.Sprintf("v2/datasets/%s/readTable", url.PathEscape(datasetRID)),
		query:  q,
		accept: "text/csv",
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type createTxnRequest struct {
	TransactionType string `json:"transactionType"`
}

type createTxnResponse struct {
	// Foundry returns a Transaction object with a transaction RID.
	RID string `json:"rid"`

	// Legacy: some mocks may return transactionId.
	TransactionID string `json:"transactionId"`
}

// CreateTransaction opens a SNAPSHOT transaction and returns its RID.
func (c *Client) CreateTransaction(ctx context.Context, datasetRID, branch string) (string, error) {
	b, err := json.Marshal(createTxnRequest{TransactionType: "SNAPSHOT"})
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("branchName", branchOrDefault(branch))

	var out createTxnResponse
	err = c.call(ctx, request{
		op:          "createTransaction",
		method:      http.MethodPost,
		path:        fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)),
		query:       q,
		accept:      "application/json",
		contentType: "application/json",
		body:        bytes.NewReader(b),
	}, &out)
	if err != nil {
		return "", err
	}

	txnID := strings.TrimSpace(out.TransactionID)
	if txnID == "" {
		txnID = strings.TrimSpace(out.RID)
	}
	if txnID == "" {
		return "", fmt.Errorf("create transaction response missing rid")
	}
	return txnID, nil
}

type Transaction struct {
	TransactionType string  `json:"transactionType"`
	CreatedTime     string  `json:"createdTime"`
	RID             string  `json:"rid"`
	ClosedTime      *string `json:"closedTime,omitempty"`
	Status          string  `json:"status"`
}

type listTxnsResponse struct {
	Data          []Transaction `json:"data"`
	NextPageToken string        `json:"nextPageToken"`
}

// ListTransactions lists transactions for a dataset, newest first.
//
// Note: This endpoint is documented as preview and requires `preview=true`.
func (c *Client) ListTransactions(ctx context.Context, datasetRID string, pageSize int, pageToken string) ([]Transaction, string, error) {
	q := url.Values{}
	q.Set("preview", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if strings.TrimSpace(pageToken) != "" {
		q.Set("pageToken", strings.TrimSpace(pageToken))
	}
	var out listTxnsResponse
	err := c.call(ctx, request{
		op:     "listTransactions",
		method: http.MethodGet,
		path:   fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)),
		query:  q,
		accept: "application/json",
	}, &out)
	if err != nil {
		return nil, "", err
	}
	return out.Data, strings.TrimSpace(out.NextPageToken), nil
}

// FindLatestOpenTransaction returns the RID of the latest OPEN transaction for the dataset.
func (c *Client) FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error) {
	pageToken := ""
	for i := 0; i < 5; i++ {
		txns, next, err := c.ListTransactions(ctx, datasetRID, 100, pageToken)
		if err != nil {
			return "", false, err
		}
		for _, t := range txns {
			if strings.EqualFold(strings.TrimSpace(t.Status), "OPEN") && strings.TrimSpace(t.RID) != "" {
				return strings.TrimSpace(t.RID), true, nil
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return "", false, nil
}

// UploadFile uploads r as filePath inside an open transaction.
func (c *Client) UploadFile(ctx context.Context, datasetRID, txnID, filePath, contentType string, r io.Reader) error {
	q := url.Values{}
	if strings.TrimSpace(txnID) != "" {
		q.Set("transactionRid", strings.TrimSpace(txnID))
	}
	return c.call(ctx, request{
		op:          "uploadFile",
		method:      http.MethodPost,
		path:        fmt.Sprintf("v2/datasets/%s/files/%s/upload", url.PathEscape(datasetRID), escapeURLPath(filePath)),
		query:       q,
		contentType: contentType,
		body:        r,
	}, nil)
}

// CommitTransaction commits an open transaction.
func (c *Client) CommitTransaction(ctx context.Context, datasetRID, txnID string) error {
	return c.transition(ctx, "commitTransaction", "commit", datasetRID, txnID)
}

// AbortTransaction aborts an open transaction, discarding its files.
func (c *Client) AbortTransaction(ctx context.Context, datasetRID, txnID string) error {
	return c.transition(ctx, "abortTransaction", "abort", datasetRID, txnID)
}

func (c *Client) transition(ctx context.Context, op, verb, datasetRID, txnID string) error {
	return c.call(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   fmt.Sprintf("v2/datasets/%s/transactions/%s/%s", url.PathEscape(datasetRID), url.PathEscape(txnID), verb),
		accept: "application/json",
	}, nil)
}

func (c *Client) resolveAPI(relPath string) *url.URL {
	relPath = strings.TrimPrefix(relPath, "/")
	rel := &url.URL{Path: relPath}
	return c.apiBaseURL.ResolveReference(rel)
}

func branchOrDefault(branch string) string {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return DefaultBranch
	}
	return branch
}

func escapeURLPath(p string) string {
	// Preserve "/" separators while escaping each segment.
	cleaned := path.Clean("/" + p)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
