// Package attest talks to the attestation service that anchors work
// reports and approvals on chain. Submissions are bounded by a hard
// deadline; a submission that outlives it is reported as timed out with a
// block-explorer reference, since the transaction may still land.
package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/domain"
)

// submissionTimeout bounds one submission round trip, transaction
// confirmation included.
const submissionTimeout = 60 * time.Second

// explorers maps chain id to block explorer base URL for timed-out
// submissions.
var explorers = map[int64]string{
	10:       "https://optimistic.etherscan.io",
	8453:     "https://basescan.org",
	42161:    "https://arbiscan.io",
	11155111: "https://sepolia.etherscan.io",
}

// Result is the outcome of one submission. Exactly one of TxHash or
// TimedOut is meaningful.
type Result struct {
	TxHash      string
	TimedOut    bool
	ExplorerURL string
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: submissionTimeout},
		logger:  logger,
	}
}

// SubmitWork uploads a work report with its attachments and returns the
// attestation transaction hash.
func (c *Client) SubmitWork(ctx context.Context, job *domain.Job, images []*domain.File) (Result, error) {
	if job.Work == nil {
		return Result{}, fmt.Errorf("attest: job %s has no work payload", job.ID)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	meta, err := json.Marshal(struct {
		*domain.WorkPayload
		ChainID      int64  `json:"chainId"`
		UserAddress  string `json:"userAddress"`
		ClientWorkID string `json:"clientWorkId,omitempty"`
	}{job.Work, job.ChainID, job.UserAddress, job.ClientWorkID()})
	if err != nil {
		return Result{}, fmt.Errorf("attest: marshal work payload: %w", err)
	}
	if err := mw.WriteField("work", string(meta)); err != nil {
		return Result{}, fmt.Errorf("attest: write work field: %w", err)
	}

	for i, img := range images {
		fw, err := mw.CreateFormFile(fmt.Sprintf("image_%d", i), img.Name)
		if err != nil {
			return Result{}, fmt.Errorf("attest: create image part: %w", err)
		}
		if _, err := fw.Write(img.Data); err != nil {
			return Result{}, fmt.Errorf("attest: write image part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("attest: finish multipart body: %w", err)
	}

	return c.submit(ctx, job, "/v1/work", mw.FormDataContentType(), &body)
}

// SubmitApproval records an approval decision for a previously attested
// work report.
func (c *Client) SubmitApproval(ctx context.Context, job *domain.Job) (Result, error) {
	if job.Approval == nil {
		return Result{}, fmt.Errorf("attest: job %s has no approval payload", job.ID)
	}

	payload, err := json.Marshal(struct {
		*domain.ApprovalPayload
		ChainID     int64  `json:"chainId"`
		UserAddress string `json:"userAddress"`
	}{job.Approval, job.ChainID, job.UserAddress})
	if err != nil {
		return Result{}, fmt.Errorf("attest: marshal approval payload: %w", err)
	}

	return c.submit(ctx, job, "/v1/approvals", "application/json", bytes.NewReader(payload))
}

func (c *Client) submit(ctx context.Context, job *domain.Job, path, contentType string, body io.Reader) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, submissionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return Result{}, fmt.Errorf("attest: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r := Result{TimedOut: true, ExplorerURL: ExplorerAddressURL(job.ChainID, job.UserAddress)}
			if c.logger != nil {
				c.logger.Warn("submission timed out, transaction may still confirm",
					"job_id", job.ID, "explorer", r.ExplorerURL)
			}
			return r, nil
		}
		return Result{}, fmt.Errorf("attest: submit %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("attest: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("attest: submit %s: status %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}

	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("attest: decode response: %w", err)
	}
	if out.TxHash == "" {
		return Result{}, fmt.Errorf("attest: submit %s: response missing txHash", path)
	}
	return Result{TxHash: out.TxHash}, nil
}

// ExplorerAddressURL points at the submitting address on the chain's block
// explorer, where a timed-out transaction can be checked manually.
func ExplorerAddressURL(chainID int64, address string) string {
	base, ok := explorers[chainID]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/address/%s", base, address)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
