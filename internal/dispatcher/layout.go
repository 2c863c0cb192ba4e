package dispatcher

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/segmentation"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
)

// LayoutAnalyzer extracts text, page boundaries and tables from a source
// document.
type LayoutAnalyzer interface {
	Analyze(ctx context.Context, filename string, data []byte) (segmentation.LayoutResult, error)
}

// PlainTextAnalyzer treats the document as UTF-8 text with form feeds as page
// breaks.
type PlainTextAnalyzer struct{}

func (PlainTextAnalyzer) Analyze(_ context.Context, _ string, data []byte) (segmentation.LayoutResult, error) {
	return segmentation.PlainTextLayout(string(data)), nil
}

// RESTAnalyzer posts documents to an external layout service that answers
// with a LayoutResult. Throttled and failed calls are retried with backoff.
type RESTAnalyzer struct {
	client *resty.Client
	retry  resilience.RetryConfig
}

// NewRESTAnalyzer creates an analyzer for the service at endpoint,
// authenticating with apiKey.
func NewRESTAnalyzer(endpoint, apiKey string, timeout time.Duration, retry resilience.RetryConfig) *RESTAnalyzer {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(timeout).
		SetHeader("api-key", apiKey).
		SetHeader("Accept", "application/json")
	retry.Retryable = apperrors.IsRetryable
	return &RESTAnalyzer{client: client, retry: retry}
}

func (a *RESTAnalyzer) Analyze(ctx context.Context, filename string, data []byte) (segmentation.LayoutResult, error) {
	var result segmentation.LayoutResult
	err := resilience.Retry(ctx, "layout-analyze", a.retry, func() error {
		resp, err := a.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", contentType(filename)).
			SetQueryParam("filename", filename).
			SetBody(data).
			SetResult(&result).
			Post("/analyze")
		if err != nil {
			return fmt.Errorf("%w: layout request: %v", apperrors.ErrTransientService, err)
		}
		if resp.IsError() {
			return apperrors.FromHTTPStatus("layout service", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return segmentation.LayoutResult{}, fmt.Errorf("analyzing %s: %w", filename, err)
	}
	return result, nil
}

func contentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".txt", ".md":
		return "text/plain"
	}
	return "application/octet-stream"
}
