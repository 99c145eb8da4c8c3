package release

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SurveyDocument is the ingestion payload of one completed survey.
type SurveyDocument struct {
	ContactTaskID string            `json:"contactTaskId"`
	TaskID        string            `json:"taskId"`
	Data          map[string]string `json:"data"`
}

// IngestionClient posts survey documents to the data ingestion service.
type IngestionClient struct {
	http *resty.Client
}

// NewIngestionClient authenticates every request with
// "Authorization: Basic <staticKey>".
func NewIngestionClient(staticKey string, timeout time.Duration) *IngestionClient {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetAuthScheme("Basic").
		SetAuthToken(staticKey)
	return &IngestionClient{http: c}
}

// PostSurvey sends doc to {baseURL}/postSurveys.
func (c *IngestionClient) PostSurvey(ctx context.Context, baseURL string, doc SurveyDocument) error {
	url := strings.TrimRight(baseURL, "/") + "/postSurveys"
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(doc).
		Post(url)
	if err != nil {
		return fmt.Errorf("post survey: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post survey: %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}
