package indexing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

// ErrResourceNotFound is returned when a datasource, index or indexer does
// not exist.
var ErrResourceNotFound = errors.New("search resource not found")

// DataSource points an indexer at the staged artifacts.
type DataSource struct {
	Name             string
	ConnectionString string
	Container        string
	Prefix           string
}

// Index describes the target index. Its fields mirror pipeline.Section.
type Index struct {
	Name             string
	VectorDimensions int
}

// Indexer connects a datasource to an index.
type Indexer struct {
	Name           string
	DataSourceName string
	IndexName      string
}

// IndexerStatus is the result of the indexer's most recent execution.
type IndexerStatus struct {
	Status    string
	ItemCount int
	StartTime time.Time
	Error     string
	Terminal  bool
	Succeeded bool
}

// IndexService provisions and runs search indexing.
type IndexService interface {
	GetDataSource(ctx context.Context, name string) error
	CreateDataSource(ctx context.Context, ds DataSource) error
	GetIndex(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, idx Index) error
	GetIndexer(ctx context.Context, name string) error
	CreateIndexer(ctx context.Context, ixr Indexer) error
	RunIndexer(ctx context.Context, name string) error
	IndexerStatus(ctx context.Context, name string) (IndexerStatus, error)
}

// SearchClient talks to an Azure-Search-compatible REST API.
type SearchClient struct {
	client *resty.Client
}

func NewSearchClient(serviceURL, apiVersion, apiKey string, timeout time.Duration) *SearchClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(serviceURL, "/")).
		SetTimeout(timeout).
		SetHeader("api-key", apiKey).
		SetHeader("Accept", "application/json").
		SetQueryParam("api-version", apiVersion)
	return &SearchClient{client: client}
}

func (c *SearchClient) GetDataSource(ctx context.Context, name string) error {
	return c.get(ctx, "/datasources/"+name)
}

func (c *SearchClient) CreateDataSource(ctx context.Context, ds DataSource) error {
	body := map[string]any{
		"name":        ds.Name,
		"type":        "azureblob",
		"credentials": map[string]string{"connectionString": ds.ConnectionString},
		"container":   map[string]string{"name": ds.Container, "query": ds.Prefix},
	}
	return c.put(ctx, "/datasources/"+ds.Name, body)
}

func (c *SearchClient) GetIndex(ctx context.Context, name string) error {
	return c.get(ctx, "/indexes/"+name)
}

func (c *SearchClient) CreateIndex(ctx context.Context, idx Index) error {
	body := map[string]any{
		"name": idx.Name,
		"fields": []map[string]any{
			{"name": "id", "type": "Edm.String", "key": true},
			{"name": "content", "type": "Edm.String", "searchable": true, "filterable": true, "sortable": true},
			{"name": "category", "type": "Edm.String", "filterable": true, "sortable": true, "facetable": true},
			{"name": "sourcepage", "type": "Edm.Int32", "filterable": true, "facetable": true},
			{"name": "sourcefile", "type": "Edm.String", "filterable": true, "facetable": true},
			{"name": "summaries", "type": "Edm.String", "searchable": true, "filterable": true},
			{"name": "keyphrases", "type": "Collection(Edm.String)", "searchable": true},
			{
				"name":                "embeddings",
				"type":                "Collection(Edm.Single)",
				"searchable":          true,
				"dimensions":          idx.VectorDimensions,
				"vectorSearchProfile": "default",
			},
		},
		"vectorSearch": map[string]any{
			"algorithms": []map[string]any{
				{"name": "default-hnsw", "kind": "hnsw", "hnswParameters": map[string]string{"metric": "cosine"}},
			},
			"profiles": []map[string]string{
				{"name": "default", "algorithm": "default-hnsw"},
			},
		},
	}
	return c.put(ctx, "/indexes/"+idx.Name, body)
}

func (c *SearchClient) GetIndexer(ctx context.Context, name string) error {
	return c.get(ctx, "/indexers/"+name)
}

func (c *SearchClient) CreateIndexer(ctx context.Context, ixr Indexer) error {
	body := map[string]any{
		"name":            ixr.Name,
		"dataSourceName":  ixr.DataSourceName,
		"targetIndexName": ixr.IndexName,
		"parameters": map[string]any{
			"configuration": map[string]string{"parsingMode": "jsonArray"},
		},
	}
	return c.put(ctx, "/indexers/"+ixr.Name, body)
}

func (c *SearchClient) RunIndexer(ctx context.Context, name string) error {
	resp, err := c.client.R().SetContext(ctx).Post("/indexers/" + name + "/run")
	return c.check(resp, err, "run indexer "+name)
}

type statusResponse struct {
	Status     string `json:"status"`
	LastResult *struct {
		Status         string    `json:"status"`
		ErrorMessage   string    `json:"errorMessage"`
		ItemsProcessed int       `json:"itemsProcessed"`
		StartTime      time.Time `json:"startTime"`
	} `json:"lastResult"`
}

// IndexerStatus reports the most recent execution. An indexer that has not
// produced a result yet is reported as in progress.
func (c *SearchClient) IndexerStatus(ctx context.Context, name string) (IndexerStatus, error) {
	var out statusResponse
	resp, err := c.client.R().SetContext(ctx).SetResult(&out).Get("/indexers/" + name + "/status")
	if err := c.check(resp, err, "indexer status "+name); err != nil {
		return IndexerStatus{}, err
	}
	if out.LastResult == nil {
		return IndexerStatus{Status: "inProgress"}, nil
	}
	st := IndexerStatus{
		Status:    out.LastResult.Status,
		ItemCount: out.LastResult.ItemsProcessed,
		StartTime: out.LastResult.StartTime,
		Error:     out.LastResult.ErrorMessage,
	}
	switch st.Status {
	case "success":
		st.Terminal, st.Succeeded = true, true
	case "persistentFailure":
		st.Terminal = true
	}
	return st, nil
}

func (c *SearchClient) get(ctx context.Context, path string) error {
	resp, err := c.client.R().SetContext(ctx).Get(path)
	return c.check(resp, err, "get "+path)
}

func (c *SearchClient) put(ctx context.Context, path string, body any) error {
	resp, err := c.client.R().SetContext(ctx).SetBody(body).Put(path)
	return c.check(resp, err, "put "+path)
}

func (c *SearchClient) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%w: search %s: %v", apperrors.ErrTransientService, op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, op)
	}
	if resp.IsError() {
		return apperrors.FromHTTPStatus("search "+op, resp.StatusCode(), resp.String())
	}
	return nil
}
