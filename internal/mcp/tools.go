package mcp

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query  string            `json:"query" jsonschema:"the search query to execute"`
	Limit  int               `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Filter map[string]string `json:"filter,omitempty" jsonschema:"metadata key-value pairs a chunk must all match"`
}

// SearchResultOutput defines a single search result.
type SearchResultOutput struct {
	ChunkID      string            `json:"chunk_id" jsonschema:"chunk identifier"`
	DocumentID   string            `json:"document_id" jsonschema:"owning document identifier"`
	Content      string            `json:"content" jsonschema:"matched content"`
	Score        float64           `json:"score" jsonschema:"fused relevance score"`
	MatchedTerms []string          `json:"matched_terms,omitempty" jsonschema:"query terms that matched lexically"`
	Metadata     map[string]string `json:"metadata,omitempty" jsonschema:"chunk metadata"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Results      []SearchResultOutput `json:"results" jsonschema:"ranked search results"`
	Reranked     bool                 `json:"reranked" jsonschema:"true when a cross-encoder reordered the results"`
	RerankerUsed string               `json:"reranker_used,omitempty" jsonschema:"name of the reranker that ran"`
	Degraded     []string             `json:"degraded,omitempty" jsonschema:"search strategies that failed for this query"`
}

// IngestInput defines the input schema for the ingest_document tool.
type IngestInput struct {
	DocumentID string            `json:"document_id,omitempty" jsonschema:"optional document identifier, generated when omitted"`
	Source     string            `json:"source,omitempty" jsonschema:"where the document came from, e.g. a path or URL"`
	Content    string            `json:"content" jsonschema:"the document text to index"`
	Metadata   map[string]string `json:"metadata,omitempty" jsonschema:"metadata attached to every chunk"`
}

// IngestOutput defines the output schema for ingestion tools.
type IngestOutput struct {
	DocumentID string `json:"document_id" jsonschema:"the document identifier"`
	ChunkCount int    `json:"chunk_count" jsonschema:"number of chunks produced"`
	JobID      string `json:"job_id,omitempty" jsonschema:"async embedding job id when the document was large"`
}

// UpdateInput defines the input schema for the update_document tool.
type UpdateInput struct {
	DocumentID string            `json:"document_id" jsonschema:"the document to update"`
	Source     string            `json:"source,omitempty" jsonschema:"replacement source, kept when omitted"`
	Content    string            `json:"content" jsonschema:"the replacement text"`
	Metadata   map[string]string `json:"metadata,omitempty" jsonschema:"replacement metadata"`
}

// DocumentIDInput identifies a document for lifecycle tools.
type DocumentIDInput struct {
	DocumentID string `json:"document_id" jsonschema:"the document identifier"`
}

// AckOutput acknowledges a lifecycle operation.
type AckOutput struct {
	DocumentID string `json:"document_id" jsonschema:"the document identifier"`
	Status     string `json:"status" jsonschema:"what happened: deleted, restored, or purged"`
}

// IndexStatusInput defines the (empty) input schema for index_status.
type IndexStatusInput struct{}

// IndexStatusOutput reports corpus and index health.
type IndexStatusOutput struct {
	Documents      int64  `json:"documents" jsonschema:"active document count"`
	Chunks         int64  `json:"chunks" jsonschema:"active chunk count"`
	Vectors        int    `json:"vectors" jsonschema:"vectors in the similarity index"`
	Generation     int64  `json:"generation" jsonschema:"corpus generation counter"`
	EmbeddingModel string `json:"embedding_model" jsonschema:"active embedding model"`
	BreakerState   string `json:"breaker_state" jsonschema:"embedding circuit breaker state"`
}

// JobStatusInput identifies an async embedding job.
type JobStatusInput struct {
	JobID string `json:"job_id" jsonschema:"the job identifier returned by ingest_document"`
}

// JobStatusOutput reports one async embedding job.
type JobStatusOutput struct {
	JobID  string `json:"job_id" jsonschema:"the job identifier"`
	State  string `json:"state" jsonschema:"pending, running, completed, failed, or partially_completed"`
	Total  int    `json:"total" jsonschema:"items in the job"`
	Failed int    `json:"failed" jsonschema:"items that failed embedding"`
	Error  string `json:"error,omitempty" jsonschema:"terminal error summary when not completed cleanly"`
}
