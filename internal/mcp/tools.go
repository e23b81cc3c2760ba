package mcp

// SaveMemoryInput defines the input schema for the saveMemory tool.
type SaveMemoryInput struct {
	Content    string         `json:"content" jsonschema:"the memory content to store"`
	Kind       string         `json:"kind" jsonschema:"memory kind: semantic, episodic, or procedural"`
	Importance string         `json:"importance,omitempty" jsonschema:"importance: low, medium, or high, default medium"`
	Tags       []string       `json:"tags,omitempty" jsonschema:"free-form tags for later filtering"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"arbitrary metadata; a hash key makes the save idempotent"`
}

// SaveMemoryOutput defines the output schema for the saveMemory tool.
type SaveMemoryOutput struct {
	ID       string `json:"id" jsonschema:"id of the stored memory"`
	Deferred bool   `json:"deferred,omitempty" jsonschema:"true when the embedding is pending and the memory is not yet searchable"`
}

// FindMemoryInput defines the input schema for the findMemory tool.
type FindMemoryInput struct {
	Query      string   `json:"query" jsonschema:"the semantic search query"`
	K          int      `json:"k,omitempty" jsonschema:"maximum number of results, default 5"`
	Threshold  float64  `json:"threshold,omitempty" jsonschema:"minimum cosine similarity, default 0.25"`
	KindFilter string   `json:"kindFilter,omitempty" jsonschema:"restrict to one memory kind"`
	TagsAny    []string `json:"tagsAny,omitempty" jsonschema:"match memories carrying any of these tags"`
}

// MemoryOutput is one findMemory result.
type MemoryOutput struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Score     float64  `json:"score"`
	Kind      string   `json:"kind"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"createdAt"`
}

// FindMemoryOutput defines the output schema for the findMemory tool.
type FindMemoryOutput struct {
	Memories []MemoryOutput `json:"memories" jsonschema:"matching memories ordered by score"`
	Degraded bool           `json:"degraded,omitempty" jsonschema:"true when results came from the local cache because storage was unreachable"`
}

// GetMemoryInput defines the input schema for the getMemory tool.
type GetMemoryInput struct {
	ID string `json:"id" jsonschema:"id of the memory to load"`
}

// GetMemoryOutput is the full stored record.
type GetMemoryOutput struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Kind       string         `json:"kind"`
	Importance string         `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	HasVector  bool           `json:"hasVector"`
	CreatedAt  string         `json:"createdAt"`
	UpdatedAt  string         `json:"updatedAt"`
}

// DeleteMemoryInput defines the input schema for the deleteMemory tool.
type DeleteMemoryInput struct {
	ID string `json:"id" jsonschema:"id of the memory to delete"`
}

// DeleteMemoryOutput defines the output schema for the deleteMemory tool.
type DeleteMemoryOutput struct {
	Deleted bool `json:"deleted" jsonschema:"false when no memory had that id"`
}

// FindCodePointersInput defines the input schema for the
// findCodePointers tool.
type FindCodePointersInput struct {
	Query string `json:"query" jsonschema:"natural language description of the code to locate"`
	K     int    `json:"k,omitempty" jsonschema:"maximum number of pointers, default 5"`
}

// PointerOutput is one code pointer result.
type PointerOutput struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	File      string  `json:"file"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Signature string  `json:"signature,omitempty"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet,omitempty"`
}

// FindCodePointersOutput defines the output schema for the
// findCodePointers tool.
type FindCodePointersOutput struct {
	Pointers []PointerOutput `json:"pointers" jsonschema:"matching definitions and files ordered by score"`
}

// CheckSyncInput defines the input schema for the checkSync tool.
type CheckSyncInput struct{}

// CheckSyncOutput defines the output schema for the checkSync tool.
type CheckSyncOutput struct {
	FilesTotal        int    `json:"filesTotal" jsonschema:"files currently indexed"`
	Indexed           int    `json:"indexed" jsonschema:"files with embeddings"`
	PendingEmbeddings int    `json:"pendingEmbeddings" jsonschema:"files awaiting embedding backfill"`
	LastBatchAt       string `json:"lastBatchAt,omitempty" jsonschema:"RFC 3339 time of the last persisted batch"`
	Phase             string `json:"phase,omitempty" jsonschema:"current pipeline phase when an index run is active"`
}
