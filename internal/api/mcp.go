package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/helmstream/helmstream/internal/filter"
	"github.com/helmstream/helmstream/internal/ingest"
	"github.com/helmstream/helmstream/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Documents QueryRunner
	Emails    QueryRunner
	Ingest    Ingester
	Records   RecordCounter
	Jobs      JobCounter
	Version   string
}

// emailFilterArgs are the optional tool arguments narrowing an email query.
var emailFilterArgs = []string{
	filter.KeyVessel, filter.KeySender, filter.KeySenderRole, filter.KeyEventCategory, filter.KeyMonth,
}

// NewMCPServer creates an MCP server with all HelmStream tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"helmstream",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("HelmStream answers maritime operations questions from ingested documents and shipyard stakeholder emails."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_documents",
			mcp.WithDescription("Answer a question from the maritime document knowledge base, citing the documents used."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Number of documents to retrieve (default 5)")),
			mcp.WithString("type", mcp.Description("Only use documents of this type")),
			mcp.WithString("conversation_id", mcp.Description("Conversation to record the exchange under")),
		),
		mcpAsk(deps.Documents, []string{filter.KeyType}),
	)

	askEmails := []mcp.ToolOption{
		mcp.WithDescription("Answer a question from shipyard stakeholder emails. Vessel, stakeholder, category and month are also detected from the question text."),
		mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		mcp.WithNumber("top_k", mcp.Description("Number of emails to retrieve (default 5)")),
		mcp.WithString("conversation_id", mcp.Description("Conversation to record the exchange under")),
	}
	for _, k := range emailFilterArgs {
		askEmails = append(askEmails, mcp.WithString(k, mcp.Description("Only use emails whose "+k+" equals this value")))
	}
	s.AddTool(mcp.NewTool("ask_emails", askEmails...), mcpAsk(deps.Emails, emailFilterArgs))

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Rank documents or emails by similarity to a query without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("corpus", mcp.Description("documents or emails (default documents)"), mcp.Enum("documents", "emails")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_filters",
			mcp.WithDescription("Show the email filters detected in a question: vessel, stakeholder, role, category and month."),
			mcp.WithString("query", mcp.Description("Question text"), mcp.Required()),
		),
		mcpExtractFilters(deps),
	)

	if deps.Ingest != nil {
		s.AddTool(
			mcp.NewTool("add_document",
				mcp.WithDescription("Store a document in the knowledge base. It becomes searchable once embedded."),
				mcp.WithString("text", mcp.Description("Document text"), mcp.Required()),
				mcp.WithString("title", mcp.Description("Document title")),
				mcp.WithString("type", mcp.Description("Document type, e.g. procedure or report")),
			),
			mcpAddDocument(deps),
		)
	}

	if deps.Records != nil && deps.Jobs != nil {
		s.AddResource(
			mcp.NewResource(
				"helmstream://status",
				"Knowledge Base Status",
				mcp.WithResourceDescription("Record counts per corpus and embedding queue state as JSON"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceStatus(deps),
		)
	}

	return s
}

// mcpAsk answers a question with p. filterArgs names the string arguments
// passed through as explicit filters.
func mcpAsk(p QueryRunner, filterArgs []string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		q := pipeline.Query{
			Text:           question,
			ConversationID: req.GetString("conversation_id", ""),
		}
		if topK := req.GetInt("top_k", 0); topK != 0 {
			q.TopK = &topK
		}
		for _, k := range filterArgs {
			if v := req.GetString(k, ""); v != "" {
				q.Filters = q.Filters.With(k, v)
			}
		}

		resp, err := p.Run(ctx, q)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		p := deps.Documents
		switch corpus := req.GetString("corpus", "documents"); corpus {
		case "documents":
		case "emails":
			p = deps.Emails
		default:
			return mcpError(fmt.Sprintf("unknown corpus %q", corpus)), nil
		}

		limit := req.GetInt("limit", pipeline.DefaultTopK)
		if limit <= 0 {
			limit = pipeline.DefaultTopK
		}
		if limit > 50 {
			limit = 50
		}

		sources, filters, err := p.Search(ctx, pipeline.Query{Text: query, TopK: &limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if sources == nil {
			sources = []pipeline.Source{}
		}

		b, err := json.Marshal(map[string]any{"results": sources, "filters_applied": filters})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpExtractFilters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		filters := deps.Emails.ResolveFilters(pipeline.Query{Text: query})
		b, err := json.Marshal(filters)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal filters: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		res, err := deps.Ingest.IngestDocument(ctx, ingest.Document{
			Title: req.GetString("title", ""),
			Type:  req.GetString("type", ""),
			Text:  text,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store document: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored document %s (%s), embedding queued as job %s", res.ID, res.Type, res.JobID)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Records.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting records: %w", err)
		}
		jobs, err := deps.Jobs.JobStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading job stats: %w", err)
		}

		b, err := json.Marshal(StatusReport{Version: deps.Version, Records: counts, Jobs: jobs})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
