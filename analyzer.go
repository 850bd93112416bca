package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

const (
	maxTokensExtraction = 1024
	maxTokensNaming     = 256
)

// ExtractedIssue is one product issue as reported by the extraction model,
// before taxonomy validation.
type ExtractedIssue struct {
	Category            string  `json:"category"`
	Subcategory         string  `json:"subcategory"`
	IssueType           string  `json:"issue_type"`
	Severity            string  `json:"severity"`
	Summary             string  `json:"summary"`
	Detail              string  `json:"detail"`
	RepresentativeQuote string  `json:"representative_quote"`
	Confidence          float64 `json:"confidence"`
}

type ExtractionResult struct {
	Issues         []ExtractedIssue `json:"issues"`
	NoProductIssue bool             `json:"no_product_issue"`
	SkipReason     string           `json:"skip_reason"`
}

type ClusterNaming struct {
	Name    string `json:"cluster_name"`
	Summary string `json:"cluster_summary"`
}

// IssueAnalyzer extracts product issues from tickets and names clusters.
// Implementations must degrade malformed model output to an empty result
// with a reason for extraction; a malformed naming response is an error the
// caller absorbs by keeping the placeholder name.
type IssueAnalyzer interface {
	ExtractIssues(ticket Ticket) (ExtractionResult, error)
	NameCluster(issues []Issue) (ClusterNaming, error)
}

// ClaudeAnalyzer implements IssueAnalyzer against the Anthropic API.
type ClaudeAnalyzer struct {
	client anthropic.Client
	model  string
}

func NewClaudeAnalyzer(apiKey, model string) *ClaudeAnalyzer {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &ClaudeAnalyzer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *ClaudeAnalyzer) callClaude(systemPrompt, userPrompt string, maxTokens int64) (string, error) {
	message, err := a.client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("Anthropic API error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm response size=%d tokens_in=%d tokens_out=%d",
				len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in Anthropic response")
}

// stripJSONFences removes a markdown code fence the model sometimes wraps
// around its JSON output.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractIssues asks Claude for the product issues in a ticket. An
// unparseable response becomes an empty result with a skip reason, never an
// error. Taxonomy validation happens where the issues are persisted.
func (a *ClaudeAnalyzer) ExtractIssues(ticket Ticket) (ExtractionResult, error) {
	responseText, err := a.callClaude(extractionSystemPrompt, buildExtractionPrompt(ticket), maxTokensExtraction)
	if err != nil {
		return ExtractionResult{}, err
	}

	var result ExtractionResult
	if err := json.Unmarshal([]byte(stripJSONFences(responseText)), &result); err != nil {
		log.Printf("llm extraction parse error ticket=%d: %v", ticket.ZendeskTicketID, err)
		return ExtractionResult{NoProductIssue: true, SkipReason: "AI response parse error"}, nil
	}

	return result, nil
}

// NameCluster asks Claude for a real name and summary for a cluster of
// issues.
func (a *ClaudeAnalyzer) NameCluster(issues []Issue) (ClusterNaming, error) {
	if len(issues) == 0 {
		return ClusterNaming{}, fmt.Errorf("no issues to name cluster from")
	}

	responseText, err := a.callClaude(clusterNamingPrompt, buildClusterNamingPrompt(issues), maxTokensNaming)
	if err != nil {
		return ClusterNaming{}, err
	}

	var naming ClusterNaming
	if err := json.Unmarshal([]byte(stripJSONFences(responseText)), &naming); err != nil {
		return ClusterNaming{}, fmt.Errorf("parsing cluster naming response: %w", err)
	}
	if naming.Name == "" {
		return ClusterNaming{}, fmt.Errorf("cluster naming response missing cluster_name")
	}
	return naming, nil
}
