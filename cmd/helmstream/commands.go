package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/helmstream/helmstream/internal/config"
)

// --- ask ---

type askResponse struct {
	Answer         string            `json:"answer"`
	ConversationID string            `json:"conversation_id"`
	TokenUsage     map[string]int    `json:"token_usage"`
	FiltersApplied map[string]any    `json:"filters_applied"`
	Sources        []json.RawMessage `json:"sources"`
}

type askSource struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Type  string  `json:"type"`
	Score float64 `json:"similarity_score"`
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question over the document or email corpus",
	Long: `Ask a question and print the answer with its sources.

Examples:
  helmstream ask "What is the bunkering procedure?"
  helmstream ask --emails "Was MV Pacific Star delayed in July?"
  helmstream ask --emails --filter sender_role="Dock Scheduler" "Who booked dock 2?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		emails, _ := cmd.Flags().GetBool("emails")
		topK, _ := cmd.Flags().GetInt("top-k")
		filterArgs, _ := cmd.Flags().GetStringArray("filter")
		conversation, _ := cmd.Flags().GetString("conversation")
		asJSON, _ := cmd.Flags().GetBool("json")

		req, err := buildAskRequest(strings.Join(args, " "), topK, filterArgs, conversation)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/query"
		if emails {
			path = "/v1/emails/query"
		}
		resp, err := client.post(cmd.Context(), path, req)
		if err != nil {
			return err
		}

		var out askResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		printAnswer(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("emails", false, "query the email corpus instead of documents")
	askCmd.Flags().Int("top-k", 0, "number of records to retrieve (server default when 0)")
	askCmd.Flags().StringArray("filter", nil, "metadata filter as key=value (repeatable)")
	askCmd.Flags().String("conversation", "", "conversation id to record the exchange under")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

func buildAskRequest(question string, topK int, filterArgs []string, conversation string) (map[string]any, error) {
	req := map[string]any{"message": question}
	if topK > 0 {
		req["top_k"] = topK
	}
	if conversation != "" {
		req["conversation_id"] = conversation
	}
	if len(filterArgs) > 0 {
		filters := make(map[string]string, len(filterArgs))
		for _, f := range filterArgs {
			k, v, ok := strings.Cut(f, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("invalid filter %q, expected key=value", f)
			}
			filters[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		req["filters"] = filters
	}
	return req, nil
}

func printAnswer(w io.Writer, out askResponse) {
	fmt.Fprintln(w, out.Answer)
	if len(out.FiltersApplied) > 0 {
		b, _ := json.Marshal(out.FiltersApplied)
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, "Filters:"), b)
	}
	if len(out.Sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\n"+colorize(colorBold, "Sources:"))
	for i, raw := range out.Sources {
		var s askSource
		if json.Unmarshal(raw, &s) != nil {
			continue
		}
		fmt.Fprintf(w, "  %d. %s [%s] %s (%.2f)\n", i+1, s.Title, s.Type, colorize(colorCyan, s.ID), s.Score)
	}
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add documents or emails to the knowledge base",
}

var ingestDocumentCmd = &cobra.Command{
	Use:   "document",
	Short: "Ingest a document from text or a file",
	Long: `Ingest a document. PDF and HTML files are converted to text by the server.

Examples:
  helmstream ingest document --file ./bunkering.pdf --type procedure
  helmstream ingest document --text "Berth 4 closed until Friday" --title "Berth notice"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		docType, _ := cmd.Flags().GetString("type")

		req, err := buildDocumentRequest(text, file, title, docType)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/documents", req)
		if err != nil {
			return err
		}

		var result struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Stored document %s (%s), embedding queued", result.ID, result.Type)
		return nil
	},
}

func init() {
	ingestDocumentCmd.Flags().String("text", "", "document text")
	ingestDocumentCmd.Flags().String("file", "", "path to a .txt, .md, .html or .pdf file")
	ingestDocumentCmd.Flags().String("title", "", "document title (defaults to the file name)")
	ingestDocumentCmd.Flags().String("type", "", "document type, e.g. procedure or report")
	ingestCmd.AddCommand(ingestDocumentCmd, ingestEmailCmd)
}

func buildDocumentRequest(text, file, title, docType string) (map[string]any, error) {
	if (text == "") == (file == "") {
		return nil, fmt.Errorf("exactly one of --text or --file is required")
	}
	req := map[string]any{}
	if title != "" {
		req["title"] = title
	}
	if docType != "" {
		req["type"] = docType
	}
	if text != "" {
		req["text"] = text
		return req, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if title == "" {
		req["title"] = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".pdf":
		req["format"] = "pdf"
		req["content_base64"] = base64.StdEncoding.EncodeToString(data)
	case ".html", ".htm":
		req["format"] = "html"
		req["text"] = string(data)
	default:
		req["text"] = string(data)
	}
	return req, nil
}

var ingestEmailCmd = &cobra.Command{
	Use:   "email <file.json>",
	Short: "Ingest an email or a batch of emails from a JSON file",
	Long: `Ingest emails from a JSON file holding a single email object or
{"emails": [...]}. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("reading emails: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postRaw(cmd.Context(), "/v1/emails", data)
		if err != nil {
			return err
		}

		var result struct {
			ID              string `json:"id"`
			EmailsProcessed *int   `json:"emails_processed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.EmailsProcessed != nil {
			printSuccess("Stored %d emails, embedding queued", *result.EmailsProcessed)
		} else {
			printSuccess("Stored email %s, embedding queued", result.ID)
		}
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, corpus and embedding queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStatus("Server", "%s", client.baseURL)

		resp, err := client.get(cmd.Context(), "/v1/status")
		if err != nil {
			printStatus("State", "stopped")
			return nil
		}
		var st struct {
			Version string         `json:"version"`
			Records map[string]int `json:"records"`
			Jobs    map[string]int `json:"jobs"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("State", "running (version %s)", st.Version)
		printStatus("Documents", "%d", st.Records["document"])
		printStatus("Emails", "%d", st.Records["email"])
		printStatus("Embedding queue", "%d pending, %d running, %d failed",
			st.Jobs["pending"], st.Jobs["running"], st.Jobs["failed"])
		if st.Jobs["failed"] > 0 {
			printWarning("%d records failed to embed; check the server log", st.Jobs["failed"])
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printStep("config file: %s", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
