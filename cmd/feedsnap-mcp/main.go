package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/feedsnap/models"
)

func main() {
	_ = godotenv.Load()

	apiURL := os.Getenv("FEEDSNAP_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("FEEDSNAP_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "FEEDSNAP_API_KEY is required")
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"feedsnap",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	registerTools(s, newAPIClient(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func registerTools(s *server.MCPServer, api *apiClient) {
	s.AddTool(mcp.NewTool("start_capture",
		mcp.WithDescription("Start a feed capture. Each segment of the feed is scrolled to the end and saved as a self-contained HTML snapshot. Only one capture runs at a time."),
		mcp.WithString("url",
			mcp.Description("Landing URL of the feed (default: server configuration)"),
		),
		mcp.WithNumber("segments",
			mcp.Description("Number of paginated segments to capture (default: server configuration, max: 50)"),
		),
		mcp.WithBoolean("digest",
			mcp.Description("Also write a Markdown digest per segment"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Block until the capture finishes and return its report (default: false)"),
		),
	), handleStartCapture(api))

	s.AddTool(mcp.NewTool("capture_status",
		mcp.WithDescription("Report the status and per-segment results of a capture."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Capture ID returned by start_capture"),
		),
	), handleCaptureStatus(api))

	s.AddTool(mcp.NewTool("read_segment",
		mcp.WithDescription("Return one captured segment, as its Markdown digest or raw HTML snapshot."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Capture ID"),
		),
		mcp.WithNumber("segment",
			mcp.Required(),
			mcp.Description("1-based segment number"),
		),
		mcp.WithString("format",
			mcp.Description("'md' (default, requires a digest) or 'html'"),
			mcp.Enum("md", "html"),
		),
	), handleReadSegment(api))
}

// apiClient talks to the feedsnap HTTP API.
type apiClient struct {
	http *resty.Client
	poll time.Duration
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetHeader("X-API-Key", apiKey).
			SetTimeout(60 * time.Second),
		poll: 2 * time.Second,
	}
}

// call performs a request and decodes a JSON body into out. Non-2xx
// responses are turned into the API's error detail.
func (a *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	req := a.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	if resp.IsError() {
		var e models.ErrorResponse
		if json.Unmarshal(resp.Body(), &e) == nil && e.Error != nil {
			return fmt.Errorf("[%s] %s", e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode())
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = resp.String()
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// waitFor polls a capture until it leaves the processing state.
func (a *apiClient) waitFor(ctx context.Context, id string) (*models.RunReport, error) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		var rep models.RunReport
		if err := a.call(ctx, resty.MethodGet, "/api/v1/captures/"+id, nil, &rep); err != nil {
			return nil, err
		}
		if rep.Status != models.StatusProcessing {
			return &rep, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func handleStartCapture(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := models.CaptureRequest{
			URL:      request.GetString("url", ""),
			Segments: request.GetInt("segments", 0),
		}
		if args := request.GetArguments(); args != nil {
			if _, ok := args["digest"]; ok {
				d := request.GetBool("digest", false)
				req.Digest = &d
			}
		}

		var started models.CaptureResponse
		if err := api.call(ctx, resty.MethodPost, "/api/v1/captures", req, &started); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !request.GetBool("wait", false) {
			return mcp.NewToolResultText(fmt.Sprintf("Capture %s started. Use capture_status to follow it.", started.ID)), nil
		}

		rep, err := api.waitFor(ctx, started.ID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatReport(rep)), nil
	}
}

func handleCaptureStatus(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		var rep models.RunReport
		if err := api.call(ctx, resty.MethodGet, "/api/v1/captures/"+id, nil, &rep); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatReport(&rep)), nil
	}
}

func handleReadSegment(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}
		n, err := request.RequireInt("segment")
		if err != nil || n < 1 {
			return mcp.NewToolResultError("segment must be a positive number"), nil
		}
		path := fmt.Sprintf("/api/v1/captures/%s/segments/%d", id, n)
		if request.GetString("format", "md") == "md" {
			path += "?format=md"
		}

		var content string
		if err := api.call(ctx, resty.MethodGet, path, nil, &content); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(content), nil
	}
}

// formatReport renders a run report for a chat transcript.
func formatReport(rep *models.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capture %s: %s\n", rep.ID, rep.Status)
	fmt.Fprintf(&b, "Landing: %s\n", rep.LandingURL)
	if rep.Archive != "" {
		fmt.Fprintf(&b, "Archive: %s (delivered: %t)\n", rep.Archive, rep.Delivered)
	}
	if rep.Error != nil {
		fmt.Fprintf(&b, "Error: [%s] %s\n", rep.Error.Code, rep.Error.Message)
	}
	for _, w := range rep.Warnings {
		fmt.Fprintf(&b, "Warning: [%s] %s\n", w.Code, w.Message)
	}
	for _, s := range rep.Segments {
		fmt.Fprintf(&b, "\n%d. %s\n   %d entries frozen (%s), %d resources embedded, %d failed, %s",
			s.Index, s.URL, s.Frozen, s.Termination, s.Resources.Embedded, s.Resources.Failed,
			humanize.Bytes(uint64(s.Bytes)))
		if s.DuplicateOf > 0 {
			fmt.Fprintf(&b, ", repeats segment %d", s.DuplicateOf)
		}
		b.WriteString("\n")
	}
	return b.String()
}
