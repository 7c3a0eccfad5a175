package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/auth"
	"github.com/Lewis-walter7/seoanalyzer/internal/backend"
)

type analyzeOptions struct {
	userID  string
	email   string
	isAdmin bool
	apiURL  string
}

func newAnalyzeCmd() *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <project-id>",
		Short: "Ask the backend to start crawling and auditing a project",
		Long: `Mints a backend token for --user with NEXTAUTH_SECRET and calls
POST /v1/projects/{project-id}/analyze on the configured backend. The
response is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "user ID the request is made on behalf of (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "email claim of the backend token")
	cmd.Flags().BoolVar(&opts.isAdmin, "admin", false, "mint an admin token")
	cmd.Flags().StringVar(&opts.apiURL, "api-url", "", "backend base URL (defaults to backend.api_url)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runAnalyze(cmd *cobra.Command, opts *analyzeOptions, projectID string) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	apiURL := strings.TrimSpace(opts.apiURL)
	if apiURL == "" {
		apiURL = rt.cfg.Backend.APIURL
	}

	minter := auth.NewMinter(rt.cfg.Auth.NextAuthSecret, nil)
	session := auth.Session{UserID: opts.userID, Email: opts.email, IsAdmin: opts.isAdmin}
	tokens := func(context.Context) (string, error) {
		return minter.Mint(session)
	}

	client := backend.NewClient(apiURL, nil, rt.cfg.BackendTimeout(), tokens)
	resp, err := client.AnalyzeProject(cmd.Context(), projectID)
	if err != nil {
		return fmt.Errorf("analyze project %s: %w", projectID, err)
	}
	rt.logger.Debug("analysis requested",
		zap.String("project_id", projectID),
		zap.String("status", resp.Status),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
