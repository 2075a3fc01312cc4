package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control agent jobs",
}

var (
	createRequirement string
	createFiles       []string
	createTenantID    string
	createSkillCode   string
)

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a new job",
	RunE:  runJobsCreate,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsStartCmd = &cobra.Command{
	Use:   "start [job-id]",
	Short: "Start a created job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStart,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort [job-id]",
	Short: "Abort a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

var jobsArtifactsCmd = &cobra.Command{
	Use:   "artifacts [job-id]",
	Short: "List a job's output artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsArtifacts,
}

func init() {
	jobsCreateCmd.Flags().StringVar(&createRequirement, "requirement", "", "the natural-language task requirement (required)")
	jobsCreateCmd.Flags().StringArrayVar(&createFiles, "file", nil, "input file path; repeatable")
	jobsCreateCmd.Flags().StringVar(&createTenantID, "tenant", "", "tenant id (defaults to the server's configured default)")
	jobsCreateCmd.Flags().StringVar(&createSkillCode, "skill", "", "force a specific skill code instead of auto-routing")

	jobsCmd.AddCommand(jobsCreateCmd, jobsGetCmd, jobsStartCmd, jobsAbortCmd, jobsArtifactsCmd)
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	if createRequirement == "" {
		return fmt.Errorf("--requirement is required")
	}
	if len(createFiles) == 0 {
		return fmt.Errorf("at least one --file is required")
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("requirement", createRequirement); err != nil {
		return err
	}
	if createTenantID != "" {
		if err := mw.WriteField("tenant_id", createTenantID); err != nil {
			return err
		}
	}
	if createSkillCode != "" {
		if err := mw.WriteField("skill_code", createSkillCode); err != nil {
			return err
		}
	}
	for _, path := range createFiles {
		if err := attachFile(mw, path); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	var result map[string]interface{}
	if err := apiPostMultipart("/api/v1/jobs", body, mw.FormDataContentType(), &result); err != nil {
		return err
	}

	printJSON(result)
	return nil
}

func attachFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	var result map[string]interface{}
	if err := apiGet("/api/v1/jobs/"+args[0], &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runJobsStart(cmd *cobra.Command, args []string) error {
	var result map[string]interface{}
	if err := apiPost("/api/v1/jobs/"+args[0]+"/start", &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	var result map[string]interface{}
	if err := apiPost("/api/v1/jobs/"+args[0]+"/abort", &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runJobsArtifacts(cmd *cobra.Command, args []string) error {
	var result map[string]interface{}
	if err := apiGet("/api/v1/jobs/"+args[0]+"/artifacts", &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
