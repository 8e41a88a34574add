// Client subcommands for scraperctl: thin HTTP callers against a running
// "scraperctl serve" instance's Control Facade API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiRequest(method, path string, query url.Values, body any) ([]byte, error) {
	u := strings.TrimRight(apiAddr, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: server returned %s: %s", method, path, resp.Status, string(data))
	}
	return data, nil
}

func printJSON(data []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

var submitJobFlags struct {
	name       string
	accounts   []string
	keywords   []string
	minLikes   uint32
	minReplies uint32
	minReposts uint32
	maxRecords int
	autoUpload bool
	priority   int
	combining  string
}

func submitJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit-job",
		Short: "Submit a new scraping job",
		RunE:  runSubmitJob,
	}
	f := cmd.Flags()
	f.StringVar(&submitJobFlags.name, "name", "", "job name")
	f.StringSliceVar(&submitJobFlags.accounts, "account", nil, "target account handle (repeatable)")
	f.StringSliceVar(&submitJobFlags.keywords, "keyword", nil, "target search keyword (repeatable)")
	f.Uint32Var(&submitJobFlags.minLikes, "min-likes", 0, "minimum like count threshold")
	f.Uint32Var(&submitJobFlags.minReplies, "min-replies", 0, "minimum reply count threshold")
	f.Uint32Var(&submitJobFlags.minReposts, "min-reposts", 0, "minimum repost count threshold")
	f.IntVar(&submitJobFlags.maxRecords, "max-records", 0, "maximum records to collect per target (omit to use the configured default)")
	f.BoolVar(&submitJobFlags.autoUpload, "auto-upload", false, "upload to the external service automatically on completion")
	f.IntVar(&submitJobFlags.priority, "priority", 0, "admission priority, higher runs first")
	f.StringVar(&submitJobFlags.combining, "combining", "", "how accounts and keywords combine: independent or cartesian")
	return cmd
}

func runSubmitJob(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"name":        submitJobFlags.name,
		"accounts":    submitJobFlags.accounts,
		"keywords":    submitJobFlags.keywords,
		"auto_upload": submitJobFlags.autoUpload,
		"priority":    submitJobFlags.priority,
		"combining":   submitJobFlags.combining,
	}
	// Thresholds and max-records are only sent when the flag was given, so
	// the server applies its configured defaults to omitted fields while an
	// explicit 0 stays an explicit 0.
	optional := map[string]any{
		"min-likes":   submitJobFlags.minLikes,
		"min-replies": submitJobFlags.minReplies,
		"min-reposts": submitJobFlags.minReposts,
		"max-records": submitJobFlags.maxRecords,
	}
	for flag, value := range optional {
		if cmd.Flags().Changed(flag) {
			body[strings.ReplaceAll(flag, "-", "_")] = value
		}
	}
	data, err := apiRequest(http.MethodPost, "/api/jobs", nil, body)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func cancelJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-job <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(http.MethodPost, "/api/jobs/"+args[0]+"/cancel", nil, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func restartJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-job <job-id>",
		Short: "Restart a failed or cancelled job from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(http.MethodPost, "/api/jobs/"+args[0]+"/restart", nil, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func listJobsCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list-jobs",
		Short: "List jobs, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			data, err := apiRequest(http.MethodGet, "/api/jobs", q, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by job state (pending, queued, running, completed, failed, cancelled)")
	return cmd
}

func getJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-job <job-id>",
		Short: "Show a single job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(http.MethodGet, "/api/jobs/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func listRecordsCmd() *cobra.Command {
	var jobID, synced string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list-records",
		Short: "List extracted records, optionally filtered by job or sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if jobID != "" {
				q.Set("job_id", jobID)
			}
			if synced != "" {
				q.Set("synced", synced)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			data, err := apiRequest(http.MethodGet, "/api/records", q, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "filter by job id")
	cmd.Flags().StringVar(&synced, "synced", "", "filter by sync state: true or false")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func setCategoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-category <record-id> <category>",
		Short: "Set a record's manual category hint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(http.MethodPost, "/api/records/"+args[0]+"/category", nil, map[string]string{"category": args[1]})
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func triggerUploadCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "trigger-upload <job-id|all>",
		Short: "Replicate a job's unsynced records (or every job's, with \"all\") to the external service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if dryRun {
				q.Set("dry_run", "true")
			}
			path := "/api/jobs/" + args[0] + "/upload"
			if args[0] == "all" {
				path = "/api/upload"
			}
			data, err := apiRequest(http.MethodPost, path, q, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and count without writing to the external service")
	return cmd
}

func resetSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-sync <job-id>",
		Short: "Clear the synced flag on a job's records so the next upload resends them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiRequest(http.MethodPost, "/api/jobs/"+args[0]+"/reset-sync", nil, nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func exportRecordsCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export-records <job-id>",
		Short: "Export a job's records as JSON, CSV, or XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if format != "" {
				q.Set("format", format)
			}
			data, err := apiRequest(http.MethodGet, "/api/jobs/"+args[0]+"/export", q, nil)
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Println(string(data))
				return nil
			}
			return writeFile(output, data)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: json, csv, or xlsx")
	cmd.Flags().StringVar(&output, "output", "", "write to this file instead of stdout")
	return cmd
}
