// epjob manages scheduled analysis jobs over the epoptis HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

type job struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Schedule      string `json:"schedule_display"`
	TranscriptKey string `json:"transcript_key"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run"`
}

func apiRequest(baseURL, password, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequest(method, baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if password != "" {
		req.SetBasicAuth("", password)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out.Bytes(), &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("api returned %d", resp.StatusCode)
	}
	return out.Bytes(), nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  epjob create --name "..." --schedule "..." --transcript-key "..."`)
	fmt.Fprintln(os.Stderr, "  epjob list")
	fmt.Fprintln(os.Stderr, `  epjob delete --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	baseURL := os.Getenv("EPOPTIS_API")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	password := os.Getenv("EPOPTIS_API_PASSWORD")

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "create":
		args := parseArgs(rest)
		if args["name"] == "" || args["schedule"] == "" || args["transcript-key"] == "" {
			fatal("--name, --schedule, and --transcript-key are required")
		}
		data, err := apiRequest(baseURL, password, http.MethodPost, "/api/jobs", map[string]any{
			"name":           args["name"],
			"schedule":       args["schedule"],
			"transcript_key": args["transcript-key"],
		})
		if err != nil {
			fatal("%v", err)
		}
		var created job
		if err := json.Unmarshal(data, &created); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Job created: %s\n", created.ID)

	case "list":
		data, err := apiRequest(baseURL, password, http.MethodGet, "/api/jobs", nil)
		if err != nil {
			fatal("%v", err)
		}
		var jobs []job
		if err := json.Unmarshal(data, &jobs); err != nil {
			fatal("%v", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
		} else {
			for _, j := range jobs {
				fmt.Printf("  %s  %s  %s  [%s]  next: %s\n", j.ID, j.Status, j.Name, j.Schedule, j.NextRun)
			}
		}

	case "delete":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		if _, err := apiRequest(baseURL, password, http.MethodDelete, "/api/jobs/"+args["id"], nil); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Job deleted.")

	default:
		fatal("unknown command: %s", command)
	}
}
