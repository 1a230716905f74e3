package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

type document struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Text      string `json:"text,omitempty"`
	Path      string `json:"path,omitempty"`
}

type sessionStatus struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	Tasks     struct {
		Planned   int `json:"planned"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	} `json:"tasks"`
	Warnings []struct {
		Stage   string `json:"stage"`
		Message string `json:"message"`
	} `json:"warnings"`
	Failure *struct {
		Stage   string `json:"stage"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"failure,omitempty"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Evaluator server URL")
	session := flag.String("session", "", "Session ID (generated by the server when empty)")
	remote := flag.Bool("remote", false, "Send file arguments as server-side paths instead of uploading their text")
	concurrency := flag.Int("concurrency", 0, "Parallel task limit (server default when 0)")
	poll := flag.Duration("poll", 2*time.Second, "Status poll interval")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up waiting after this long")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: evalctl [flags] FILE...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	docs, err := loadDocuments(flag.Args(), *remote)
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}

	body := map[string]interface{}{"session_id": *session, "documents": docs}
	if *concurrency > 0 {
		body["params"] = map[string]int{"concurrency": *concurrency}
	}
	id, err := submit(*server, body)
	if err != nil {
		printError("Submit failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s started\n", id)

	st, err := waitTerminal(*server, id, *poll, *timeout)
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
	for _, w := range st.Warnings {
		fmt.Fprintf(os.Stderr, "\033[33mwarning [%s]\033[0m %s\n", w.Stage, w.Message)
	}
	if st.Failure != nil {
		printError("Session failed in %s (%s): %s", st.Failure.Stage, st.Failure.Kind, st.Failure.Message)
		os.Exit(1)
	}

	report, err := fetchReport(*server, id)
	if err != nil {
		printError("Fetch report failed: %v", err)
		os.Exit(1)
	}
	fmt.Println(report)
}

func loadDocuments(paths []string, remote bool) ([]document, error) {
	docs := make([]document, 0, len(paths))
	for _, p := range paths {
		doc := document{Name: filepath.Base(p)}
		if remote {
			doc.Path = p
		} else {
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", p, err)
			}
			doc.Text = string(data)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func submit(server string, body interface{}) (string, error) {
	b, _ := json.Marshal(body)
	resp, err := http.Post(server+"/api/sessions", "application/json", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server error (%d): %s", resp.StatusCode, string(data))
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return out.SessionID, nil
}

func waitTerminal(server, id string, every, timeout time.Duration) (*sessionStatus, error) {
	deadline := time.Now().Add(timeout)
	lastStage := ""
	for {
		st, err := fetchStatus(server, id)
		if err != nil {
			return nil, err
		}
		if st.Stage != lastStage {
			fmt.Printf("\033[36m[%s]\033[0m %s\n", st.Stage, st.Status)
			lastStage = st.Stage
		}
		switch st.Status {
		case "completed", "completed_with_warnings", "failed":
			fmt.Printf("Tasks: %d planned, %d succeeded, %d failed\n",
				st.Tasks.Planned, st.Tasks.Succeeded, st.Tasks.Failed)
			return st, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("session %s still %s after %s", id, st.Status, timeout)
		}
		time.Sleep(every)
	}
}

func fetchStatus(server, id string) (*sessionStatus, error) {
	resp, err := http.Get(server + "/api/sessions/" + id)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(data))
	}
	var st sessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &st, nil
}

func fetchReport(server, id string) (string, error) {
	resp, err := http.Get(server + "/api/sessions/" + id + "/report?format=markdown")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server error (%d): %s", resp.StatusCode, string(data))
	}
	return string(data), nil
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
