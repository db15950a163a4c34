package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"sentinel-ai/investigation"
)

func chatResponse(message string) string {
	return fmt.Sprintf(`{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1716200000,
  "model": "llama-3.3-70b-versatile",
  "choices": [{"index": 0, "message": %s, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120}
}`, message)
}

func finalResultMessage(t *testing.T, report map[string]string) string {
	t.Helper()
	args, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	msg := map[string]any{
		"role": "assistant",
		"tool_calls": []map[string]any{{
			"id":   "call_final",
			"type": "function",
			"function": map[string]string{
				"name":      investigation.FinalResultTool,
				"arguments": string(args),
			},
		}},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

// runCLI executes the root command against a fake model endpoint that
// answers every request with body.
func runCLI(t *testing.T, body string, args ...string) (stdout, stderr string, calls int32, err error) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	defer srv.Close()

	cfgPath := writeFile(t, "config.yaml", fmt.Sprintf(`
llm:
  api_key: gsk-test
  base_url: %s
logger:
  level: error
`, srv.URL))

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--env-file", ""}, args...))
	err = cmd.Execute()
	return out.String(), errOut.String(), n.Load(), err
}

func TestInvestigateCommand_Sample(t *testing.T) {
	body := chatResponse(finalResultMessage(t, map[string]string{
		"severity":          "critical",
		"diagnostic":        "api-auth cannot reach its database",
		"remediation_steps": "1. Restart the DB pool\n2. Check credentials",
	}))

	stdout, _, calls, err := runCLI(t, body, "investigate", "--sample", "--trace")
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if calls != 1 {
		t.Errorf("model calls = %d, want 1", calls)
	}
	for _, want := range []string{
		"Severity: CRITICAL",
		"  api-auth cannot reach its database",
		"  2. Check credentials",
		"1 model calls, 0 tool rounds",
		"Transcript:",
		`"kind": "final"`,
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestInvestigateCommand_JSON(t *testing.T) {
	body := chatResponse(finalResultMessage(t, map[string]string{
		"severity":          "WARNING",
		"diagnostic":        "gateway timeouts",
		"remediation_steps": "raise the upstream timeout",
	}))

	stdout, _, _, err := runCLI(t, body, "investigate", "--sample", "--json")
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	var res struct {
		ID     string                      `json:"id"`
		Report investigation.IncidentReport `json:"report"`
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout)
	}
	if !strings.HasPrefix(res.ID, "inv-") || res.Report.Severity != "WARNING" {
		t.Errorf("result = %+v", res)
	}
}

func TestInvestigateCommand_MalformedOutput(t *testing.T) {
	body := chatResponse(`{"role": "assistant", "content": "the database looks sad"}`)

	_, stderr, _, err := runCLI(t, body, "investigate", "--sample")
	if !errors.Is(err, investigation.ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
	if !strings.Contains(stderr, "[output_shape_error]") {
		t.Errorf("stderr missing error kind:\n%s", stderr)
	}
	if !strings.Contains(stderr, "the database looks sad") {
		t.Errorf("stderr missing rejected output:\n%s", stderr)
	}
}

func TestInvestigateCommand_NoInput(t *testing.T) {
	_, _, calls, err := runCLI(t, chatResponse(`{"role":"assistant","content":""}`), "investigate")
	if err == nil || !strings.Contains(err.Error(), "no logs given") {
		t.Fatalf("err = %v", err)
	}
	if calls != 0 {
		t.Errorf("model called %d times without input", calls)
	}
}

func TestInvestigateCommand_Stdin(t *testing.T) {
	body := chatResponse(finalResultMessage(t, map[string]string{
		"severity":          "INFO",
		"diagnostic":        "nothing wrong",
		"remediation_steps": "none",
	}))
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		got.Store(string(raw))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	defer srv.Close()
	cfgPath := writeFile(t, "config.yaml", "llm:\n  api_key: gsk-test\n  base_url: "+srv.URL+"\nlogger:\n  level: error\n")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader("[WARN] disk 91% full on node-7\n"))
	cmd.SetArgs([]string{"--config", cfgPath, "--env-file", "", "investigate", "--file", "-"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	req, _ := got.Load().(string)
	if !strings.Contains(req, "disk 91% full on node-7") {
		t.Errorf("request does not carry stdin logs: %s", req)
	}
	if !strings.Contains(out.String(), "Severity: INFO") {
		t.Errorf("output = %s", out.String())
	}
}

func TestInvestigateCommand_MissingCredential(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")
	cfgPath := writeFile(t, "config.yaml", "logger:\n  level: error\n")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", cfgPath, "--env-file", "", "investigate", "--sample"})
	err := cmd.Execute()
	if !errors.Is(err, investigation.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}
