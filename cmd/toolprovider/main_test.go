package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunStdio(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"calculate","arguments":{"expression":"6 * 7"}}}` + "\n")
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), in, &stdout, &stderr, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("stdout is not a single JSON-RPC frame: %q", stdout.String())
	}
	if len(resp.Result.Content) != 1 || resp.Result.Content[0].Text != "The result is: 42" {
		t.Errorf("result = %+v", resp.Result)
	}
	if !strings.Contains(stderr.String(), "tool provider started") {
		t.Errorf("expected startup log on stderr, got %q", stderr.String())
	}
}

func TestRunRejectsUnknownArgument(t *testing.T) {
	err := run(context.Background(), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-bogus"})
	if err == nil {
		t.Error("expected error")
	}
}
