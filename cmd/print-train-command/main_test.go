package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_PrintsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.json")
	body := `{"model_id": "google/gemma-2b", "system_message": "You write SQL", "file_type": "text-to-sql", "lora_r": 8}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(&out, path, "data", "outputs", "python3", "train.py"); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"lora_r: 8",
		"file_type: schema-qa",
		"python3 train.py --model_id google/gemma-2b --system_message 'You write SQL'",
		"--data_file_path " + filepath.Join("data", "uploaded_schema-qa_data.xlsx"),
		"--lora_r 8",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(path, []byte(`{"model_id": "m"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(&bytes.Buffer{}, path, "data", "outputs", "python3", "train.py"); err == nil {
		t.Fatal("expected an error for a request without file_type")
	}
}

func TestShellJoin(t *testing.T) {
	got := shellJoin([]string{"echo", "it's here", ""})
	want := `echo 'it'\''s here' ''`
	if got != want {
		t.Errorf("shellJoin() = %q, want %q", got, want)
	}
}
