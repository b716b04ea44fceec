package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"labwatch/pkg/backend"
	"labwatch/services/history"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"watch", "logs", "download", "tools", "events", "history"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered (err %v)", name, err)
		}
	}
	if !root.SilenceUsage || !root.SilenceErrors {
		t.Fatal("root command should silence usage and errors")
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
	}{
		{format: "text"},
		{format: "yaml"},
		{format: "json"},
		{format: "xml", wantErr: true},
		{format: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if err := validateFormat(tt.format); (err != nil) != tt.wantErr {
				t.Fatalf("validateFormat(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
			}
		})
	}
}

func TestWriteReport(t *testing.T) {
	v := struct {
		JobID string `json:"job_id" yaml:"job_id"`
	}{JobID: "7"}
	tests := []struct {
		format string
		want   string
	}{
		{format: formatYAML, want: "job_id: \"7\"\n"},
		{format: formatJSON, want: "{\n  \"job_id\": \"7\"\n}\n"},
		{format: formatText, want: "job 7\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			err := writeReport(&buf, tt.format, v, func(w io.Writer) error {
				_, err := io.WriteString(w, "job 7\n")
				return err
			})
			if err != nil {
				t.Fatalf("writeReport() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Fatalf("writeReport() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestWriteToolTable(t *testing.T) {
	tools := []backend.Tool{
		{Name: "fold", Parameters: []backend.ToolParameter{
			{Name: "protein", Type: backend.ParamTypeFile, Position: 0},
			{Name: "steps", Type: "int", Default: "10", HasDefault: true, Position: 1},
		}},
		{Name: "empty"},
	}
	var buf bytes.Buffer
	if err := writeToolTable(&buf, tools); err != nil {
		t.Fatalf("writeToolTable() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("table has %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if fields := strings.Fields(lines[2]); strings.Join(fields, " ") != "fold steps int 10 1" {
		t.Fatalf("row = %q", lines[2])
	}
	if fields := strings.Fields(lines[1]); fields[3] != "-" {
		t.Fatalf("file parameter default = %q, want -", fields[3])
	}
}

func TestHistoryReportText(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rep := historyReport{
		JobID: "7",
		Transitions: []history.Transition{
			{JobID: "7", ToState: "running", ObservedAt: at},
			{JobID: "7", FromState: "running", ToState: "failed", Error: "oom", ObservedAt: at.Add(time.Minute)},
		},
		CheckpointPolls: []history.CheckpointPoll{{JobID: "7", Cycle: 3, Checkpoints: 2, Points: 5, FetchedAt: at}},
	}
	var buf bytes.Buffer
	if err := rep.writeText(&buf); err != nil {
		t.Fatalf("writeText() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"2024-05-01T12:00:00Z  -", "running  failed   oom", "3      2            5"} {
		if !strings.Contains(out, want) {
			t.Errorf("history text missing %q:\n%s", want, out)
		}
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("LABWATCH_BASE_URL", "http://env.example")
	t.Setenv("LABWATCH_WALLET", "0xenv")

	cfg, err := loadConfig(context.Background(), &globalFlags{baseURL: "https://flag.example", logLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.BaseURL != "https://flag.example" {
		t.Fatalf("BaseURL = %q, want flag value", cfg.BaseURL)
	}
	if cfg.Wallet != "0xenv" || cfg.LogLevel != "debug" {
		t.Fatalf("Wallet/LogLevel = %q/%q", cfg.Wallet, cfg.LogLevel)
	}
}
