package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cinemaindex/pgsync/internal/config"
	"github.com/cinemaindex/pgsync/internal/etl/state"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	exact := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T00:00:00Z", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-01T02:00:00+02:00", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-01T00:00:00.123456Z", time.Date(2024, 3, 1, 0, 0, 0, 123456000, time.UTC)},
		{" 2024-03-01 ", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range exact {
		got, err := parseWhen(tt.in, now)
		if err != nil {
			t.Errorf("parseWhen(%q) error = %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseWhen(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	got, err := parseWhen("yesterday", now)
	if err != nil {
		t.Fatalf("parseWhen(yesterday) error = %v", err)
	}
	if !got.Before(now) || got.Before(now.Add(-48*time.Hour)) {
		t.Errorf("parseWhen(yesterday) = %v, want within the day before %v", got, now)
	}

	if _, err := parseWhen("zzz qqq", now); err == nil {
		t.Error("parseWhen(garbage) succeeded, want error")
	}
}

func TestCheckStream(t *testing.T) {
	for _, s := range []string{"work", "person", "genre", "persons", "genres"} {
		if err := checkStream(s); err != nil {
			t.Errorf("checkStream(%q) = %v", s, err)
		}
	}
	err := checkStream("films")
	if err == nil {
		t.Fatal("checkStream(films) succeeded, want error")
	}
	if !strings.Contains(err.Error(), "work") {
		t.Errorf("error %q should list valid streams", err)
	}
}

func testReport() statusReport {
	return statusReport{
		StateFile:     "state.json",
		SideStateFile: "side_state.json",
		Checkpoints: []state.Checkpoint{
			{Stream: state.Genre, At: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
			{Stream: state.Work, At: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func TestWriteStatus_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(&buf, "json", testReport(), time.Now()); err != nil {
		t.Fatalf("writeStatus failed: %v", err)
	}

	var got statusReport
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.StateFile != "state.json" || len(got.Checkpoints) != 2 {
		t.Errorf("got %+v", got)
	}
	if !strings.Contains(buf.String(), `"state_file"`) {
		t.Errorf("expected snake_case keys, got:\n%s", buf.String())
	}
}

func TestWriteStatus_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(&buf, "yaml", testReport(), time.Now()); err != nil {
		t.Fatalf("writeStatus failed: %v", err)
	}

	var got statusReport
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	if got.SideStateFile != "side_state.json" || len(got.Checkpoints) != 2 {
		t.Errorf("got %+v", got)
	}
	if got.Checkpoints[1].Stream != state.Work {
		t.Errorf("checkpoint order changed: %+v", got.Checkpoints)
	}
}

func TestWriteStatus_Text(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	if err := writeStatus(&buf, "text", testReport(), now); err != nil {
		t.Fatalf("writeStatus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"STREAM", "genre", "work", "2024-03-02T00:00:00Z", "side_state.json"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := writeStatus(&buf, "", statusReport{}, now); err != nil {
		t.Fatalf("writeStatus failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No checkpoints") {
		t.Errorf("expected empty notice, got:\n%s", buf.String())
	}
}

func TestWriteStatus_UnknownFormat(t *testing.T) {
	if err := writeStatus(&bytes.Buffer{}, "xml", testReport(), time.Now()); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestAnswersApply(t *testing.T) {
	cfg := config.Default()
	a := answersFrom(cfg)
	if a.Port != "5432" || a.Address != "http://localhost:9200" || a.PollInterval != "10s" {
		t.Fatalf("answersFrom = %+v", a)
	}

	a.Host = " db.internal "
	a.Port = "6432"
	a.Password = "secret"
	a.Address = "http://es:9200"
	a.PollInterval = "1m"
	a.SideIndexes = false
	if err := a.apply(cfg); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if cfg.Postgres.Host != "db.internal" || cfg.Postgres.Port != 6432 || cfg.Postgres.Password != "secret" {
		t.Errorf("postgres = %+v", cfg.Postgres)
	}
	if len(cfg.Elasticsearch.Addresses) != 1 || cfg.Elasticsearch.Addresses[0] != "http://es:9200" {
		t.Errorf("addresses = %v", cfg.Elasticsearch.Addresses)
	}
	if cfg.App.PollInterval.Std() != time.Minute || cfg.App.SideIndexes {
		t.Errorf("app = %+v", cfg.App)
	}
}

func TestAnswersApply_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(a *answers)
	}{
		{"port", func(a *answers) { a.Port = "http" }},
		{"interval", func(a *answers) { a.PollInterval = "often" }},
		{"negative interval", func(a *answers) { a.PollInterval = "-1s" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			a := answersFrom(cfg)
			tt.modify(a)
			if err := a.apply(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFormValidators(t *testing.T) {
	if notEmpty("  ") == nil || notEmpty("x") != nil {
		t.Error("notEmpty")
	}
	if validPort("0") == nil || validPort("70000") == nil || validPort("5432") != nil {
		t.Error("validPort")
	}
	if validInterval("0s") == nil || validInterval("x") == nil || validInterval("250ms") != nil {
		t.Error("validInterval")
	}
}
