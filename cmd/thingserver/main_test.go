package main

import (
	"bytes"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseThingSpec(t *testing.T) {
	tests := []struct {
		spec      string
		wantType  string
		wantPath  string
		wantTitle string
		wantErr   bool
	}{
		{spec: "counter:/counter/", wantType: "counter", wantPath: "/counter/"},
		{spec: "counter:bench:Bench: left", wantType: "counter", wantPath: "bench", wantTitle: "Bench: left"},
		{spec: "counter", wantErr: true},
		{spec: ":/counter/", wantErr: true},
		{spec: "counter:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			tc, err := parseThingSpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseThingSpec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tc.Type != tt.wantType || tc.Path != tt.wantPath || tc.Title != tt.wantTitle {
				t.Errorf("parseThingSpec() = %+v", tc)
			}
		})
	}
}

func TestActionsCmd(t *testing.T) {
	cmd := actionsCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var listing []thingListing
	if err := yaml.Unmarshal(buf.Bytes(), &listing); err != nil {
		t.Fatalf("yaml: %v\n%s", err, buf.String())
	}
	if len(listing) == 0 || listing[0].Type != "counter" {
		t.Fatalf("listing = %+v", listing)
	}
	var names []string
	for _, a := range listing[0].Actions {
		names = append(names, a.Name)
		if a.Name == "count_until_cancelled" && a.Waits != "never" {
			t.Errorf("count_until_cancelled response_timeout = %q", a.Waits)
		}
	}
	if !strings.Contains(strings.Join(names, ","), "increment_counter") {
		t.Errorf("actions = %v", names)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "text", nil).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "json", nil).Info("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q", buf.String())
	}
}
