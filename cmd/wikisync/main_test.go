package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestParseTitle(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		title     string
		wantNS    int
		wantTitle string
	}{
		{name: "main namespace", title: "Main Page", wantNS: 0, wantTitle: "Main_Page"},
		{name: "file prefix", title: "File:Foo bar.png", wantNS: 6, wantTitle: "Foo_bar.png"},
		{name: "file title with colon", title: "File:Foo:bar.png", wantNS: 6, wantTitle: "Foo:bar.png"},
		{name: "explicit namespace", args: []string{"--ns", "100"}, title: "Portal:Science", wantNS: 100, wantTitle: "Science"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().Int("ns", 0, "")
			if err := cmd.Flags().Parse(tt.args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			ns, title := parseTitle(cmd, tt.title)
			if ns != tt.wantNS || title != tt.wantTitle {
				t.Errorf("parseTitle(%q) = %d, %q, want %d, %q", tt.title, ns, title, tt.wantNS, tt.wantTitle)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "2024-01-15", want: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{in: "2024-01-15T10:30:00Z", want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{in: "2024-01-15T12:30:00+02:00", want: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseTime(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
