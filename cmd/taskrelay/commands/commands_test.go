package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskrelay/internal/inbox"
	"taskrelay/internal/task/ident"
	"taskrelay/internal/task/manager"
)

func TestBuildEnvelope(t *testing.T) {
	id := ident.Encode(ident.Ref{AppID: "demo", TaskName: "sync"})
	tests := []struct {
		name    string
		kind    string
		ident   string
		app     string
		task    string
		payload string
		wantID  string
		err     bool
	}{
		{name: "identifier", kind: "delivery", ident: id, payload: `{"firedAt":1}`, wantID: id},
		{name: "task and app", kind: "fetch", app: "demo", task: "sync", wantID: id},
		{name: "task without app", kind: "delivery", task: "sync", err: true},
		{name: "malformed identifier", kind: "delivery", ident: "sync", err: true},
		{name: "invalid json", kind: "position", payload: `{lat`, err: true},
		{name: "position", kind: "Position", payload: `{"latitude":1,"longitude":2}`},
	}
	for _, tt := range tests {
		env, err := buildEnvelope(tt.kind, tt.ident, tt.app, tt.task, []byte(tt.payload))
		if tt.err {
			if err == nil {
				t.Errorf("%s: want error, got nil", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if env.Identifier != tt.wantID {
			t.Errorf("%s: identifier = %q, want %q", tt.name, env.Identifier, tt.wantID)
		}
		if string(env.Kind) != strings.ToLower(tt.kind) {
			t.Errorf("%s: kind = %q, want %q", tt.name, env.Kind, strings.ToLower(tt.kind))
		}
	}
}

func TestDeliverEnvelopeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	payloadFile := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(payloadFile, []byte(`{"locations":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	raw, err := readPayload("@" + payloadFile)
	if err != nil {
		t.Fatal(err)
	}
	env, err := buildEnvelope("location", "", "", "", raw)
	if err != nil {
		t.Fatal(err)
	}
	path, err := inbox.WriteSpool(filepath.Join(dir, "inbox"), env)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := inbox.DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Kind != inbox.KindLocation || string(got.Payload) != `{"locations":[]}` {
		t.Errorf("envelope = %+v", got)
	}

	if _, err := readPayload("@" + filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("missing payload file: want error, got nil")
	}
}

func TestRenderTasks(t *testing.T) {
	snap := manager.Snapshot{
		"sync": {ConsumerKind: "generic", Options: map[string]any{"minimumInterval": 900.0}},
		"home": {ConsumerKind: "geofence", Options: map[string]any{}},
	}
	rows := snapshotRows("demo", snap)
	if len(rows) != 2 || rows[0].Task != "home" || rows[1].Task != "sync" {
		t.Fatalf("rows = %+v, want home then sync", rows)
	}
	if rows[1].Identifier != ident.Encode(ident.Ref{AppID: "demo", TaskName: "sync"}) {
		t.Errorf("identifier = %q", rows[1].Identifier)
	}

	var buf bytes.Buffer
	renderTasks(&buf, rows)
	out := buf.String()
	for _, want := range []string{"APP", "geofence", "minimumInterval=900", "2 task(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderTasks(&buf, nil)
	if !strings.Contains(buf.String(), "no persisted tasks") {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestFormatOptions(t *testing.T) {
	tests := []struct {
		in   map[string]any
		want string
	}{
		{nil, "-"},
		{map[string]any{"b": "x", "a": 1}, `a=1 b="x"`},
	}
	for _, tt := range tests {
		if got := formatOptions(tt.in); got != tt.want {
			t.Errorf("formatOptions(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
