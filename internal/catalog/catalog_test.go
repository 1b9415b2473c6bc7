package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"fedboard/internal/domain"
)

const validDoc = `{
  // published by the catalog builder
  "invite": [
    {"uid": "1", "name": "Add", "description": "sum", "sourceUrl": "u1", "file_timestamp": 1700000000.5,
     "author": "alice", "language": "python", "datasites": ["bob"], "code": {"main.py": "u1/main.py"},
     "sharedInputs": "data.csv", "state": "invite"},
  ],
  "running": [],
  "completed": [
    {"uid": "2", "name": "Mul", "sourceUrl": "u2", "author": "bob", "datasites": [], "sharedInputs": ["a", "b"],
     "resultUrl": "u2/results"}
  ]
}`

func TestParseValid(t *testing.T) {
	c, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.Invite) != 1 || len(c.Running) != 0 || len(c.Completed) != 1 {
		t.Fatalf("unexpected groups: %+v", c)
	}
	if got := c.Invite[0].SharedInputs; !reflect.DeepEqual(got, domain.SharedInputs{"data.csv"}) {
		t.Fatalf("shared inputs = %v", got)
	}
	if got := c.Completed[0].SharedInputs; !reflect.DeepEqual(got, domain.SharedInputs{"a", "b"}) {
		t.Fatalf("shared inputs = %v", got)
	}
	if c.Invite[0].Code["main.py"] != "u1/main.py" {
		t.Fatalf("code = %v", c.Invite[0].Code)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		problem string
	}{
		{"missing group", `{"invite": [], "running": []}`, "completed: group is required"},
		{"missing uid", `{"invite": [{"name": "x", "sourceUrl": "u", "author": "a"}], "running": [], "completed": []}`, "invite[0].uid"},
		{"missing author", `{"invite": [{"uid": "1", "name": "x", "sourceUrl": "u"}], "running": [], "completed": []}`, "invite[0].author"},
		{"duplicate across groups", `{"invite": [{"uid": "1", "name": "x", "sourceUrl": "u", "author": "a"}],
			"running": [{"uid": "1", "name": "x", "sourceUrl": "u", "author": "a"}], "completed": []}`, "already listed under invite"},
		{"completed without results", `{"invite": [], "running": [],
			"completed": [{"uid": "1", "name": "x", "sourceUrl": "u", "author": "a"}]}`, "completed[0].resultUrl"},
		{"negative timestamp", `{"invite": [{"uid": "1", "name": "x", "sourceUrl": "u", "author": "a", "file_timestamp": -1}],
			"running": [], "completed": []}`, "file_timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(verr.Error(), tc.problem) {
				t.Fatalf("error %q does not mention %q", verr.Error(), tc.problem)
			}
		})
	}
}

func TestParseRejectsBadJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"invite": [`)); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.json")
	if err := os.WriteFile(path, []byte(validDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := FileSource{Path: path, Now: func() time.Time { return fixed }}
	snap, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Version == "" || !snap.FetchedAt.Equal(fixed) || snap.Catalog.Len() != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	again, _ := src.Fetch(context.Background())
	if again.Version != snap.Version {
		t.Fatalf("version changed for identical document")
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activity.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(validDoc))
	}))
	defer srv.Close()

	snap, err := HTTPSource{URL: srv.URL + "/activity.json"}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Catalog.Invite[0].UID != "1" {
		t.Fatalf("unexpected catalog: %+v", snap.Catalog)
	}
	if _, err := (HTTPSource{URL: srv.URL + "/missing.json"}).Fetch(context.Background()); err == nil {
		t.Fatalf("expected status error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuild(t *testing.T) {
	sync := t.TempDir()
	writeFile(t, filepath.Join(sync, "alice", "public", "fedreduce", "invite", "add", "add.yaml"), `
project: add
uid: "0001"
description: adds numbers
language: python
author: alice
code: [main.py, run.py]
shared_inputs:
  data: numbers.csv
workflow:
  datasites: [carol, bob]
`)
	writeFile(t, filepath.Join(sync, "alice", "public", "fedreduce", "completed", "mul", "mul.yaml"), `
project: mul
uid: "0002"
author: alice
language: python
`)
	// stray definition in someone else's datasite
	writeFile(t, filepath.Join(sync, "mallory", "public", "fedreduce", "invite", "add", "add.yaml"), `
project: add
uid: "0003"
author: alice
`)
	writeFile(t, filepath.Join(sync, "dave", "public", "fedreduce", "join", "alice", "add.yaml.join"), "")

	c, err := Build(BuildOptions{SyncFolder: sync, App: "fedreduce", BaseURL: "http://host/datasites/"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(c.Invite) != 1 || len(c.Running) != 0 || len(c.Completed) != 1 {
		t.Fatalf("groups = %+v", c)
	}
	add := c.Invite[0]
	if add.Name != "Add" || add.UID != "0001" {
		t.Fatalf("add = %+v", add)
	}
	if add.SourceURL != "http://host/datasites/alice/public/fedreduce/add" {
		t.Fatalf("source = %s", add.SourceURL)
	}
	if !reflect.DeepEqual(add.Datasites, []string{"bob", "carol", "dave"}) {
		t.Fatalf("datasites = %v", add.Datasites)
	}
	if add.Code["run.py"] != add.SourceURL+"/run.py" {
		t.Fatalf("code = %v", add.Code)
	}
	if add.ResultURL != "" {
		t.Fatalf("invite project got result url")
	}
	if c.Completed[0].ResultURL != "http://host/datasites/alice/public/fedreduce/mul/results" {
		t.Fatalf("result url = %s", c.Completed[0].ResultURL)
	}

	out := filepath.Join(t.TempDir(), "site", "activity.json")
	if err := Write(out, c); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := FileSource{Path: out}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("reload built catalog: %v", err)
	}
	if snap.Catalog.Len() != 2 {
		t.Fatalf("reloaded %d projects", snap.Catalog.Len())
	}
}

func TestBuildSkipsInvalidDefinitions(t *testing.T) {
	sync := t.TempDir()
	writeFile(t, filepath.Join(sync, "alice", "public", "fedreduce", "invite", "add", "add.yaml"), `
project: add
uid: "0001"
author: alice
`)
	// missing uid
	writeFile(t, filepath.Join(sync, "bob", "public", "fedreduce", "invite", "mean", "mean.yaml"), `
project: mean
author: bob
`)
	// uid already taken by alice/add
	writeFile(t, filepath.Join(sync, "carol", "public", "fedreduce", "invite", "max", "max.yaml"), `
project: max
uid: "0001"
author: carol
`)

	var logs bytes.Buffer
	c, err := Build(BuildOptions{
		SyncFolder: sync,
		App:        "fedreduce",
		BaseURL:    "http://host/datasites",
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(c.Invite) != 1 || c.Invite[0].UID != "0001" || c.Invite[0].Author != "alice" {
		t.Fatalf("invite = %+v", c.Invite)
	}
	if n := strings.Count(logs.String(), "skipping project definition"); n != 2 {
		t.Fatalf("skipped %d definitions, logs:\n%s", n, logs.String())
	}
	if !strings.Contains(logs.String(), "uid: failed required") || !strings.Contains(logs.String(), "already defined") {
		t.Fatalf("unexpected skip reasons:\n%s", logs.String())
	}
}
