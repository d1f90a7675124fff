// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package octoprint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"kiln/pkg/faults"
	"kiln/pkg/models"
)

// fakeOcto is a scriptable OctoPrint instance.
type fakeOcto struct {
	mu       sync.Mutex
	apiKey   string
	printer  map[string]any
	job      map[string]any
	files    []map[string]any
	startRC  int
	requests []string
}

func (f *fakeOcto) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		if f.apiKey != "" && r.Header.Get("X-Api-Key") != f.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/api/printer":
			_ = json.NewEncoder(w).Encode(f.printer)
		case r.URL.Path == "/api/job" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(f.job)
		case r.URL.Path == "/api/files/local" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"files": f.files})
		case strings.HasPrefix(r.URL.Path, "/api/files/local/") && r.Method == http.MethodPost:
			rc := f.startRC
			if rc == 0 {
				rc = http.StatusNoContent
			}
			w.WriteHeader(rc)
		case r.URL.Path == "/api/job" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/api/printer/command":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func idleFlags() map[string]any {
	return map[string]any{
		"state": map[string]any{
			"text":  "Operational",
			"flags": map[string]any{"operational": true, "ready": true},
		},
		"temperature": map[string]any{
			"tool0": map[string]any{"actual": 24.9, "target": 0.0},
			"bed":   map[string]any{"actual": 23.1, "target": 0.0},
		},
	}
}

func newTestClient(t *testing.T, f *fakeOcto) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{Name: "octo-1", BaseURL: srv.URL, APIKey: f.apiKey})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestGetStatusIdle(t *testing.T) {
	f := &fakeOcto{printer: idleFlags()}
	c, _ := newTestClient(t, f)

	st := c.GetStatus(context.Background())
	if st.Status != models.StatusIdle {
		t.Errorf("status = %s, want idle", st.Status)
	}
	if len(st.ToolTemps) != 1 || st.ToolTemps[0].Actual == nil || *st.ToolTemps[0].Actual != 24.9 {
		t.Errorf("tool temps = %+v", st.ToolTemps)
	}
	if st.BedTemp == nil || *st.BedTemp.Actual != 23.1 {
		t.Errorf("bed temp = %+v", st.BedTemp)
	}
}

func TestGetStatusPrintingWithProgress(t *testing.T) {
	completion := 42.5
	f := &fakeOcto{
		printer: map[string]any{
			"state": map[string]any{
				"text":  "Printing",
				"flags": map[string]any{"operational": true, "printing": true},
			},
		},
		job: map[string]any{
			"job":      map[string]any{"file": map[string]any{"name": "benchy.gcode"}},
			"progress": map[string]any{"completion": completion, "printTime": 600, "printTimeLeft": 900},
		},
	}
	c, _ := newTestClient(t, f)

	st := c.GetStatus(context.Background())
	if st.Status != models.StatusPrinting {
		t.Fatalf("status = %s, want printing", st.Status)
	}
	if st.JobProgress == nil || *st.JobProgress != 0.425 {
		t.Errorf("progress = %v, want 0.425", st.JobProgress)
	}
	if st.ElapsedSeconds == nil || *st.ElapsedSeconds != 600 {
		t.Errorf("elapsed = %v", st.ElapsedSeconds)
	}
	if st.FileName == nil || *st.FileName != "benchy.gcode" {
		t.Errorf("file = %v", st.FileName)
	}
}

func TestGetStatusFlagPrecedence(t *testing.T) {
	tests := []struct {
		flags map[string]any
		want  models.PrinterStatus
	}{
		{map[string]any{"printing": true, "operational": true}, models.StatusPrinting},
		{map[string]any{"paused": true, "operational": true}, models.StatusPaused},
		{map[string]any{"pausing": true, "operational": true}, models.StatusPaused},
		{map[string]any{"cancelling": true, "operational": true}, models.StatusBusy},
		{map[string]any{"error": true}, models.StatusError},
		{map[string]any{"closedOrError": true}, models.StatusError},
		{map[string]any{"operational": true}, models.StatusIdle},
	}
	for _, tt := range tests {
		f := &fakeOcto{printer: map[string]any{
			"state": map[string]any{"text": "x", "flags": tt.flags},
		}}
		c, _ := newTestClient(t, f)
		if got := c.GetStatus(context.Background()).Status; got != tt.want {
			t.Errorf("flags %v → %s, want %s", tt.flags, got, tt.want)
		}
	}
}

func TestGetStatusUnreachableIsOffline(t *testing.T) {
	c, err := New(Config{Name: "octo-1", BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.GetStatus(context.Background()).Status; got != models.StatusOffline {
		t.Errorf("status = %s, want offline", got)
	}
}

type recordObserver struct {
	mu  sync.Mutex
	raw []string
}

func (o *recordObserver) UnmappedState(_ models.PrinterID, rawState string) {
	o.mu.Lock()
	o.raw = append(o.raw, rawState)
	o.mu.Unlock()
}

func TestGetStatusUnmappedFlagsObserved(t *testing.T) {
	f := &fakeOcto{printer: map[string]any{
		"state": map[string]any{"text": "Detecting serial connection", "flags": map[string]any{}},
	}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	obs := &recordObserver{}
	c, err := New(Config{Name: "octo-1", BaseURL: srv.URL, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := c.GetStatus(context.Background()).Status; got != models.StatusUnknown {
		t.Errorf("status = %s, want unknown", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.raw) != 1 || obs.raw[0] != "Detecting serial connection" {
		t.Errorf("observed = %v", obs.raw)
	}
}

func TestListFiles(t *testing.T) {
	f := &fakeOcto{
		printer: idleFlags(),
		files: []map[string]any{
			{"name": "benchy.gcode", "size": 1234, "date": 1760000000},
			{"name": "cal-cube.gcode", "size": 99},
		},
	}
	c, _ := newTestClient(t, f)

	files, err := c.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || files[0].Name != "benchy.gcode" || files[0].Size != 1234 {
		t.Errorf("files = %+v", files)
	}
	if files[0].Modified == nil {
		t.Error("dated file should carry a modified time")
	}
	if files[1].Modified != nil {
		t.Error("undated file should not")
	}
}

func TestStartPrintOutcomes(t *testing.T) {
	tests := []struct {
		rc   int
		kind faults.Kind
	}{
		{http.StatusNoContent, ""},
		{http.StatusNotFound, faults.KindFileMissing},
		{http.StatusConflict, faults.KindNotIdle},
	}
	for _, tt := range tests {
		f := &fakeOcto{startRC: tt.rc}
		c, _ := newTestClient(t, f)
		err := c.StartPrint(context.Background(), "benchy.gcode")
		if got := faults.KindOf(err); got != tt.kind {
			t.Errorf("status %d → kind %q, want %q", tt.rc, got, tt.kind)
		}
	}
}

func TestUploadFileRejectsPathEscape(t *testing.T) {
	f := &fakeOcto{}
	c, _ := newTestClient(t, f)

	for _, name := range []string{"../../../etc/passwd", "/abs/path.gcode"} {
		err := c.UploadFile(context.Background(), name, strings.NewReader("G28"), 3)
		if faults.KindOf(err) != faults.KindPathEscape {
			t.Errorf("UploadFile(%q) = %v, want PATH_ESCAPE", name, err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) != 0 {
		t.Error("escaping filename must never reach the printer")
	}
}

func TestAuthFailureKind(t *testing.T) {
	f := &fakeOcto{apiKey: "correct-key", printer: idleFlags()}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{Name: "octo-1", BaseURL: srv.URL, APIKey: "wrong-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.ListFiles(context.Background())
	if faults.KindOf(err) != faults.KindAuth {
		t.Errorf("err = %v, want AUTH", err)
	}
}

func TestSendGCodeAcknowledged(t *testing.T) {
	f := &fakeOcto{printer: idleFlags()}
	c, _ := newTestClient(t, f)

	responses, err := c.SendGCode(context.Background(), []string{"G28", "M104 S200"})
	if err != nil {
		t.Fatalf("SendGCode: %v", err)
	}
	// OctoPrint acknowledges without per-line responses.
	if responses != nil {
		t.Errorf("responses = %v, want nil", responses)
	}
}
