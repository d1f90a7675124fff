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

package moonraker

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

// fakeMoonraker scripts the two status endpoints and records calls.
type fakeMoonraker struct {
	mu          sync.Mutex
	klippyState string
	klippyMsg   string
	printState  string
	progress    float64
	filename    string
	files       []map[string]any
	startRC     int
	scripts     []string
	webcams     []map[string]any
}

func (f *fakeMoonraker) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/printer/info":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{"state": f.klippyState, "state_message": f.klippyMsg},
			})
		case r.URL.Path == "/printer/objects/query":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{"status": map[string]any{
					"print_stats": map[string]any{
						"state": f.printState, "filename": f.filename, "print_duration": 321.7,
					},
					"extruder":       map[string]any{"temperature": 205.2, "target": 210.0},
					"heater_bed":     map[string]any{"temperature": 59.8, "target": 60.0},
					"display_status": map[string]any{"progress": f.progress},
				}},
			})
		case r.URL.Path == "/server/files/list":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": f.files})
		case r.URL.Path == "/printer/print/start":
			rc := f.startRC
			if rc == 0 {
				rc = http.StatusOK
			}
			w.WriteHeader(rc)
		case r.URL.Path == "/printer/gcode/script":
			f.scripts = append(f.scripts, r.URL.Query().Get("script"))
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/server/webcams/list":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{"webcams": f.webcams},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, f *fakeMoonraker) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{Name: "voron-1", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetStatusPrintStatesMap(t *testing.T) {
	tests := []struct {
		printState string
		want       models.PrinterStatus
	}{
		{"standby", models.StatusIdle},
		{"complete", models.StatusIdle},
		{"cancelled", models.StatusIdle},
		{"printing", models.StatusPrinting},
		{"paused", models.StatusPaused},
		{"error", models.StatusError},
	}
	for _, tt := range tests {
		c := newTestClient(t, &fakeMoonraker{klippyState: "ready", printState: tt.printState})
		if got := c.GetStatus(context.Background()).Status; got != tt.want {
			t.Errorf("print_stats %q → %s, want %s", tt.printState, got, tt.want)
		}
	}
}

func TestGetStatusKlippyNotReady(t *testing.T) {
	c := newTestClient(t, &fakeMoonraker{klippyState: "startup"})
	if got := c.GetStatus(context.Background()).Status; got != models.StatusBusy {
		t.Errorf("startup → %s, want busy", got)
	}

	c = newTestClient(t, &fakeMoonraker{klippyState: "shutdown", klippyMsg: "MCU timeout"})
	st := c.GetStatus(context.Background())
	if st.Status != models.StatusError {
		t.Errorf("shutdown → %s, want error", st.Status)
	}
	if st.ErrorMessage == nil || *st.ErrorMessage != "MCU timeout" {
		t.Errorf("error message = %v", st.ErrorMessage)
	}
}

func TestGetStatusPrintingCarriesProgress(t *testing.T) {
	c := newTestClient(t, &fakeMoonraker{
		klippyState: "ready", printState: "printing",
		progress: 0.37, filename: "benchy.gcode",
	})
	st := c.GetStatus(context.Background())
	if st.JobProgress == nil || *st.JobProgress != 0.37 {
		t.Errorf("progress = %v, want 0.37", st.JobProgress)
	}
	if st.ElapsedSeconds == nil || *st.ElapsedSeconds != 321 {
		t.Errorf("elapsed = %v, want 321", st.ElapsedSeconds)
	}
	if st.FileName == nil || *st.FileName != "benchy.gcode" {
		t.Errorf("file = %v", st.FileName)
	}
	if len(st.ToolTemps) != 1 || *st.ToolTemps[0].Target != 210.0 {
		t.Errorf("tool temps = %+v", st.ToolTemps)
	}
}

func TestGetStatusUnreachableIsOffline(t *testing.T) {
	c, err := New(Config{Name: "voron-1", BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.GetStatus(context.Background()).Status; got != models.StatusOffline {
		t.Errorf("status = %s, want offline", got)
	}
}

func TestListFiles(t *testing.T) {
	c := newTestClient(t, &fakeMoonraker{
		klippyState: "ready",
		files: []map[string]any{
			{"path": "benchy.gcode", "size": 4096, "modified": 1760000000.5},
		},
	})
	files, err := c.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Name != "benchy.gcode" || files[0].Size != 4096 {
		t.Errorf("files = %+v", files)
	}
	if files[0].Modified == nil {
		t.Error("modified time missing")
	}
}

func TestStartPrintFileMissing(t *testing.T) {
	c := newTestClient(t, &fakeMoonraker{klippyState: "ready", startRC: http.StatusNotFound})
	err := c.StartPrint(context.Background(), "ghost.gcode")
	if faults.KindOf(err) != faults.KindFileMissing {
		t.Errorf("err = %v, want FILE_MISSING", err)
	}

	c = newTestClient(t, &fakeMoonraker{klippyState: "ready", startRC: http.StatusBadRequest})
	err = c.StartPrint(context.Background(), "benchy.gcode")
	if faults.KindOf(err) != faults.KindNotIdle {
		t.Errorf("err = %v, want NOT_IDLE", err)
	}
}

func TestSetTemperatureIssuesGCode(t *testing.T) {
	f := &fakeMoonraker{klippyState: "ready"}
	c := newTestClient(t, f)

	hot, bed := 215.0, 60.0
	if err := c.SetTemperature(context.Background(), models.TempTargets{Hotend: &hot, Bed: &bed}); err != nil {
		t.Fatalf("SetTemperature: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) != 1 {
		t.Fatalf("scripts = %v", f.scripts)
	}
	if f.scripts[0] != "M104 S215\nM140 S60" {
		t.Errorf("script = %q", f.scripts[0])
	}
}

func TestSendGCodeJoinsLines(t *testing.T) {
	f := &fakeMoonraker{klippyState: "ready"}
	c := newTestClient(t, f)

	responses, err := c.SendGCode(context.Background(), []string{"G28", "G1 Z10"})
	if err != nil {
		t.Fatalf("SendGCode: %v", err)
	}
	if len(responses) != 1 || responses[0] != "ok" {
		t.Errorf("responses = %v", responses)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scripts[0] != "G28\nG1 Z10" {
		t.Errorf("script = %q", f.scripts[0])
	}
}

func TestUploadFileRejectsPathEscape(t *testing.T) {
	c := newTestClient(t, &fakeMoonraker{klippyState: "ready"})
	err := c.UploadFile(context.Background(), "../sneaky.gcode", strings.NewReader("G28"), 3)
	if faults.KindOf(err) != faults.KindPathEscape {
		t.Errorf("err = %v, want PATH_ESCAPE", err)
	}
}

func TestWebcamDiscovery(t *testing.T) {
	f := &fakeMoonraker{
		klippyState: "ready",
		webcams: []map[string]any{
			{"name": "disabled", "snapshot_url": "/webcam2/snap", "enabled": false},
			{"name": "main", "snapshot_url": "/webcam/?action=snapshot", "stream_url": "/webcam/?action=stream", "enabled": true},
		},
	}
	c := newTestClient(t, f)

	stream, err := c.GetStreamURL(context.Background())
	if err != nil {
		t.Fatalf("GetStreamURL: %v", err)
	}
	if !strings.HasSuffix(stream, "/webcam/?action=stream") || !strings.HasPrefix(stream, "http") {
		t.Errorf("stream = %q", stream)
	}
}

func TestWebcamAbsent(t *testing.T) {
	c := newTestClient(t, &fakeMoonraker{klippyState: "ready"})
	_, err := c.GetStreamURL(context.Background())
	if faults.KindOf(err) != faults.KindUnsupported {
		t.Errorf("err = %v, want UNSUPPORTED", err)
	}
}
