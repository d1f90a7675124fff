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

package bambu

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jlaffaye/ftp"

	"kiln/internal/adapter"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

// bareClient builds a Client without opening an MQTT session.
func bareClient() *Client {
	return &Client{
		name:     "x1c-1",
		host:     "printer.local",
		serial:   "01S00C000000001",
		observer: adapter.NopObserver{},
	}
}

func TestMapState(t *testing.T) {
	tests := []struct {
		raw  string
		want models.PrinterStatus
	}{
		{"IDLE", models.StatusIdle},
		{"FINISH", models.StatusIdle},
		{"FAILED", models.StatusIdle},
		{"RUNNING", models.StatusPrinting},
		{"running", models.StatusPrinting},
		{"PAUSE", models.StatusPaused},
		{"PREPARE", models.StatusBusy},
		{"SLICING", models.StatusBusy},
		{"", models.StatusUnknown},
		{"TELEPORTING", models.StatusUnknown},
	}
	c := bareClient()
	for _, tt := range tests {
		if got := c.mapState(tt.raw); got != tt.want {
			t.Errorf("mapState(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestRemotePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"benchy.3mf", "/sdcard/benchy.3mf", false},
		{"/sdcard/benchy.3mf", "/sdcard/benchy.3mf", false},
		{"/cache/part.3mf", "/cache/part.3mf", false},
		{"../etc/passwd", "", true},
		{"/sdcard/../etc/passwd", "", true},
		{"/etc/passwd", "", true},
		{"/root/file.3mf", "", true},
	}
	for _, tt := range tests {
		got, err := remotePath(tt.in)
		if tt.wantErr {
			if faults.KindOf(err) != faults.KindPathEscape {
				t.Errorf("remotePath(%q) err = %v, want PATH_ESCAPE", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("remotePath(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("remotePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetStatusStaleReportIsOffline(t *testing.T) {
	c := bareClient()

	// No report at all.
	if got := c.GetStatus(context.Background()).Status; got != models.StatusOffline {
		t.Errorf("no report → %s, want offline", got)
	}

	// Fresh report while connected.
	c.mu.Lock()
	c.connected = true
	c.lastReport = reportPrint{GcodeState: "RUNNING"}
	c.lastSeen = time.Now()
	c.mu.Unlock()
	if got := c.GetStatus(context.Background()).Status; got != models.StatusPrinting {
		t.Errorf("fresh report → %s, want printing", got)
	}

	// Same report aged past the bound.
	c.mu.Lock()
	c.lastSeen = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	if got := c.GetStatus(context.Background()).Status; got != models.StatusOffline {
		t.Errorf("stale report → %s, want offline", got)
	}
}

// fakeMessage is a minimal mqtt.Message for feeding onReport.
type fakeMessage struct{ payload []byte }

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 0 }
func (fakeMessage) Retained() bool    { return false }
func (fakeMessage) Topic() string     { return "device/x/report" }
func (fakeMessage) MessageID() uint16 { return 0 }
func (f fakeMessage) Payload() []byte { return f.payload }
func (fakeMessage) Ack()              {}

var _ mqtt.Message = fakeMessage{}

func TestOnReportMergesPartials(t *testing.T) {
	c := bareClient()
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.onReport(nil, fakeMessage{payload: []byte(`{"print":{
		"gcode_state":"RUNNING","gcode_file":"benchy.3mf",
		"mc_percent":25,"nozzle_temper":218.5,"nozzle_target_temper":220,
		"bed_temper":55,"bed_target_temper":55}}`)})

	// Partial update: only the percent moves; everything else survives.
	c.onReport(nil, fakeMessage{payload: []byte(`{"print":{"mc_percent":31}}`)})

	st := c.GetStatus(context.Background())
	if st.Status != models.StatusPrinting {
		t.Fatalf("status = %s, want printing", st.Status)
	}
	if st.JobProgress == nil || *st.JobProgress != 0.31 {
		t.Errorf("progress = %v, want 0.31", st.JobProgress)
	}
	if st.FileName == nil || *st.FileName != "benchy.3mf" {
		t.Errorf("file = %v", st.FileName)
	}
	if len(st.ToolTemps) != 1 || *st.ToolTemps[0].Target != 220 {
		t.Errorf("tool temps = %+v", st.ToolTemps)
	}
}

// fakeFTP records stored files and serves a fixed listing.
type fakeFTP struct {
	stored  map[string]string
	entries []*ftp.Entry
	quits   int
}

func (f *fakeFTP) Stor(path string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.stored == nil {
		f.stored = make(map[string]string)
	}
	f.stored[path] = string(b)
	return nil
}

func (f *fakeFTP) List(string) ([]*ftp.Entry, error) { return f.entries, nil }
func (f *fakeFTP) Quit() error                       { f.quits++; return nil }

func TestUploadFileOverFTPS(t *testing.T) {
	conn := &fakeFTP{}
	c := bareClient()
	c.dialFTP = func(context.Context) (ftpConn, error) { return conn, nil }

	err := c.UploadFile(context.Background(), "benchy.3mf", strings.NewReader("3mf-bytes"), 9)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if conn.stored["/sdcard/benchy.3mf"] != "3mf-bytes" {
		t.Errorf("stored = %v", conn.stored)
	}
	if conn.quits != 1 {
		t.Errorf("quits = %d, want 1", conn.quits)
	}
}

func TestUploadFileRejectsTraversalBeforeDialing(t *testing.T) {
	dialed := false
	c := bareClient()
	c.dialFTP = func(context.Context) (ftpConn, error) {
		dialed = true
		return &fakeFTP{}, nil
	}

	err := c.UploadFile(context.Background(), "../../../etc/shadow", strings.NewReader("x"), 1)
	if faults.KindOf(err) != faults.KindPathEscape {
		t.Fatalf("err = %v, want PATH_ESCAPE", err)
	}
	if dialed {
		t.Error("traversal must be rejected before any connection is opened")
	}
}

func TestListFilesSkipsDirectories(t *testing.T) {
	now := time.Now()
	conn := &fakeFTP{entries: []*ftp.Entry{
		{Name: "benchy.3mf", Type: ftp.EntryTypeFile, Size: 1234, Time: now},
		{Name: "cache", Type: ftp.EntryTypeFolder},
		{Name: "part.3mf", Type: ftp.EntryTypeFile, Size: 99, Time: now},
	}}
	c := bareClient()
	c.dialFTP = func(context.Context) (ftpConn, error) { return conn, nil }

	files, err := c.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v, want 2 entries", files)
	}
	if files[0].Name != "benchy.3mf" || files[0].Size != 1234 {
		t.Errorf("first = %+v", files[0])
	}
}

func TestFTPSConfigEnablesSessionResumption(t *testing.T) {
	cfg := ftpsTLSConfig("192.168.1.50")
	if cfg.ClientSessionCache == nil {
		t.Fatal("no session cache: the ftpd rejects data connections that cannot resume the control-channel TLS session")
	}
	if cfg.ServerName != "192.168.1.50" {
		t.Errorf("server name = %q", cfg.ServerName)
	}
}

func TestSnapshotUnsupported(t *testing.T) {
	c := bareClient()
	if _, _, err := c.GetSnapshot(context.Background()); faults.KindOf(err) != faults.KindUnsupported {
		t.Errorf("snapshot err = %v, want UNSUPPORTED", err)
	}
	if _, err := c.GetStreamURL(context.Background()); faults.KindOf(err) != faults.KindUnsupported {
		t.Errorf("stream err = %v, want UNSUPPORTED", err)
	}
}
