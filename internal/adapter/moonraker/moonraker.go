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

// Package moonraker adapts Klipper printers through the Moonraker REST
// API: string state from /printer/info and print_stats, temperatures from
// /printer/objects/query, webcam endpoints discovered at runtime.
package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kiln/internal/adapter"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

const (
	statusTimeout = 5 * time.Second
	uploadTimeout = 10 * time.Minute
	startTimeout  = 30 * time.Second
	cancelTimeout = 15 * time.Second
	gcodeTimeout  = 15 * time.Second
)

// Config describes one Moonraker instance.
type Config struct {
	Name     string
	BaseURL  string // e.g. http://voron.local:7125
	APIKey   string // optional; sent as X-Api-Key
	Client   *http.Client
	Observer adapter.StateObserver
}

// Client implements adapter.Adapter over the Moonraker REST API.
type Client struct {
	name     string
	baseURL  string
	apiKey   string
	http     *http.Client
	observer adapter.StateObserver
}

// New constructs an adapter for one Moonraker instance.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, faults.New(faults.KindValidationRejected, "moonraker adapter requires name and base URL")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = adapter.NopObserver{}
	}
	return &Client{
		name:     cfg.Name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		http:     client,
		observer: obs,
	}, nil
}

// ID implements adapter.Adapter.
func (c *Client) ID() models.PrinterID {
	return models.PrinterID{Name: c.name, Backend: models.BackendMoonraker}
}

// Capabilities implements adapter.Adapter. Moonraker exposes a machine
// update API, so firmware updates are reachable through this backend.
func (c *Client) Capabilities() models.Capabilities {
	return models.Capabilities{
		CanSetTemp:        true,
		CanSendGCode:      true,
		CanSnapshot:       true,
		CanUpdateFirmware: true,
		DeviceType:        "fdm",
	}
}

// Close implements adapter.Adapter.
func (c *Client) Close() error { return nil }

type infoResult struct {
	Result struct {
		State        string `json:"state"` // ready, startup, shutdown, error
		StateMessage string `json:"state_message"`
	} `json:"result"`
}

type objectsResult struct {
	Result struct {
		Status struct {
			PrintStats struct {
				State     string  `json:"state"` // standby, printing, paused, complete, error, cancelled
				Filename  string  `json:"filename"`
				PrintTime float64 `json:"print_duration"`
			} `json:"print_stats"`
			Extruder struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"extruder"`
			HeaterBed struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"heater_bed"`
			DisplayStatus struct {
				Progress float64 `json:"progress"` // 0.0-1.0
			} `json:"display_status"`
		} `json:"status"`
	} `json:"result"`
}

// GetStatus implements adapter.Adapter. Transport failures degrade to
// OFFLINE.
func (c *Client) GetStatus(ctx context.Context) models.PrinterState {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var info infoResult
	if err := c.getJSON(ctx, "/printer/info", &info); err != nil {
		return models.PrinterState{Status: models.StatusOffline}
	}

	// Klippy not ready: the host answers but the MCU link is down.
	switch info.Result.State {
	case "ready":
	case "startup":
		return models.PrinterState{Status: models.StatusBusy}
	case "shutdown", "error":
		st := models.PrinterState{Status: models.StatusError}
		if msg := info.Result.StateMessage; msg != "" {
			st.ErrorMessage = &msg
		}
		return st
	default:
		c.observer.UnmappedState(c.ID(), info.Result.State)
		return models.PrinterState{Status: models.StatusUnknown}
	}

	var objs objectsResult
	if err := c.getJSON(ctx, "/printer/objects/query?print_stats&extruder&heater_bed&display_status", &objs); err != nil {
		return models.PrinterState{Status: models.StatusOffline}
	}

	status := objs.Result.Status
	state := models.PrinterState{}

	switch status.PrintStats.State {
	case "standby", "complete", "cancelled":
		state.Status = models.StatusIdle
	case "printing":
		state.Status = models.StatusPrinting
	case "paused":
		state.Status = models.StatusPaused
	case "error":
		state.Status = models.StatusError
	default:
		c.observer.UnmappedState(c.ID(), status.PrintStats.State)
		state.Status = models.StatusUnknown
	}

	extruder := models.TempReading{
		Actual: f64ptr(status.Extruder.Temperature),
		Target: f64ptr(status.Extruder.Target),
	}
	state.ToolTemps = []models.TempReading{extruder}
	state.BedTemp = &models.TempReading{
		Actual: f64ptr(status.HeaterBed.Temperature),
		Target: f64ptr(status.HeaterBed.Target),
	}

	if state.Status == models.StatusPrinting || state.Status == models.StatusPaused {
		progress := status.DisplayStatus.Progress
		state.JobProgress = &progress
		elapsed := int64(status.PrintStats.PrintTime)
		state.ElapsedSeconds = &elapsed
		if status.PrintStats.Filename != "" {
			name := status.PrintStats.Filename
			state.FileName = &name
		}
	}
	return state
}

type filesResult struct {
	Result []struct {
		Path     string  `json:"path"`
		Size     int64   `json:"size"`
		Modified float64 `json:"modified"` // unix seconds
	} `json:"result"`
}

// ListFiles implements adapter.Adapter over the gcodes root.
func (c *Client) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	var out []models.PrinterFile
	err := adapter.DoWithRetry(ctx, adapter.DefaultRetryConfig("list_files", "moonraker", true), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()

		var fr filesResult
		if err := c.getJSON(ctx, "/server/files/list?root=gcodes", &fr); err != nil {
			return err
		}
		out = out[:0]
		for _, f := range fr.Result {
			pf := models.PrinterFile{Name: f.Path, Size: f.Size}
			if f.Modified > 0 {
				mod := time.Unix(int64(f.Modified), 0).UTC()
				pf.Modified = &mod
			}
			out = append(out, pf)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UploadFile implements adapter.Adapter via multipart upload to the gcodes
// root. Not retried.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, size int64) error {
	if strings.Contains(filename, "..") || strings.HasPrefix(filename, "/") {
		return faults.New(faults.KindPathEscape, "remote filename %q escapes the upload root", filename)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("root", "gcodes"); err != nil {
		return fmt.Errorf("write upload field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create multipart: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return faults.Wrap(faults.KindTransport, err, "read upload content for %q", filename)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/server/files/upload", &body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(err, "upload %q", filename)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return faults.New(faults.KindTransport, "upload %q: unexpected status %d", filename, resp.StatusCode)
	}
	return nil
}

// StartPrint implements adapter.Adapter. Non-idempotent; never retried.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	path := "/printer/print/start?filename=" + url.QueryEscape(filename)
	resp, err := c.post(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return faults.New(faults.KindFileMissing, "file %q not found on printer", filename)
	default:
		// Klipper reports busy/error conditions as a 400 with a message.
		return faults.New(faults.KindNotIdle, "start print rejected with status %d", resp.StatusCode)
	}
}

// CancelPrint implements adapter.Adapter.
func (c *Client) CancelPrint(ctx context.Context) error {
	return c.printCommand(ctx, "cancel", faults.KindNotActive, "no active print to cancel")
}

// PausePrint implements adapter.Adapter.
func (c *Client) PausePrint(ctx context.Context) error {
	return c.printCommand(ctx, "pause", faults.KindInvalidState, "cannot pause in current state")
}

// ResumePrint implements adapter.Adapter.
func (c *Client) ResumePrint(ctx context.Context) error {
	return c.printCommand(ctx, "resume", faults.KindInvalidState, "cannot resume in current state")
}

func (c *Client) printCommand(ctx context.Context, command string, failKind faults.Kind, failMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/printer/print/"+command)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return faults.New(failKind, "%s", failMsg)
	}
	return nil
}

// SetTemperature implements adapter.Adapter by issuing the corresponding
// G-code through the script endpoint. Idempotent.
func (c *Client) SetTemperature(ctx context.Context, targets models.TempTargets) error {
	var cmds []string
	if targets.Hotend != nil {
		cmds = append(cmds, fmt.Sprintf("M104 S%g", *targets.Hotend))
	}
	if targets.Bed != nil {
		cmds = append(cmds, fmt.Sprintf("M140 S%g", *targets.Bed))
	}
	if targets.Chamber != nil {
		cmds = append(cmds, fmt.Sprintf("M141 S%g", *targets.Chamber))
	}
	if len(cmds) == 0 {
		return nil
	}
	return adapter.DoWithRetry(ctx, adapter.DefaultRetryConfig("set_temperature", "moonraker", true), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, gcodeTimeout)
		defer cancel()
		return c.runScript(ctx, strings.Join(cmds, "\n"))
	})
}

// SendGCode implements adapter.Adapter. Moonraker acknowledges scripts with
// a bare "ok"; per-line responses are not available over REST.
func (c *Client) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, gcodeTimeout)
	defer cancel()
	if err := c.runScript(ctx, strings.Join(lines, "\n")); err != nil {
		return nil, err
	}
	return []string{"ok"}, nil
}

func (c *Client) runScript(ctx context.Context, script string) error {
	resp, err := c.post(ctx, "/printer/gcode/script?script="+url.QueryEscape(script))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return faults.New(faults.KindInvalidState, "gcode script rejected with status %d", resp.StatusCode)
	}
	return nil
}

type webcamsResult struct {
	Result struct {
		Webcams []struct {
			Name        string `json:"name"`
			SnapshotURL string `json:"snapshot_url"`
			StreamURL   string `json:"stream_url"`
			Enabled     bool   `json:"enabled"`
		} `json:"webcams"`
	} `json:"result"`
}

// GetSnapshot implements adapter.Adapter. The webcam endpoint is discovered
// per call; Moonraker setups move cameras around.
func (c *Client) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	snapshotURL, _, err := c.discoverWebcam(ctx)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", transportErr(err, "snapshot")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", faults.New(faults.KindTransport, "snapshot: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", transportErr(err, "read snapshot")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return data, mime, nil
}

// GetStreamURL implements adapter.Adapter via webcam discovery.
func (c *Client) GetStreamURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	_, streamURL, err := c.discoverWebcam(ctx)
	if err != nil {
		return "", err
	}
	return streamURL, nil
}

// discoverWebcam returns the first enabled webcam's snapshot and stream
// URLs, resolved against the base URL when relative.
func (c *Client) discoverWebcam(ctx context.Context) (snapshot, stream string, err error) {
	var wr webcamsResult
	if err := c.getJSON(ctx, "/server/webcams/list", &wr); err != nil {
		return "", "", err
	}
	for _, cam := range wr.Result.Webcams {
		if !cam.Enabled || cam.SnapshotURL == "" {
			continue
		}
		return c.resolveURL(cam.SnapshotURL), c.resolveURL(cam.StreamURL), nil
	}
	return "", "", faults.New(faults.KindUnsupported, "no enabled webcam configured")
}

func (c *Client) resolveURL(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return c.baseURL + "/" + strings.TrimLeft(raw, "/")
}

// --------------- HTTP helpers ---------------

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(err, "GET %s", path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.New(faults.KindAuth, "GET %s rejected: check API key", path)
	case resp.StatusCode != http.StatusOK:
		return faults.New(faults.KindTransport, "GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.KindTransport, err, "decode %s response", path)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(err, "POST %s", path)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, faults.New(faults.KindAuth, "POST %s rejected: check API key", path)
	}
	return resp, nil
}

func transportErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.KindTimeout, err, "%s timed out", msg)
	}
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.KindCancelled, err, "%s cancelled", msg)
	}
	return faults.Wrap(faults.KindTransport, err, "%s failed", msg)
}

func f64ptr(v float64) *float64 { return &v }
