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

// Package octoprint adapts OctoPrint-compatible printers: REST over HTTP
// with an API-key header, flag-set state reporting, multipart file upload,
// and a plain HTTP snapshot endpoint.
package octoprint

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

// Per-operation timeouts.
const (
	statusTimeout = 5 * time.Second
	uploadTimeout = 10 * time.Minute
	startTimeout  = 30 * time.Second
	cancelTimeout = 15 * time.Second
	gcodeTimeout  = 15 * time.Second
)

// Config describes one OctoPrint instance.
type Config struct {
	Name        string
	BaseURL     string // e.g. http://octopi.local
	APIKey      string
	SnapshotURL string // defaults to BaseURL + /webcam/?action=snapshot
	Client      *http.Client
	Observer    adapter.StateObserver
}

// Client implements adapter.Adapter over the OctoPrint REST API.
type Client struct {
	name        string
	baseURL     string
	apiKey      string
	snapshotURL string
	http        *http.Client
	observer    adapter.StateObserver
}

// New constructs an adapter for one OctoPrint instance.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, faults.New(faults.KindValidationRejected, "octoprint adapter requires name and base URL")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	snapshot := cfg.SnapshotURL
	if snapshot == "" {
		snapshot = base + "/webcam/?action=snapshot"
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
		name:        cfg.Name,
		baseURL:     base,
		apiKey:      cfg.APIKey,
		snapshotURL: snapshot,
		http:        client,
		observer:    obs,
	}, nil
}

// ID implements adapter.Adapter.
func (c *Client) ID() models.PrinterID {
	return models.PrinterID{Name: c.name, Backend: models.BackendOctoPrint}
}

// Capabilities implements adapter.Adapter.
func (c *Client) Capabilities() models.Capabilities {
	return models.Capabilities{
		CanSetTemp:   true,
		CanSendGCode: true,
		CanSnapshot:  true,
		DeviceType:   "fdm",
	}
}

// Close implements adapter.Adapter. The HTTP client holds no persistent
// printer session.
func (c *Client) Close() error { return nil }

// printerResponse is the shape of GET /api/printer.
type printerResponse struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational   bool `json:"operational"`
			Printing      bool `json:"printing"`
			Paused        bool `json:"paused"`
			Pausing       bool `json:"pausing"`
			Cancelling    bool `json:"cancelling"`
			Error         bool `json:"error"`
			ClosedOrError bool `json:"closedOrError"`
			Ready         bool `json:"ready"`
		} `json:"flags"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual *float64 `json:"actual"`
		Target *float64 `json:"target"`
	} `json:"temperature"`
}

// jobResponse is the shape of GET /api/job.
type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"` // percent
		PrintTime     *int64   `json:"printTime"`
		PrintTimeLeft *int64   `json:"printTimeLeft"`
	} `json:"progress"`
}

// GetStatus implements adapter.Adapter. Transport failures degrade to
// OFFLINE; they are never surfaced as errors.
func (c *Client) GetStatus(ctx context.Context) models.PrinterState {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var pr printerResponse
	if err := c.getJSON(ctx, "/api/printer", &pr); err != nil {
		return models.PrinterState{Status: models.StatusOffline}
	}

	state := models.PrinterState{Status: c.mapFlags(pr)}

	for key, temp := range pr.Temperature {
		reading := models.TempReading{Actual: temp.Actual, Target: temp.Target}
		switch {
		case strings.HasPrefix(key, "tool"):
			state.ToolTemps = append(state.ToolTemps, reading)
		case key == "bed":
			r := reading
			state.BedTemp = &r
		case key == "chamber":
			r := reading
			state.ChamberTemp = &r
		}
	}

	// Job progress only matters while a print is active.
	if state.Status == models.StatusPrinting || state.Status == models.StatusPaused {
		var jr jobResponse
		if err := c.getJSON(ctx, "/api/job", &jr); err == nil {
			if jr.Progress.Completion != nil {
				frac := *jr.Progress.Completion / 100.0
				state.JobProgress = &frac
			}
			state.ElapsedSeconds = jr.Progress.PrintTime
			state.RemainingSeconds = jr.Progress.PrintTimeLeft
			if jr.Job.File.Name != "" {
				name := jr.Job.File.Name
				state.FileName = &name
			}
		}
	}

	return state
}

// mapFlags reduces OctoPrint's boolean flag set to one normalized status.
// Flag precedence: active-print flags win over the operational bit.
func (c *Client) mapFlags(pr printerResponse) models.PrinterStatus {
	f := pr.State.Flags
	switch {
	case f.Printing:
		return models.StatusPrinting
	case f.Paused || f.Pausing:
		return models.StatusPaused
	case f.Cancelling:
		return models.StatusBusy
	case f.Error || f.ClosedOrError:
		return models.StatusError
	case f.Operational:
		return models.StatusIdle
	default:
		c.observer.UnmappedState(c.ID(), pr.State.Text)
		return models.StatusUnknown
	}
}

// filesResponse is the shape of GET /api/files/local.
type filesResponse struct {
	Files []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
		Date int64  `json:"date"`
	} `json:"files"`
}

// ListFiles implements adapter.Adapter.
func (c *Client) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	var out []models.PrinterFile
	err := adapter.DoWithRetry(ctx, adapter.DefaultRetryConfig("list_files", "octoprint", true), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()

		var fr filesResponse
		if err := c.getJSON(ctx, "/api/files/local", &fr); err != nil {
			return err
		}
		out = out[:0]
		for _, f := range fr.Files {
			pf := models.PrinterFile{Name: f.Name, Size: f.Size}
			if f.Date > 0 {
				mod := time.Unix(f.Date, 0).UTC()
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

// UploadFile implements adapter.Adapter via multipart form upload. Not
// retried: a duplicate upload racing itself can corrupt the stored file.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, size int64) error {
	if strings.Contains(filename, "..") || strings.HasPrefix(filename, "/") {
		return faults.New(faults.KindPathEscape, "remote filename %q escapes the upload root", filename)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files/local", &body)
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

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return faults.New(faults.KindTooLarge, "printer rejected %q: file too large", filename)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.New(faults.KindAuth, "upload rejected: check API key")
	default:
		return faults.New(faults.KindTransport, "upload %q: unexpected status %d", filename, resp.StatusCode)
	}
}

// StartPrint implements adapter.Adapter: select the file and print it.
// Non-idempotent; never retried here.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	payload := map[string]any{"command": "select", "print": true}
	resp, err := c.postJSON(ctx, "/api/files/local/"+url.PathEscape(filename), payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return faults.New(faults.KindFileMissing, "file %q not found on printer", filename)
	case http.StatusConflict:
		return faults.New(faults.KindNotIdle, "printer is not idle")
	default:
		return faults.New(faults.KindTransport, "start print: unexpected status %d", resp.StatusCode)
	}
}

// CancelPrint implements adapter.Adapter.
func (c *Client) CancelPrint(ctx context.Context) error {
	return c.jobCommand(ctx, "cancel", faults.KindNotActive, "no active print to cancel")
}

// PausePrint implements adapter.Adapter.
func (c *Client) PausePrint(ctx context.Context) error {
	return c.jobCommand(ctx, "pause", faults.KindInvalidState, "cannot pause in current state")
}

// ResumePrint implements adapter.Adapter.
func (c *Client) ResumePrint(ctx context.Context) error {
	return c.jobCommand(ctx, "resume", faults.KindInvalidState, "cannot resume in current state")
}

func (c *Client) jobCommand(ctx context.Context, command string, conflictKind faults.Kind, conflictMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	payload := map[string]any{"command": command}
	if command == "pause" || command == "resume" {
		payload = map[string]any{"command": "pause", "action": command}
	}
	resp, err := c.postJSON(ctx, "/api/job", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusConflict:
		return faults.New(conflictKind, "%s", conflictMsg)
	default:
		return faults.New(faults.KindTransport, "%s: unexpected status %d", command, resp.StatusCode)
	}
}

// SetTemperature implements adapter.Adapter. Idempotent; safe to retry.
func (c *Client) SetTemperature(ctx context.Context, targets models.TempTargets) error {
	if targets.Chamber != nil {
		return faults.New(faults.KindUnsupported, "octoprint backend has no chamber heater control")
	}
	return adapter.DoWithRetry(ctx, adapter.DefaultRetryConfig("set_temperature", "octoprint", true), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, gcodeTimeout)
		defer cancel()

		if targets.Hotend != nil {
			resp, err := c.postJSON(ctx, "/api/printer/tool", map[string]any{
				"command": "target",
				"targets": map[string]float64{"tool0": *targets.Hotend},
			})
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
				return faults.New(faults.KindTransport, "set tool target: unexpected status %d", resp.StatusCode)
			}
		}
		if targets.Bed != nil {
			resp, err := c.postJSON(ctx, "/api/printer/bed", map[string]any{
				"command": "target",
				"target":  *targets.Bed,
			})
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
				return faults.New(faults.KindTransport, "set bed target: unexpected status %d", resp.StatusCode)
			}
		}
		return nil
	})
}

// SendGCode implements adapter.Adapter. OctoPrint acknowledges with 204 and
// no per-line responses.
func (c *Client) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, gcodeTimeout)
	defer cancel()

	resp, err := c.postJSON(ctx, "/api/printer/command", map[string]any{"commands": lines})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil, nil
	case http.StatusConflict:
		return nil, faults.New(faults.KindInvalidState, "printer cannot accept commands in current state")
	default:
		return nil, faults.New(faults.KindTransport, "send gcode: unexpected status %d", resp.StatusCode)
	}
}

// GetSnapshot implements adapter.Adapter via the webcam snapshot endpoint.
func (c *Client) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL, nil)
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

// GetStreamURL implements adapter.Adapter.
func (c *Client) GetStreamURL(ctx context.Context) (string, error) {
	return c.baseURL + "/webcam/?action=stream", nil
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

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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

// transportErr classifies a client error as TIMEOUT or TRANSPORT.
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
