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

// Package bambu adapts Bambu Lab printers in LAN mode: telemetry and
// commands over a persistent MQTT session (TLS, port 8883), file transfer
// over implicit FTPS (port 990). The printer pushes full status reports on
// its report topic; the adapter caches the latest one and answers status
// polls from the cache.
package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jlaffaye/ftp"

	"kiln/internal/adapter"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

const (
	mqttPort = 8883
	ftpsPort = 990

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	uploadTimeout  = 10 * time.Minute
	startConfirm   = 30 * time.Second
	confirmPoll    = time.Second

	// staleAfter bounds how old a cached report may be before the printer
	// counts as offline.
	staleAfter = 30 * time.Second
)

// Remote paths are confined to these two roots; everything else on the
// printer's filesystem is off limits.
var allowedPathPrefixes = []string{"/sdcard/", "/cache/"}

// Config describes one Bambu printer in LAN mode.
type Config struct {
	Name       string
	Host       string // IP or hostname, no port
	Serial     string
	AccessCode string
	Observer   adapter.StateObserver
	// DialFTP overrides the FTPS dialer. Test use only.
	DialFTP func(ctx context.Context) (ftpConn, error)
}

// ftpConn is the slice of *ftp.ServerConn the adapter uses.
type ftpConn interface {
	Stor(path string, r io.Reader) error
	List(path string) ([]*ftp.Entry, error)
	Quit() error
}

// Client implements adapter.Adapter over MQTT + FTPS.
type Client struct {
	name       string
	host       string
	serial     string
	accessCode string
	observer   adapter.StateObserver
	dialFTP    func(ctx context.Context) (ftpConn, error)

	mqtt mqtt.Client

	mu         sync.RWMutex
	lastReport reportPrint
	lastSeen   time.Time
	connected  bool
}

// reportPrint is the print section of the printer's status report.
type reportPrint struct {
	GcodeState      string   `json:"gcode_state"`
	GcodeFile       string   `json:"gcode_file"`
	McPercent       *float64 `json:"mc_percent"`       // 0-100
	McRemainingTime *int64   `json:"mc_remaining_time"` // minutes
	NozzleTemper    *float64 `json:"nozzle_temper"`
	NozzleTarget    *float64 `json:"nozzle_target_temper"`
	BedTemper       *float64 `json:"bed_temper"`
	BedTarget       *float64 `json:"bed_target_temper"`
	ChamberTemper   *float64 `json:"chamber_temper"`
	PrintError      int64    `json:"print_error"`
}

// New constructs the adapter and opens the MQTT session. The session
// auto-reconnects; a printer that is off simply reads as OFFLINE.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" || cfg.Host == "" || cfg.Serial == "" {
		return nil, faults.New(faults.KindValidationRejected, "bambu adapter requires name, host, and serial")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = adapter.NopObserver{}
	}

	c := &Client{
		name:       cfg.Name,
		host:       cfg.Host,
		serial:     cfg.Serial,
		accessCode: cfg.AccessCode,
		observer:   obs,
		dialFTP:    cfg.DialFTP,
	}
	if c.dialFTP == nil {
		c.dialFTP = c.dialFTPS
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", cfg.Host, mqttPort)).
		SetClientID("kiln-" + uuid.NewString()[:8]).
		SetUsername("bblp").
		SetPassword(cfg.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). // printer presents a self-signed cert
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, _ error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		})

	c.mqtt = mqtt.NewClient(opts)
	token := c.mqtt.Connect()
	// Do not block registration on an unreachable printer; the session
	// keeps retrying in the background.
	go func() {
		_ = token.WaitTimeout(connectTimeout)
	}()
	return c, nil
}

func (c *Client) onConnect(cl mqtt.Client) {
	topic := fmt.Sprintf("device/%s/report", c.serial)
	cl.Subscribe(topic, 0, c.onReport)
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

func (c *Client) onReport(_ mqtt.Client, msg mqtt.Message) {
	var report struct {
		Print *reportPrint `json:"print"`
	}
	if err := json.Unmarshal(msg.Payload(), &report); err != nil || report.Print == nil {
		return
	}
	c.mu.Lock()
	// Reports can be partial; merge over the cache.
	merged := c.lastReport
	p := report.Print
	if p.GcodeState != "" {
		merged.GcodeState = p.GcodeState
	}
	if p.GcodeFile != "" {
		merged.GcodeFile = p.GcodeFile
	}
	if p.McPercent != nil {
		merged.McPercent = p.McPercent
	}
	if p.McRemainingTime != nil {
		merged.McRemainingTime = p.McRemainingTime
	}
	if p.NozzleTemper != nil {
		merged.NozzleTemper = p.NozzleTemper
	}
	if p.NozzleTarget != nil {
		merged.NozzleTarget = p.NozzleTarget
	}
	if p.BedTemper != nil {
		merged.BedTemper = p.BedTemper
	}
	if p.BedTarget != nil {
		merged.BedTarget = p.BedTarget
	}
	if p.ChamberTemper != nil {
		merged.ChamberTemper = p.ChamberTemper
	}
	if p.PrintError != 0 {
		merged.PrintError = p.PrintError
	}
	c.lastReport = merged
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// ID implements adapter.Adapter.
func (c *Client) ID() models.PrinterID {
	return models.PrinterID{Name: c.name, Backend: models.BackendBambu}
}

// Capabilities implements adapter.Adapter. Snapshots require the cloud
// pipeline; LAN mode has no HTTP frame endpoint.
func (c *Client) Capabilities() models.Capabilities {
	return models.Capabilities{
		CanSetTemp:   true,
		CanSendGCode: true,
		CanSnapshot:  false,
		DeviceType:   "fdm",
	}
}

// Close implements adapter.Adapter.
func (c *Client) Close() error {
	c.mqtt.Disconnect(250)
	return nil
}

// GetStatus implements adapter.Adapter, answering from the cached report.
// No report within staleAfter means the printer is OFFLINE.
func (c *Client) GetStatus(ctx context.Context) models.PrinterState {
	c.mu.RLock()
	report := c.lastReport
	lastSeen := c.lastSeen
	connected := c.connected
	c.mu.RUnlock()

	if !connected || lastSeen.IsZero() || time.Since(lastSeen) > staleAfter {
		return models.PrinterState{Status: models.StatusOffline}
	}

	state := models.PrinterState{Status: c.mapState(report.GcodeState)}

	if report.NozzleTemper != nil || report.NozzleTarget != nil {
		state.ToolTemps = []models.TempReading{{Actual: report.NozzleTemper, Target: report.NozzleTarget}}
	}
	if report.BedTemper != nil || report.BedTarget != nil {
		state.BedTemp = &models.TempReading{Actual: report.BedTemper, Target: report.BedTarget}
	}
	if report.ChamberTemper != nil {
		state.ChamberTemp = &models.TempReading{Actual: report.ChamberTemper}
	}
	if report.McPercent != nil {
		frac := *report.McPercent / 100.0
		state.JobProgress = &frac
	}
	if report.McRemainingTime != nil {
		secs := *report.McRemainingTime * 60
		state.RemainingSeconds = &secs
	}
	if report.GcodeFile != "" {
		name := report.GcodeFile
		state.FileName = &name
	}
	return state
}

// mapState normalizes the firmware's state string. Some firmware builds
// shout in uppercase; lowercase first, then map.
func (c *Client) mapState(raw string) models.PrinterStatus {
	switch strings.ToLower(raw) {
	case "idle", "finish", "failed":
		// FINISH and FAILED leave the machine commandable again.
		return models.StatusIdle
	case "running":
		return models.StatusPrinting
	case "pause":
		return models.StatusPaused
	case "prepare", "slicing":
		return models.StatusBusy
	case "":
		return models.StatusUnknown
	default:
		c.observer.UnmappedState(c.ID(), raw)
		return models.StatusUnknown
	}
}

// ListFiles implements adapter.Adapter over FTPS.
func (c *Client) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	var out []models.PrinterFile
	err := adapter.DoWithRetry(ctx, adapter.DefaultRetryConfig("list_files", "bambu", true), func(ctx context.Context) error {
		conn, err := c.dialFTP(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		entries, err := conn.List("/sdcard/")
		if err != nil {
			return faults.Wrap(faults.KindTransport, err, "list /sdcard/")
		}
		out = out[:0]
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			mod := e.Time.UTC()
			out = append(out, models.PrinterFile{
				Name:     e.Name,
				Size:     int64(e.Size),
				Modified: &mod,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UploadFile implements adapter.Adapter over FTPS. Not retried.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, size int64) error {
	remote, err := remotePath(filename)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	conn, err := c.dialFTP(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Stor(remote, content); err != nil {
		return faults.Wrap(faults.KindTransport, err, "store %q", remote)
	}
	return nil
}

// remotePath confines filename to the allowed roots and rejects traversal.
func remotePath(filename string) (string, error) {
	if strings.Contains(filename, "..") {
		return "", faults.New(faults.KindPathEscape, "remote path %q contains traversal", filename)
	}
	candidate := filename
	if !strings.HasPrefix(candidate, "/") {
		candidate = "/sdcard/" + candidate
	}
	cleaned := path.Clean(candidate)
	for _, prefix := range allowedPathPrefixes {
		if strings.HasPrefix(cleaned+"/", prefix) || strings.HasPrefix(cleaned, prefix) {
			return cleaned, nil
		}
	}
	return "", faults.New(faults.KindPathEscape, "remote path %q is outside the allowed roots", cleaned)
}

// StartPrint implements adapter.Adapter. The print command is fire-and-
// forget at the MQTT layer, so the adapter polls the cached state for a
// confirming transition and reports START_UNCONFIRMED when none arrives
// within 30 s.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	remote, err := remotePath(filename)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"print": map[string]any{
			"command":     "project_file",
			"param":       "Metadata/plate_1.gcode",
			"url":         "file://" + remote,
			"sequence_id": fmt.Sprintf("%d", time.Now().UnixMilli()),
			"subtask_id":  "0",
			"use_ams":     false,
		},
	}
	if err := c.publish(payload); err != nil {
		return err
	}

	deadline := time.Now().Add(startConfirm)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindCancelled, ctx.Err(), "start print cancelled while confirming")
		case <-time.After(confirmPoll):
		}

		c.mu.RLock()
		raw := strings.ToLower(c.lastReport.GcodeState)
		c.mu.RUnlock()
		switch raw {
		case "running", "prepare", "slicing":
			return nil
		}
	}
	return faults.New(faults.KindStartUnconfirmed,
		"printer did not confirm print start within %s", startConfirm)
}

// CancelPrint implements adapter.Adapter.
func (c *Client) CancelPrint(ctx context.Context) error {
	return c.simpleCommand("stop")
}

// PausePrint implements adapter.Adapter.
func (c *Client) PausePrint(ctx context.Context) error {
	return c.simpleCommand("pause")
}

// ResumePrint implements adapter.Adapter.
func (c *Client) ResumePrint(ctx context.Context) error {
	return c.simpleCommand("resume")
}

func (c *Client) simpleCommand(command string) error {
	return c.publish(map[string]any{
		"print": map[string]any{
			"command":     command,
			"sequence_id": fmt.Sprintf("%d", time.Now().UnixMilli()),
		},
	})
}

// SetTemperature implements adapter.Adapter via gcode_line.
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
	return c.gcodeLine(strings.Join(cmds, "\n"))
}

// SendGCode implements adapter.Adapter. MQTT gives no per-line responses.
func (c *Client) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	if err := c.gcodeLine(strings.Join(lines, "\n")); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Client) gcodeLine(script string) error {
	return c.publish(map[string]any{
		"print": map[string]any{
			"command":     "gcode_line",
			"param":       script,
			"sequence_id": fmt.Sprintf("%d", time.Now().UnixMilli()),
		},
	})
}

// GetSnapshot implements adapter.Adapter.
func (c *Client) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", faults.New(faults.KindUnsupported, "bambu LAN mode exposes no snapshot endpoint")
}

// GetStreamURL implements adapter.Adapter.
func (c *Client) GetStreamURL(ctx context.Context) (string, error) {
	return "", faults.New(faults.KindUnsupported, "bambu LAN mode exposes no stream endpoint")
}

func (c *Client) publish(payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}
	topic := fmt.Sprintf("device/%s/request", c.serial)
	token := c.mqtt.Publish(topic, 0, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return faults.New(faults.KindTimeout, "mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return faults.Wrap(faults.KindTransport, err, "mqtt publish to %s", topic)
	}
	return nil
}

// ftpsTLSConfig builds the client TLS config for the printer's ftpd. The
// session cache is mandatory: the ftpd rejects data connections that do
// not resume the control channel's TLS session.
func ftpsTLSConfig(host string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         host,
		ClientSessionCache: tls.NewLRUClientSessionCache(32),
	}
}

// dialFTPS opens an implicit-TLS FTP session on port 990.
func (c *Client) dialFTPS(ctx context.Context) (ftpConn, error) {
	tlsCfg := ftpsTLSConfig(c.host)
	conn, err := ftp.Dial(
		fmt.Sprintf("%s:%d", c.host, ftpsPort),
		ftp.DialWithContext(ctx),
		ftp.DialWithTLS(tlsCfg),
		ftp.DialWithTimeout(connectTimeout),
	)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, err, "dial ftps %s:%d", c.host, ftpsPort)
	}
	if err := conn.Login("bblp", c.accessCode); err != nil {
		_ = conn.Quit()
		return nil, faults.Wrap(faults.KindAuth, err, "ftps login")
	}
	return conn, nil
}
