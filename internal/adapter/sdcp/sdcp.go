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

// Package sdcp adapts Elegoo-style printers speaking SDCP: a persistent
// WebSocket on port 3030, numeric status codes, and pull-based file
// transfer where the adapter serves the file over a short-lived local HTTP
// listener and the printer fetches it.
package sdcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kiln/internal/adapter"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

const (
	wsPort = 3030

	connectTimeout = 10 * time.Second
	requestTimeout = 15 * time.Second
	uploadTimeout  = 10 * time.Minute
	startTimeout   = 30 * time.Second

	staleAfter = 30 * time.Second
)

// SDCP command codes.
const (
	cmdStatusRefresh = 0
	cmdStartPrint    = 128
	cmdPausePrint    = 129
	cmdStopPrint     = 130
	cmdResumePrint   = 131
	cmdFileList      = 258
	cmdUploadURL     = 256
)

// SDCP machine status codes.
const (
	statusCodeIdle         = 0
	statusCodePrinting     = 1
	statusCodeTransferring = 2
	statusCodeExposureTest = 3
	statusCodeDeviceTest   = 4
)

// Config describes one SDCP printer.
type Config struct {
	Name     string
	Host     string // IP or hostname, no port
	Observer adapter.StateObserver
	// AdvertiseHost is the address the printer can reach this process at
	// for pull-based uploads. Defaults to the local address of the
	// WebSocket connection.
	AdvertiseHost string
}

// Client implements adapter.Adapter over SDCP.
type Client struct {
	name          string
	host          string
	observer      adapter.StateObserver
	advertiseHost string

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan response
	lastSeen time.Time
	status   statusData
	haveStat bool
}

type request struct {
	Topic string `json:"Topic"`
	Data  struct {
		Cmd       int            `json:"Cmd"`
		Data      map[string]any `json:"Data"`
		RequestID string         `json:"RequestID"`
		From      int            `json:"From"`
		TimeStamp int64          `json:"TimeStamp"`
	} `json:"Data"`
}

type response struct {
	Cmd  int             `json:"Cmd"`
	Data json.RawMessage `json:"Data"`
	Ack  int             `json:"Ack"`
}

// envelope is the generic inbound frame. Status pushes carry Status;
// command acks carry Data with a RequestID.
type envelope struct {
	Topic  string `json:"Topic"`
	Status *struct {
		CurrentStatus []int      `json:"CurrentStatus"`
		PrintInfo     *printInfo `json:"PrintInfo"`
		TempOfNozzle  *float64   `json:"TempOfNozzle"`
		TempTargetNozzle *float64 `json:"TempTargetNozzle"`
		TempOfHotbed  *float64   `json:"TempOfHotbed"`
		TempTargetHotbed *float64 `json:"TempTargetHotbed"`
	} `json:"Status"`
	Data *struct {
		Cmd       int             `json:"Cmd"`
		RequestID string          `json:"RequestID"`
		Data      json.RawMessage `json:"Data"`
		Ack       int             `json:"Ack"`
	} `json:"Data"`
}

type printInfo struct {
	Status       int    `json:"Status"`
	Progress     *int64 `json:"Progress"` // percent
	CurrentTicks *int64 `json:"CurrentTicks"`
	TotalTicks   *int64 `json:"TotalTicks"`
	Filename     string `json:"Filename"`
	ErrorNumber  int    `json:"ErrorNumber"`
}

type statusData struct {
	codes    []int
	info     *printInfo
	nozzle   models.TempReading
	bed      models.TempReading
	hasTemps bool
}

// New constructs the adapter. The WebSocket is dialed lazily on first use.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" || cfg.Host == "" {
		return nil, faults.New(faults.KindValidationRejected, "sdcp adapter requires name and host")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = adapter.NopObserver{}
	}
	return &Client{
		name:          cfg.Name,
		host:          cfg.Host,
		observer:      obs,
		advertiseHost: cfg.AdvertiseHost,
		pending:       make(map[string]chan response),
	}, nil
}

// ID implements adapter.Adapter.
func (c *Client) ID() models.PrinterID {
	return models.PrinterID{Name: c.name, Backend: models.BackendSDCP}
}

// Capabilities implements adapter.Adapter. Resin machines have no G-code
// console and no user-settable heaters.
func (c *Client) Capabilities() models.Capabilities {
	return models.Capabilities{
		CanSetTemp:   false,
		CanSendGCode: false,
		CanSnapshot:  false,
		DeviceType:   "resin",
	}
}

// Close implements adapter.Adapter.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// ensureConn dials the WebSocket if needed and starts the read loop.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	url := fmt.Sprintf("ws://%s:%d/websocket", c.host, wsPort)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, err, "dial %s", url)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		if env.Status != nil {
			c.status = statusData{
				codes:    env.Status.CurrentStatus,
				info:     env.Status.PrintInfo,
				nozzle:   models.TempReading{Actual: env.Status.TempOfNozzle, Target: env.Status.TempTargetNozzle},
				bed:      models.TempReading{Actual: env.Status.TempOfHotbed, Target: env.Status.TempTargetHotbed},
				hasTemps: env.Status.TempOfNozzle != nil || env.Status.TempOfHotbed != nil,
			}
			c.haveStat = true
		}
		if env.Data != nil && env.Data.RequestID != "" {
			if ch, ok := c.pending[env.Data.RequestID]; ok {
				delete(c.pending, env.Data.RequestID)
				select {
				case ch <- response{Cmd: env.Data.Cmd, Data: env.Data.Data, Ack: env.Data.Ack}:
				default:
				}
			}
		}
		c.mu.Unlock()
	}
}

// roundTrip sends one command and waits for its ack.
func (c *Client) roundTrip(ctx context.Context, cmd int, data map[string]any, timeout time.Duration) (response, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return response{}, err
	}

	var req request
	req.Topic = "sdcp/request/" + c.host
	req.Data.Cmd = cmd
	req.Data.Data = data
	req.Data.RequestID = uuid.NewString()
	req.Data.From = 1
	req.Data.TimeStamp = time.Now().UnixMilli()

	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[req.Data.RequestID] = ch
	err = conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.Data.RequestID)
		c.mu.Unlock()
		return response{}, faults.Wrap(faults.KindTransport, err, "send sdcp cmd %d", cmd)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, req.Data.RequestID)
		c.mu.Unlock()
		return response{}, faults.New(faults.KindTimeout, "sdcp cmd %d timed out after %s", cmd, timeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Data.RequestID)
		c.mu.Unlock()
		return response{}, faults.Wrap(faults.KindCancelled, ctx.Err(), "sdcp cmd %d cancelled", cmd)
	}
}

// GetStatus implements adapter.Adapter from the cached status push,
// nudging the printer with a refresh command when the cache is cold.
func (c *Client) GetStatus(ctx context.Context) models.PrinterState {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.mu.Lock()
	stale := !c.haveStat || time.Since(c.lastSeen) > staleAfter
	c.mu.Unlock()

	if stale {
		if _, err := c.roundTrip(ctx, cmdStatusRefresh, nil, 4*time.Second); err != nil {
			return models.PrinterState{Status: models.StatusOffline}
		}
	}

	c.mu.Lock()
	st := c.status
	have := c.haveStat
	c.mu.Unlock()
	if !have {
		return models.PrinterState{Status: models.StatusOffline}
	}

	state := models.PrinterState{Status: c.mapCodes(st.codes, st.info)}
	if st.hasTemps {
		nz := st.nozzle
		bd := st.bed
		state.ToolTemps = []models.TempReading{nz}
		state.BedTemp = &bd
	}
	if st.info != nil {
		if st.info.Progress != nil {
			frac := float64(*st.info.Progress) / 100.0
			state.JobProgress = &frac
		}
		state.ElapsedSeconds = st.info.CurrentTicks
		if st.info.Filename != "" {
			name := st.info.Filename
			state.FileName = &name
		}
		if st.info.ErrorNumber != 0 {
			msg := fmt.Sprintf("printer error %d", st.info.ErrorNumber)
			state.ErrorMessage = &msg
			state.Status = models.StatusError
		}
	}
	return state
}

// mapCodes reduces the numeric status array to one normalized status.
func (c *Client) mapCodes(codes []int, info *printInfo) models.PrinterStatus {
	if len(codes) == 0 {
		return models.StatusUnknown
	}
	// The first code is the machine-level status.
	switch codes[0] {
	case statusCodeIdle:
		return models.StatusIdle
	case statusCodePrinting:
		return models.StatusPrinting
	case statusCodeTransferring, statusCodeExposureTest, statusCodeDeviceTest:
		return models.StatusBusy
	default:
		c.observer.UnmappedState(c.ID(), fmt.Sprintf("%d", codes[0]))
		return models.StatusUnknown
	}
}

// ListFiles implements adapter.Adapter.
func (c *Client) ListFiles(ctx context.Context) ([]models.PrinterFile, error) {
	var out []models.PrinterFile
	err := adapter.DoWithRetry(ctx, adapter.DefaultRetryConfig("list_files", "sdcp", true), func(ctx context.Context) error {
		resp, err := c.roundTrip(ctx, cmdFileList, map[string]any{"Url": "/local"}, requestTimeout)
		if err != nil {
			return err
		}
		var listing struct {
			FileList []struct {
				Name string `json:"name"`
				Size int64  `json:"usedSize"`
			} `json:"FileList"`
		}
		if err := json.Unmarshal(resp.Data, &listing); err != nil {
			return faults.Wrap(faults.KindTransport, err, "decode file list")
		}
		out = out[:0]
		for _, f := range listing.FileList {
			out = append(out, models.PrinterFile{Name: strings.TrimPrefix(f.Name, "/local/"), Size: f.Size})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UploadFile implements adapter.Adapter. SDCP transfer is pull-based: the
// adapter serves content on an ephemeral local listener, hands the printer
// a URL, and waits for the printer's ack after it has fetched the file.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, size int64) error {
	if strings.Contains(filename, "..") || strings.HasPrefix(filename, "/") {
		return faults.New(faults.KindPathEscape, "remote filename %q escapes the upload root", filename)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	// One-shot token path so the printer cannot probe for other files.
	token := uuid.NewString()
	data, err := io.ReadAll(content)
	if err != nil {
		return faults.Wrap(faults.KindTransport, err, "read upload content for %q", filename)
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return faults.Wrap(faults.KindTransport, err, "open upload listener")
	}
	defer listener.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/"+token+"/"+filename, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		_, _ = w.Write(data)
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(listener) }()
	defer srv.Close()

	host := c.advertiseHost
	if host == "" {
		host = localAddrFor(c.host)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://%s:%d/%s/%s", host, port, token, filename)

	resp, err := c.roundTrip(ctx, cmdUploadURL, map[string]any{
		"Filename": filename,
		"URL":      url,
		"FileSize": len(data),
	}, uploadTimeout)
	if err != nil {
		return err
	}
	if resp.Ack != 0 {
		return faults.New(faults.KindTransport, "printer refused upload of %q (ack %d)", filename, resp.Ack)
	}
	return nil
}

// localAddrFor finds the local IP the printer would see, by opening a
// throwaway UDP "connection" toward it.
func localAddrFor(printerHost string) string {
	conn, err := net.Dial("udp", net.JoinHostPort(printerHost, "3000"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// StartPrint implements adapter.Adapter.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, cmdStartPrint, map[string]any{
		"Filename":   "/local/" + filename,
		"StartLayer": 0,
	}, startTimeout)
	if err != nil {
		return err
	}
	switch resp.Ack {
	case 0:
		return nil
	case 1:
		return faults.New(faults.KindNotIdle, "printer is busy")
	case 2:
		return faults.New(faults.KindFileMissing, "file %q not found on printer", filename)
	default:
		return faults.New(faults.KindTransport, "start print refused (ack %d)", resp.Ack)
	}
}

// CancelPrint implements adapter.Adapter.
func (c *Client) CancelPrint(ctx context.Context) error {
	return c.ackCommand(ctx, cmdStopPrint, faults.KindNotActive, "no active print to cancel")
}

// PausePrint implements adapter.Adapter.
func (c *Client) PausePrint(ctx context.Context) error {
	return c.ackCommand(ctx, cmdPausePrint, faults.KindInvalidState, "cannot pause in current state")
}

// ResumePrint implements adapter.Adapter.
func (c *Client) ResumePrint(ctx context.Context) error {
	return c.ackCommand(ctx, cmdResumePrint, faults.KindInvalidState, "cannot resume in current state")
}

func (c *Client) ackCommand(ctx context.Context, cmd int, failKind faults.Kind, failMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, cmd, nil, requestTimeout)
	if err != nil {
		return err
	}
	if resp.Ack != 0 {
		return faults.New(failKind, "%s", failMsg)
	}
	return nil
}

// SetTemperature implements adapter.Adapter.
func (c *Client) SetTemperature(ctx context.Context, targets models.TempTargets) error {
	return faults.New(faults.KindUnsupported, "sdcp printers have no user-settable heaters")
}

// SendGCode implements adapter.Adapter.
func (c *Client) SendGCode(ctx context.Context, lines []string) ([]string, error) {
	return nil, faults.New(faults.KindUnsupported, "sdcp printers have no gcode console")
}

// GetSnapshot implements adapter.Adapter.
func (c *Client) GetSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", faults.New(faults.KindUnsupported, "sdcp printers expose no snapshot endpoint")
}

// GetStreamURL implements adapter.Adapter.
func (c *Client) GetStreamURL(ctx context.Context) (string, error) {
	return "", faults.New(faults.KindUnsupported, "sdcp printers expose no stream endpoint")
}
