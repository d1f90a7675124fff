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

// Package core assembles the Kiln control plane and exposes its operation
// surface: job queue, fleet registry, direct printer operations, event
// stream, webhooks, outcomes, and audit verification. Everything is owned
// by the injected Core handle; there are no package-level singletons.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiln/internal/adapter"
	"kiln/internal/adapter/bambu"
	"kiln/internal/adapter/moonraker"
	"kiln/internal/adapter/octoprint"
	"kiln/internal/adapter/sdcp"
	"kiln/internal/audit"
	"kiln/internal/bus"
	"kiln/internal/config"
	"kiln/internal/safety"
	"kiln/internal/scheduler"
	"kiln/internal/store"
	"kiln/internal/webhook"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

// Credentials are the per-printer secrets handed over by the external
// credential provider. Core never persists them.
type Credentials struct {
	APIKey     string
	AccessCode string
	Serial     string
}

// CredentialProvider is the external collaborator that holds printer
// secrets.
type CredentialProvider interface {
	GetCredentials(printerID string) (Credentials, error)
}

// NoCredentials provides empty credentials for fleets without secrets.
type NoCredentials struct{}

// GetCredentials implements CredentialProvider.
func (NoCredentials) GetCredentials(string) (Credentials, error) { return Credentials{}, nil }

// Deps are the injected collaborators.
type Deps struct {
	Store       *store.Store
	Logger      *slog.Logger
	Credentials CredentialProvider
	Materials   scheduler.MaterialsTracker
	// FileRoot is the read-only directory of already-sliced local files.
	FileRoot string
	// AuditKey signs the audit chain. Required.
	AuditKey []byte
	// Now is the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time
	// HTTPClient is used by REST adapters; defaults to a fresh client.
	HTTPClient *http.Client
	// Resolver backs SSRF validation; defaults to the system resolver.
	Resolver webhook.Resolver
}

// Core is the assembled control plane.
type Core struct {
	cfg       config.CoreConfig
	logger    *slog.Logger
	store     *store.Store
	bus       *bus.Bus
	registry  *adapter.Registry
	profiles  *safety.ProfileStore
	preflight *scheduler.Preflight
	scheduler *scheduler.Scheduler
	poller    *scheduler.Poller
	watchdog  *scheduler.Watchdog
	webhooks  *webhook.Dispatcher
	audit     *audit.Log
	creds     CredentialProvider
	fileRoot  string
	httpc     *http.Client
	resolver  webhook.Resolver
	now       func() time.Time
}

// New assembles a Core from configuration and collaborators.
func New(ctx context.Context, cfg config.CoreConfig, deps Deps) (*Core, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(deps.AuditKey) == 0 {
		return nil, fmt.Errorf("audit key is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	creds := deps.Credentials
	if creds == nil {
		creds = NoCredentials{}
	}

	profiles, err := safety.NewProfileStore()
	if err != nil {
		return nil, fmt.Errorf("load safety profiles: %w", err)
	}

	auditLog, err := audit.New(ctx, deps.Store, deps.AuditKey)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	auditLog.SetNow(now)

	c := &Core{
		cfg:      cfg,
		logger:   logger,
		store:    deps.Store,
		registry: adapter.NewRegistry(),
		profiles: profiles,
		audit:    auditLog,
		creds:    creds,
		fileRoot: deps.FileRoot,
		httpc:    deps.HTTPClient,
		resolver: deps.Resolver,
		now:      now,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{}
	}

	c.bus = bus.New(deps.Store, logger)

	c.preflight = scheduler.NewPreflight(profiles)
	router := scheduler.NewRouter(deps.Store, deps.Materials, scheduler.RouterConfig{})
	c.scheduler = scheduler.New(deps.Store, c.bus, c.registry, c.preflight, router, logger, scheduler.Config{
		RetryBase: cfg.RetryBase,
	})
	c.scheduler.SetNow(now)

	c.poller = scheduler.NewPoller(c.registry, c.bus, deps.Store, logger, func(printer string, state models.PrinterState, at time.Time) {
		c.scheduler.Observe(context.Background(), printer, state, at)
	})

	c.watchdog = scheduler.NewWatchdog(c.registry, c.bus, logger, cfg.IdleHeaterTimeout)

	c.webhooks = webhook.NewDispatcher(deps.Store, logger, webhook.Config{
		Workers:      cfg.WebhookWorkers,
		MaxRedirects: cfg.WebhookMaxRedirects,
		Resolver:     deps.Resolver,
		OnOverflow: func(ev models.Event) {
			// Best effort; an overflow event that itself overflows is gone.
			_, _ = c.bus.Publish(context.Background(), models.Event{
				Kind:    models.EventWebhookOverflow,
				Payload: map[string]any{"dropped_seq": ev.Seq, "dropped_kind": string(ev.Kind)},
			})
		},
	})
	if err := c.bus.Subscribe("webhook-dispatcher", func(ev models.Event) {
		if ev.Kind == models.EventWebhookOverflow {
			return
		}
		c.webhooks.HandleEvent(context.Background(), ev)
	}); err != nil {
		return nil, err
	}

	return c, nil
}

// Run starts the long-lived tasks and blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	c.webhooks.Start(ctx)
	go c.watchdog.Run(ctx)
	c.scheduler.Run(ctx)
}

// Close releases adapters and the store.
func (c *Core) Close() error {
	c.poller.StopAll()
	c.registry.Close()
	return c.store.Close()
}

// Scheduler exposes the scheduler for test drivers.
func (c *Core) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Poller exposes the status poller for test drivers.
func (c *Core) Poller() *scheduler.Poller { return c.poller }

// Registry exposes the adapter registry.
func (c *Core) Registry() *adapter.Registry { return c.registry }

// Bus exposes the event bus.
func (c *Core) Bus() *bus.Bus { return c.bus }

// --------------- Queue ---------------

// SubmitJobRequest carries the submission parameters.
type SubmitJobRequest struct {
	Filename string
	Printer  *string // nil → auto-route
	Priority int
	Material *string
	FileHash string // computed from FileRoot when empty
}

// SubmitJob validates and enqueues a print job, returning its id. The job
// enters the queue immediately; dispatch happens on the scheduler loop.
func (c *Core) SubmitJob(ctx context.Context, actorID string, req SubmitJobRequest) (string, error) {
	if req.Filename == "" {
		return "", faults.New(faults.KindValidationRejected, "filename is required")
	}
	if strings.Contains(req.Filename, "..") {
		return "", faults.New(faults.KindPathEscape, "filename %q contains traversal", req.Filename)
	}

	hash := req.FileHash
	if hash == "" && c.fileRoot != "" {
		h, err := c.hashLocalFile(req.Filename)
		if err == nil {
			hash = h
		}
	}

	job := models.NewJob(req.Filename, hash, req.Priority, c.now())
	job.TargetPrinter = req.Printer
	job.Material = req.Material
	job.RetriesRemaining = c.scheduler.MaxRetries()

	if err := c.store.InsertJob(ctx, job); err != nil {
		return "", faults.Wrap(faults.KindPersistenceFailure, err, "persist job")
	}
	c.publish(ctx, models.EventJobSubmitted, req.Printer, &job.ID, map[string]any{
		"filename": req.Filename,
		"priority": req.Priority,
	})
	if err := c.store.TransitionJob(ctx, job.ID, models.JobSubmitted, models.JobQueued, store.JobUpdate{}); err != nil {
		return "", faults.Wrap(faults.KindPersistenceFailure, err, "queue job")
	}

	c.recordAudit(ctx, actorID, "submit_job", map[string]any{
		"filename": req.Filename,
		"priority": req.Priority,
	}, "ok")
	return job.ID, nil
}

func (c *Core) hashLocalFile(filename string) (string, error) {
	path := filepath.Join(c.fileRoot, filepath.Clean("/"+filename))
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GetJob returns a job by id.
func (c *Core) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "job %q not found", id)
	}
	return job, err
}

// CancelJob aborts a job. Idempotent; the second cancel is a no-op.
func (c *Core) CancelJob(ctx context.Context, actorID, id string) error {
	err := c.scheduler.Cancel(ctx, id)
	result := "ok"
	if err != nil {
		result = string(faults.KindOf(err))
	}
	c.recordAudit(ctx, actorID, "cancel_job", map[string]any{"job_id": id}, result)
	return err
}

// ListJobs returns jobs matching the filter.
func (c *Core) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	return c.store.ListJobs(ctx, f)
}

// --------------- Fleet ---------------

// RegisterPrinterRequest describes a printer joining the fleet.
type RegisterPrinterRequest struct {
	Name      string
	Backend   models.BackendKind
	Address   string // base URL or host depending on backend
	ProfileID string
	// SnapshotURL overrides camera discovery for OctoPrint backends.
	SnapshotURL string
}

// RegisterPrinter constructs the backend adapter, persists the printer,
// and starts its status poller. Credentials come from the external
// provider and are never stored.
func (c *Core) RegisterPrinter(ctx context.Context, actorID string, req RegisterPrinterRequest) (models.PrinterID, error) {
	if !req.Backend.Valid() {
		return models.PrinterID{}, faults.New(faults.KindValidationRejected, "unknown backend %q", req.Backend)
	}
	if req.ProfileID != "" && !c.profiles.Has(req.ProfileID) {
		c.logger.Warn("unknown safety profile, default limits apply", "printer", req.Name, "profile", req.ProfileID)
	}

	creds, err := c.creds.GetCredentials(req.Name)
	if err != nil {
		return models.PrinterID{}, faults.Wrap(faults.KindAuth, err, "credentials for %q", req.Name)
	}

	ad, err := c.buildAdapter(req, creds)
	if err != nil {
		return models.PrinterID{}, err
	}
	if err := c.registry.Register(ad); err != nil {
		_ = ad.Close()
		return models.PrinterID{}, err
	}

	rec := models.Printer{
		Name:      req.Name,
		Backend:   req.Backend,
		Address:   req.Address,
		ProfileID: req.ProfileID,
		Caps:      ad.Capabilities(),
		Enabled:   true,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.UpsertPrinter(ctx, rec); err != nil {
		c.registry.Remove(req.Name)
		return models.PrinterID{}, faults.Wrap(faults.KindPersistenceFailure, err, "persist printer")
	}

	c.poller.Start(ctx, req.Name)
	c.publish(ctx, models.EventPrinterRegistered, &req.Name, nil, map[string]any{
		"backend": req.Backend.String(),
		"profile": req.ProfileID,
	})
	c.recordAudit(ctx, actorID, "register_printer", map[string]any{
		"name": req.Name, "backend": req.Backend.String(),
	}, "ok")
	return ad.ID(), nil
}

// RegisterAdapter installs a pre-built adapter. Test seam: scenario tests
// drive the fleet with fakes through the same path real backends use.
func (c *Core) RegisterAdapter(ctx context.Context, ad adapter.Adapter, profileID string) error {
	if err := c.registry.Register(ad); err != nil {
		return err
	}
	id := ad.ID()
	rec := models.Printer{
		Name:      id.Name,
		Backend:   id.Backend,
		Address:   "test://" + id.Name,
		ProfileID: profileID,
		Caps:      ad.Capabilities(),
		Enabled:   true,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.UpsertPrinter(ctx, rec); err != nil {
		c.registry.Remove(id.Name)
		return err
	}
	c.publish(ctx, models.EventPrinterRegistered, &id.Name, nil, map[string]any{
		"backend": id.Backend.String(),
	})
	return nil
}

func (c *Core) buildAdapter(req RegisterPrinterRequest, creds Credentials) (adapter.Adapter, error) {
	obs := busObserver{core: c}
	switch req.Backend {
	case models.BackendOctoPrint:
		return octoprint.New(octoprint.Config{
			Name:        req.Name,
			BaseURL:     req.Address,
			APIKey:      creds.APIKey,
			SnapshotURL: req.SnapshotURL,
			Client:      c.httpc,
			Observer:    obs,
		})
	case models.BackendMoonraker:
		return moonraker.New(moonraker.Config{
			Name:     req.Name,
			BaseURL:  req.Address,
			APIKey:   creds.APIKey,
			Client:   c.httpc,
			Observer: obs,
		})
	case models.BackendBambu:
		return bambu.New(bambu.Config{
			Name:       req.Name,
			Host:       req.Address,
			Serial:     creds.Serial,
			AccessCode: creds.AccessCode,
			Observer:   obs,
		})
	case models.BackendSDCP:
		return sdcp.New(sdcp.Config{
			Name:     req.Name,
			Host:     req.Address,
			Observer: obs,
		})
	default:
		return nil, faults.New(faults.KindValidationRejected, "unknown backend %q", req.Backend)
	}
}

// busObserver turns unmapped-state observations into warning events.
type busObserver struct{ core *Core }

// UnmappedState implements adapter.StateObserver.
func (o busObserver) UnmappedState(printer models.PrinterID, rawState string) {
	o.core.publish(context.Background(), models.EventAdapterUnmappedState, &printer.Name, nil, map[string]any{
		"raw_state": rawState,
		"backend":   printer.Backend.String(),
	})
}

// ListPrinters returns the persisted fleet.
func (c *Core) ListPrinters(ctx context.Context) ([]models.Printer, error) {
	return c.store.ListPrinters(ctx)
}

// GetState polls a printer's normalized state.
func (c *Core) GetState(ctx context.Context, printer string) (models.PrinterState, error) {
	ad, err := c.registry.Get(printer)
	if err != nil {
		return models.PrinterState{}, err
	}
	return ad.GetStatus(ctx), nil
}

// --------------- Direct printer operations ---------------

// StartPrint starts a print directly, bypassing the queue. Preflight still
// applies; direct does not mean unguarded.
func (c *Core) StartPrint(ctx context.Context, actorID, printer, filename string) error {
	params := map[string]any{"printer": printer, "filename": filename}

	err := c.directStart(ctx, printer, filename)
	result := "ok"
	if err != nil {
		result = string(faults.KindOf(err))
	}
	c.recordAudit(ctx, actorID, "start_print", params, result)
	if err == nil {
		c.publish(ctx, models.EventPrintStarted, &printer, nil, map[string]any{"filename": filename})
	}
	return err
}

func (c *Core) directStart(ctx context.Context, printer, filename string) error {
	printerRec, err := c.store.GetPrinter(ctx, printer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.KindNotFound, "printer %q not found", printer)
		}
		return err
	}
	ad, err := c.registry.Get(printer)
	if err != nil {
		return err
	}
	pseudo := models.Job{Filename: filename}
	if err := c.preflight.Check(ctx, ad, *printerRec, pseudo, nil); err != nil {
		return err
	}
	return c.registry.Do(ctx, printer, func(a adapter.Adapter) error {
		return a.StartPrint(ctx, filename)
	})
}

// CancelPrint aborts whatever the printer is doing.
func (c *Core) CancelPrint(ctx context.Context, actorID, printer string) error {
	err := c.registry.Do(ctx, printer, func(a adapter.Adapter) error {
		return a.CancelPrint(ctx)
	})
	c.recordAudit(ctx, actorID, "cancel_print", map[string]any{"printer": printer}, resultKind(err))
	return err
}

// PausePrint pauses the active print.
func (c *Core) PausePrint(ctx context.Context, actorID, printer string) error {
	err := c.registry.Do(ctx, printer, func(a adapter.Adapter) error {
		return a.PausePrint(ctx)
	})
	c.recordAudit(ctx, actorID, "pause_print", map[string]any{"printer": printer}, resultKind(err))
	return err
}

// ResumePrint resumes a paused print.
func (c *Core) ResumePrint(ctx context.Context, actorID, printer string) error {
	err := c.registry.Do(ctx, printer, func(a adapter.Adapter) error {
		return a.ResumePrint(ctx)
	})
	c.recordAudit(ctx, actorID, "resume_print", map[string]any{"printer": printer}, resultKind(err))
	return err
}

// SetTemperature applies temperature targets after checking them against
// the printer's safety profile.
func (c *Core) SetTemperature(ctx context.Context, actorID, printer string, targets models.TempTargets) error {
	params := map[string]any{"printer": printer}
	if targets.Hotend != nil {
		params["hotend"] = *targets.Hotend
	}
	if targets.Bed != nil {
		params["bed"] = *targets.Bed
	}
	if targets.Chamber != nil {
		params["chamber"] = *targets.Chamber
	}

	err := c.directSetTemperature(ctx, printer, targets)
	c.recordAudit(ctx, actorID, "set_temperature", params, resultKind(err))
	return err
}

func (c *Core) directSetTemperature(ctx context.Context, printer string, targets models.TempTargets) error {
	printerRec, err := c.store.GetPrinter(ctx, printer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.KindNotFound, "printer %q not found", printer)
		}
		return err
	}
	profile := c.profiles.Get(printerRec.ProfileID)

	if targets.Hotend != nil && (*targets.Hotend < 0 || *targets.Hotend > profile.MaxHotendC) {
		return faults.New(faults.KindLimitExceeded, "hotend target %g outside 0-%g", *targets.Hotend, profile.MaxHotendC)
	}
	if targets.Bed != nil && (*targets.Bed < 0 || *targets.Bed > profile.MaxBedC) {
		return faults.New(faults.KindLimitExceeded, "bed target %g outside 0-%g", *targets.Bed, profile.MaxBedC)
	}
	if targets.Chamber != nil && profile.MaxChamberC > 0 && *targets.Chamber > profile.MaxChamberC {
		return faults.New(faults.KindLimitExceeded, "chamber target %g outside 0-%g", *targets.Chamber, profile.MaxChamberC)
	}

	return c.registry.Do(ctx, printer, func(a adapter.Adapter) error {
		return a.SetTemperature(ctx, targets)
	})
}

// GCodeReport is the result of a send_gcode call: the validator's
// classification plus the printer's responses for accepted lines.
type GCodeReport struct {
	Result    safety.GCodeResult `json:"result"`
	Responses []string           `json:"responses,omitempty"`
}

// SendGCode screens the lines against the printer's safety profile and
// sends only a fully-clean batch. A single rejection stops the whole
// batch; nothing reaches the printer.
func (c *Core) SendGCode(ctx context.Context, actorID, printer string, lines []string) (GCodeReport, error) {
	params := map[string]any{"printer": printer, "line_count": len(lines)}

	printerRec, err := c.store.GetPrinter(ctx, printer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = faults.New(faults.KindNotFound, "printer %q not found", printer)
		}
		c.recordAudit(ctx, actorID, "send_gcode", params, resultKind(err))
		return GCodeReport{}, err
	}

	profile := c.profiles.Get(printerRec.ProfileID)
	result := safety.ValidateGCode(lines, profile, safety.ModeStrict, true)
	if !result.OK() {
		c.recordAudit(ctx, actorID, "send_gcode", params, string(faults.KindValidationRejected))
		return GCodeReport{Result: result}, nil
	}

	var responses []string
	err = c.registry.Do(ctx, printer, func(a adapter.Adapter) error {
		var sendErr error
		responses, sendErr = a.SendGCode(ctx, result.Accepted)
		return sendErr
	})
	c.recordAudit(ctx, actorID, "send_gcode", params, resultKind(err))
	if err != nil {
		return GCodeReport{Result: result}, err
	}
	return GCodeReport{Result: result, Responses: responses}, nil
}

// Snapshot captures a camera frame from the printer.
func (c *Core) Snapshot(ctx context.Context, printer string) ([]byte, string, error) {
	ad, err := c.registry.Get(printer)
	if err != nil {
		return nil, "", err
	}
	return ad.GetSnapshot(ctx)
}

// Preflight runs the dispatch gate against a printer without dispatching.
func (c *Core) Preflight(ctx context.Context, printer, filename string, material *string) error {
	printerRec, err := c.store.GetPrinter(ctx, printer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.New(faults.KindNotFound, "printer %q not found", printer)
		}
		return err
	}
	ad, err := c.registry.Get(printer)
	if err != nil {
		return err
	}
	pseudo := models.Job{Filename: filename, Material: material}
	return c.preflight.Check(ctx, ad, *printerRec, pseudo, nil)
}

// --------------- Event stream ---------------

// Subscribe registers a callback for the given event kinds (empty list
// means all). Returns the subscription id for Unsubscribe.
func (c *Core) Subscribe(kinds []models.EventKind, cb func(models.Event)) (string, error) {
	if cb == nil {
		return "", faults.New(faults.KindValidationRejected, "callback is required")
	}
	id := uuid.NewString()
	want := make(map[models.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}
	err := c.bus.Subscribe(id, func(ev models.Event) {
		if len(want) > 0 {
			if _, ok := want[ev.Kind]; !ok {
				return
			}
		}
		cb(ev)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Unsubscribe removes an event subscription.
func (c *Core) Unsubscribe(id string) { c.bus.Unsubscribe(id) }

// RecentEvents returns the newest persisted events, oldest first.
func (c *Core) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	return c.store.RecentEvents(ctx, limit)
}

// --------------- Webhooks ---------------

// RegisterWebhook validates the URL against the SSRF rules and persists
// the subscription. A blocked URL is audited.
func (c *Core) RegisterWebhook(ctx context.Context, actorID, rawURL string, kinds []models.EventKind, secret string) (string, error) {
	params := map[string]any{"url": rawURL, "secret": secret}

	if err := webhook.ValidateURL(ctx, c.resolver, rawURL); err != nil {
		c.recordAudit(ctx, actorID, "register_webhook", params, resultKind(err))
		return "", err
	}

	id, err := c.store.InsertWebhook(ctx, models.WebhookSubscription{
		URL:        rawURL,
		EventKinds: kinds,
		Secret:     secret,
		CreatedAt:  c.now().UTC(),
	})
	if err != nil {
		return "", faults.Wrap(faults.KindPersistenceFailure, err, "persist webhook")
	}
	c.recordAudit(ctx, actorID, "register_webhook", params, "ok")
	return id, nil
}

// ListWebhooks returns subscriptions with secrets blanked.
func (c *Core) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	subs, err := c.store.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].Secret = ""
	}
	return subs, nil
}

// DeleteWebhook removes a subscription.
func (c *Core) DeleteWebhook(ctx context.Context, id string) error {
	err := c.store.DeleteWebhook(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return faults.New(faults.KindNotFound, "webhook %q not found", id)
	}
	return err
}

// --------------- Outcomes & audit ---------------

// RecordOutcome persists a caller-supplied outcome. Safety-violating
// settings are refused and audited.
func (c *Core) RecordOutcome(ctx context.Context, actorID string, o models.Outcome) error {
	o.RecordedAt = c.now().UTC()
	err := c.store.RecordOutcome(ctx, o)
	if faults.KindOf(err) == faults.KindSafetyViolation {
		c.recordAudit(ctx, actorID, "record_outcome", map[string]any{
			"job_id": o.JobID, "result": o.Result.String(),
		}, string(faults.KindSafetyViolation))
		return err
	}
	if err != nil {
		return err
	}
	c.publish(ctx, models.EventOutcomeRecorded, &o.PrinterID, &o.JobID, map[string]any{
		"result": o.Result.String(),
	})
	return nil
}

// VerifyAudit replays the audit chain and reports the first break.
func (c *Core) VerifyAudit(ctx context.Context) (audit.VerifyResult, error) {
	return c.audit.Verify(ctx)
}

// --------------- Internal helpers ---------------

func (c *Core) publish(ctx context.Context, kind models.EventKind, printer, jobID *string, payload map[string]any) {
	if _, err := c.bus.Publish(ctx, models.Event{
		Kind:      kind,
		Timestamp: c.now().UTC(),
		PrinterID: printer,
		JobID:     jobID,
		Payload:   payload,
	}); err != nil {
		c.logger.Error("event publish failed", "kind", string(kind), "err", err)
	}
}

func (c *Core) recordAudit(ctx context.Context, actorID, tool string, params map[string]any, result string) {
	if actorID == "" {
		actorID = "anonymous"
	}
	if _, err := c.audit.Record(ctx, actorID, tool, params, result); err != nil {
		c.logger.Error("audit record failed", "tool", tool, "err", err)
	}
}

func resultKind(err error) string {
	if err == nil {
		return "ok"
	}
	if k := faults.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
