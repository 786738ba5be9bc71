package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/meshcall/internal/banner"
	"github.com/sebas/meshcall/internal/call"
	"github.com/sebas/meshcall/internal/calllog"
	"github.com/sebas/meshcall/internal/config"
	"github.com/sebas/meshcall/internal/engine"
	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/logger"
	"github.com/sebas/meshcall/internal/signaling"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	banner.Print("MeshCall Agent", []banner.ConfigLine{
		{Label: "Signaling", Value: cfg.SignalingURL},
		{Label: "Identity", Value: cfg.OwnedIdentity},
		{Label: "Call log", Value: callLogLabel(cfg)},
		{Label: "Low bandwidth", Value: fmt.Sprintf("%v", cfg.LowBandwidth)},
	})

	if err := run(cfg); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func callLogLabel(cfg *config.Config) string {
	if cfg.CallLogPath == "" {
		return "in-memory"
	}
	return cfg.CallLogPath
}

func run(cfg *config.Config) error {
	records, err := openCallLog(cfg)
	if err != nil {
		return fmt.Errorf("opening call log: %w", err)
	}
	defer records.Close()

	transport := signaling.NewWSClient(cfg.SignalingURL, identity.DeviceUID(cfg.DeviceUID))
	if err := transport.Connect(); err != nil {
		return fmt.Errorf("connecting signaling: %w", err)
	}
	defer transport.Close()

	eng, err := engine.NewPionEngine()
	if err != nil {
		return fmt.Errorf("creating media engine: %w", err)
	}

	directory := &remoteDirectory{base: cfg.CredentialsURL}
	creds := &httpCredentialsService{base: cfg.CredentialsURL}

	orchestrator := call.New(directory, transport, eng, creds, records, loggingObserver{}, call.Options{
		LowBandwidth:   cfg.LowBandwidth,
		VideoSupported: cfg.VideoSupported,
	})
	defer orchestrator.Close()

	slog.Info("[Agent] running", "identity", cfg.OwnedIdentity)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("[Agent] received signal, shutting down", "signal", sig)
	return nil
}

func openCallLog(cfg *config.Config) (calllog.Repository, error) {
	if cfg.CallLogPath == "" {
		return calllog.NewMemoryRepository(), nil
	}
	return calllog.OpenSQLite(cfg.CallLogPath)
}

// loggingObserver traces call updates. A host application replaces this
// with its UI bridge.
type loggingObserver struct {
	call.NopObserver
}

func (loggingObserver) CallUpdated(snap call.CallSnapshot) {
	slog.Info("[Agent] call update",
		"call_id", snap.CallID, "state", snap.State, "participants", len(snap.Participants))
}

func (loggingObserver) IncomingCallRinging(inc call.IncomingCall) {
	slog.Info("[Agent] incoming call",
		"call_id", inc.CallID, "caller", inc.CallerDisplay)
}

// httpCredentialsService fetches TURN credentials from the backend.
type httpCredentialsService struct {
	base string
}

type credentialsResponse struct {
	CallerUsername    string   `json:"caller_username"`
	CallerPassword    string   `json:"caller_password"`
	RecipientUsername string   `json:"recipient_username"`
	RecipientPassword string   `json:"recipient_password"`
	Servers           []string `json:"servers"`
}

func (s *httpCredentialsService) GetTurnCredentials(ctx context.Context, owned identity.Identity) (*call.Credentials, error) {
	if s.base == "" {
		return nil, call.ErrServerUnreachable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/turn-credentials", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Identity", fmt.Sprintf("%x", owned.Bytes()))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", call.ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, call.ErrBadServerSession
	case http.StatusForbidden:
		return nil, call.ErrPermissionDenied
	case http.StatusNotImplemented:
		return nil, call.ErrCallsNotSupported
	default:
		return nil, fmt.Errorf("%w: status %d", call.ErrServerUnreachable, resp.StatusCode)
	}

	var body credentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &call.Credentials{
		CallerUsername:    body.CallerUsername,
		CallerPassword:    body.CallerPassword,
		RecipientUsername: body.RecipientUsername,
		RecipientPassword: body.RecipientPassword,
		Servers:           body.Servers,
		FetchedAt:         time.Now(),
	}, nil
}

// remoteDirectory resolves contacts from the backend directory endpoint.
type remoteDirectory struct {
	base string
}

type contactResponse struct {
	DisplayName string `json:"display_name"`
	OneToOne    bool   `json:"one_to_one"`
	HasChannel  bool   `json:"has_channel"`
	OtherOwned  bool   `json:"other_owned_devices"`
}

func (d *remoteDirectory) Lookup(owned, contact identity.Identity) (*identity.Contact, error) {
	if d.base == "" {
		return nil, identity.ErrContactNotFound
	}
	url := fmt.Sprintf("%s/contacts/%x/%x", d.base, owned.Bytes(), contact.Bytes())
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, identity.ErrContactNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory lookup: status %d", resp.StatusCode)
	}
	var body contactResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding contact: %w", err)
	}
	return &identity.Contact{
		OwnedIdentity: owned,
		Identity:      contact,
		DisplayName:   body.DisplayName,
		OneToOne:      body.OneToOne,
		HasChannel:    body.HasChannel,
	}, nil
}

func (d *remoteDirectory) HasOtherOwnedDevices(owned identity.Identity) bool {
	if d.base == "" {
		return false
	}
	resp, err := http.Get(fmt.Sprintf("%s/devices/%x", d.base, owned.Bytes()))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) != nil {
		return false
	}
	return body.Count > 1
}
