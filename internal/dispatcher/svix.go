package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	svix "github.com/svix/svix-webhooks/go"
	svixmodels "github.com/svix/svix-webhooks/go/models"
)

// SvixBackend routes deliveries through Svix instead of POSTing directly.
// Selected with WEBHOOK_PROVIDER=svix; Svix then owns signing, retry policy
// and endpoint management, so per-call Options are ignored.
type SvixBackend struct {
	client *svix.Svix
	appID  string
}

var _ Backend = (*SvixBackend)(nil)

// NewSvixBackend creates a Svix-backed dispatcher. If serverURL is empty, the
// Svix cloud endpoint is used. appID names the Svix application messages are
// published under.
func NewSvixBackend(authToken, serverURL, appID string) (*SvixBackend, error) {
	var opts *svix.SvixOptions
	if serverURL != "" {
		u, err := url.Parse(serverURL)
		if err != nil {
			return nil, fmt.Errorf("parse svix server url: %w", err)
		}
		opts = &svix.SvixOptions{ServerUrl: u}
	}

	client, err := svix.New(authToken, opts)
	if err != nil {
		return nil, fmt.Errorf("create svix client: %w", err)
	}
	return &SvixBackend{client: client, appID: appID}, nil
}

// EnsureApplication creates (or finds) the Svix application used for all
// stream messages. Called once at startup.
func (s *SvixBackend) EnsureApplication(ctx context.Context, name string) error {
	uid := s.appID
	app, err := s.client.Application.GetOrCreate(ctx, svixmodels.ApplicationIn{
		Name: name,
		Uid:  &uid,
	}, nil)
	if err != nil {
		return fmt.Errorf("svix create application: %w", err)
	}
	log.Printf("[svix] application ready: id=%s name=%s", app.Id, app.Name)
	return nil
}

// RegisterEndpoint registers a stream's webhook URL as a Svix endpoint.
func (s *SvixBackend) RegisterEndpoint(ctx context.Context, webhookURL string) (string, error) {
	ep, err := s.client.Endpoint.Create(ctx, s.appID, svixmodels.EndpointIn{
		Url: webhookURL,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("svix create endpoint: %w", err)
	}
	log.Printf("[svix] endpoint created: id=%s url=%s", ep.Id, webhookURL)
	return ep.Id, nil
}

// RemoveEndpoint deletes a stream's Svix endpoint.
func (s *SvixBackend) RemoveEndpoint(ctx context.Context, endpointID string) error {
	if err := s.client.Endpoint.Delete(ctx, s.appID, endpointID); err != nil {
		return fmt.Errorf("svix delete endpoint: %w", err)
	}
	return nil
}

func (s *SvixBackend) Dispatch(ctx context.Context, _ string, payload []byte, _ string, _ *Options) Result {
	start := time.Now()

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Result{Attempts: 1, Err: fmt.Errorf("decode payload: %w", err), ResponseTimeMs: time.Since(start).Milliseconds()}
	}

	msg, err := s.client.Message.Create(ctx, s.appID, svixmodels.MessageIn{
		EventType: "stream.block",
		Payload:   body,
	}, nil)
	if err != nil {
		return Result{Attempts: 1, Err: fmt.Errorf("svix send message: %w", err), ResponseTimeMs: time.Since(start).Milliseconds()}
	}

	log.Printf("[svix] message accepted: id=%s", msg.Id)
	return Result{Success: true, StatusCode: 202, Attempts: 1, ResponseTimeMs: time.Since(start).Milliseconds()}
}
