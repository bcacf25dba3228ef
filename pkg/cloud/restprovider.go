package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/transcodefarm/farmd/pkg/retry"
)

// RESTProvider drives a GPU rental service over its JSON API. The API
// key is read from a file at construction; it never appears in config
// or the store.
type RESTProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	retry   retry.Config
}

// NewRESTProvider builds a provider for the service at baseURL.
func NewRESTProvider(name, baseURL, apiKeyFile string) (*RESTProvider, error) {
	key, err := os.ReadFile(apiKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read api key: %w", err)
	}
	return &RESTProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(string(key)),
		client:  &http.Client{Timeout: 30 * time.Second},
		retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
		},
	}, nil
}

func (p *RESTProvider) Name() string { return p.name }

// call runs one API request with retries on transport errors and 5xx.
// 4xx responses are permanent; a 404 maps to ErrInstanceNotFound.
func (p *RESTProvider) call(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	return retry.Do(ctx, p.retry, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrInstanceNotFound)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (p *RESTProvider) Plans(ctx context.Context) ([]Plan, error) {
	var plans []Plan
	if err := p.call(ctx, http.MethodGet, "/plans", nil, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func (p *RESTProvider) CreateInstance(ctx context.Context, plan, region string) (string, error) {
	req := map[string]string{"plan": plan, "region": region}
	var resp struct {
		ID string `json:"id"`
	}
	if err := p.call(ctx, http.MethodPost, "/instances", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider returned no instance id")
	}
	return resp.ID, nil
}

func (p *RESTProvider) InstanceStatus(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	if err := p.call(ctx, http.MethodGet, "/instances/"+id, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (p *RESTProvider) TerminateInstance(ctx context.Context, id string) error {
	return p.call(ctx, http.MethodDelete, "/instances/"+id, nil, nil)
}

func (p *RESTProvider) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	if err := p.call(ctx, http.MethodGet, "/instances", nil, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}
