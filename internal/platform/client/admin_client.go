package client

import (
	"fmt"
	"time"

	"TileServer/internal/platform/server/handler/status"
	"github.com/go-resty/resty/v2"
	json "github.com/json-iterator/go"
)

const (
	healthEndpoint = "/health"
	statusEndpoint = "/status"
	stopEndpoint   = "/stop"
)

// AdminClient talks to the HTTP admin surface of an index server.
type AdminClient struct {
	client    *resty.Client
	serverUrl string
}

func NewAdminClient(serverUrl string) *AdminClient {
	c := resty.New().SetTimeout(10 * time.Second)
	c.JSONMarshal = json.Marshal
	c.JSONUnmarshal = json.Unmarshal
	return &AdminClient{
		client:    c,
		serverUrl: serverUrl,
	}
}

func (c *AdminClient) Health() error {
	resp, err := c.client.R().Get(c.serverUrl + healthEndpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("health check: %s", resp.Status())
	}
	return nil
}

func (c *AdminClient) Status() (*status.Document, error) {
	var doc status.Document
	resp, err := c.client.R().SetResult(&doc).Get(c.serverUrl + statusEndpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status: %s", resp.Status())
	}
	return &doc, nil
}

// Stop asks the server to shut down. A server that is already stopping
// answers 409 and the returned document shows its state.
func (c *AdminClient) Stop() (*status.Document, error) {
	var doc status.Document
	resp, err := c.client.R().SetResult(&doc).SetError(&doc).Post(c.serverUrl + stopEndpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return &doc, fmt.Errorf("stop: %s", resp.Status())
	}
	return &doc, nil
}
