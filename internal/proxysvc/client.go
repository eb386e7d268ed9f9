package proxysvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ControlPlane is the subset of the proxy's GraphQL control plane the
// session manager drives. Implemented by Client; tests substitute fakes.
type ControlPlane interface {
	Healthy(ctx context.Context) bool
	LoginAsGuest(ctx context.Context) (token string, err error)
	CreateProject(ctx context.Context, name string) (id string, err error)
	SelectProject(ctx context.Context, id string) (currentID string, err error)
	SetToken(token string)
}

// Client talks to the proxy's GraphQL endpoint. All mutations are fixed
// strings; the endpoint accepts {"query": "..."} JSON bodies and returns
// {"data": ...} with an optional "errors" array.
type Client struct {
	endpoint   string
	httpClient *http.Client
	token      string
}

// NewClient creates a client for the proxy control plane at the given base
// URL (e.g. http://127.0.0.1:9000).
func NewClient(baseURL string) *Client {
	return &Client{
		endpoint: baseURL + "/graphql",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken installs the bearer token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Healthy probes the endpoint with a plain GET. Any HTTP response counts as
// ready; the body is not inspected. Transport errors return false.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

type graphQLError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, query string, data any) error {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to proxy api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy api returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding proxy api response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("proxy api error: %s", envelope.Errors[0].Message)
	}
	if data != nil {
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			return fmt.Errorf("decoding proxy api data: %w", err)
		}
	}
	return nil
}

// LoginAsGuest performs anonymous authentication and returns the access
// token. An empty or literal-null token is returned as-is; the caller
// decides whether that counts as a failed attempt.
func (c *Client) LoginAsGuest(ctx context.Context) (string, error) {
	var data struct {
		LoginAsGuest struct {
			Token struct {
				AccessToken string `json:"accessToken"`
			} `json:"token"`
		} `json:"loginAsGuest"`
	}
	query := `mutation { loginAsGuest { token { accessToken } } }`
	if err := c.do(ctx, query, &data); err != nil {
		return "", err
	}
	return data.LoginAsGuest.Token.AccessToken, nil
}

// CreateProject creates a temporary sandbox project and returns its id.
func (c *Client) CreateProject(ctx context.Context, name string) (string, error) {
	var data struct {
		CreateProject struct {
			Project struct {
				ID string `json:"id"`
			} `json:"project"`
		} `json:"createProject"`
	}
	query := fmt.Sprintf(`mutation { createProject(input: {name: %q, temporary: true}) { project { id } } }`, name)
	if err := c.do(ctx, query, &data); err != nil {
		return "", err
	}
	if data.CreateProject.Project.ID == "" {
		return "", fmt.Errorf("create project returned no id")
	}
	return data.CreateProject.Project.ID, nil
}

// SelectProject selects the given project and returns the id the control
// plane reports as currently selected. Callers must compare it against the
// requested id: the call can succeed at the HTTP level while selecting
// nothing.
func (c *Client) SelectProject(ctx context.Context, id string) (string, error) {
	var data struct {
		SelectProject struct {
			CurrentProject struct {
				ID string `json:"id"`
			} `json:"currentProject"`
		} `json:"selectProject"`
	}
	query := fmt.Sprintf(`mutation { selectProject(id: %q) { currentProject { id } } }`, id)
	if err := c.do(ctx, query, &data); err != nil {
		return "", err
	}
	return data.SelectProject.CurrentProject.ID, nil
}
