package cas_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/castlegate/casd/pkg/casapi"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

/*
 * Common constants and helper functions for ticket service end-to-end
 * tests: container setup, protocol operations, and assertions.
 */

const (
	testImageName = "casd-test:latest"

	testIssuer = "https://cas.example.org"
)

// TestMain manages the test lifecycle, builds the Docker image once before
// all tests and cleans it up after all tests complete.
func TestMain(m *testing.M) {
	fmt.Fprintf(os.Stdout, "Building CAS Ticket Service Docker image...")

	if err := buildDockerImage(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to build Docker image: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, " done\n")

	exitCode := m.Run()

	fmt.Fprintf(os.Stdout, "Cleaning up CAS Ticket Service Docker image...")
	cleanupDockerImage()
	fmt.Fprintf(os.Stdout, " done\n")

	os.Exit(exitCode)
}

func buildDockerImage() error {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "docker", "build",
		"-t", testImageName,
		"-f", "../../../cmd/casd/Dockerfile",
		"../../../")
	cmd.Dir = "."
	cmd.Stdout = os.Stdout
	cmd.Stderr = nil

	return cmd.Run()
}

func cleanupDockerImage() {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "docker", "rmi", "-f", testImageName)
	_ = cmd.Run() // Ignore errors - image might not exist
}

// setupTicketContainer starts the ticket service in a container and
// returns the base URL. Rate limits are raised well above what the tests
// need so rapid requests never trip the production defaults.
func setupTicketContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        testImageName,
		ExposedPorts: []string{"8080/tcp"},
		Env: map[string]string{
			"CAS_ISSUER":            testIssuer,
			"CAS_STORAGE":           "sqlite",
			"CAS_DATABASE_FILE":     "/tmp/casd.db",
			"CAS_SERVICE_ALLOWLIST": "https://*.example.org/**,https://*.example.org",
			"CAS_ST_TTL":            "60s",
			"CAS_CLEANER_INTERVAL":  "5s",
			"ENV":                   "test",
			"LOG_LEVEL":             "info",
			"LOG_FORMAT":            "json",
			"RATELIMIT_STRICT_REQUESTS":   "1000",
			"RATELIMIT_STRICT_WINDOW_SEC": "60",
			"RATELIMIT_STRICT_BURST":      "1000",
			"RATELIMIT_MODERATE_REQUESTS": "1000",
			"RATELIMIT_MODERATE_BURST":    "1000",
		},
		WaitingFor: wait.ForHTTP("/livez").
			WithPort("8080/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "8080")
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	baseURL := fmt.Sprintf("http://%s:%s", host, mappedPort.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return baseURL, cleanup
}

// postJSON posts a JSON body and decodes the response into out when the
// status matches wantStatus.
func postJSON(t *testing.T, url string, body, out any, wantStatus int) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "unexpected status, body: %s", raw)

	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func doDelete(t *testing.T, url string, out any) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// loginAs issues a granting ticket for the given principal.
func loginAs(t *testing.T, baseURL, principal string) string {
	t.Helper()

	var res casapi.LoginResponse
	postJSON(t, baseURL+"/v1/login", casapi.LoginRequest{
		PrincipalID:  principal,
		Attributes:   map[string]string{"email": principal + "@example.org"},
		AuthnHandler: "e2e",
	}, &res, http.StatusOK)

	require.NotEmpty(t, res.Ticket)
	return res.Ticket
}

// grantTicket grants a service ticket for the given service URL.
func grantTicket(t *testing.T, baseURL, tgt, service string) casapi.GrantResponse {
	t.Helper()

	var res casapi.GrantResponse
	postJSON(t, baseURL+"/v1/tickets/"+tgt, casapi.GrantRequest{Service: service}, &res, http.StatusOK)

	require.NotEmpty(t, res.Ticket)
	return res
}

func validateURL(baseURL, ticket, service string) string {
	return fmt.Sprintf("%s/v1/serviceValidate?ticket=%s&service=%s", baseURL, ticket, service)
}
