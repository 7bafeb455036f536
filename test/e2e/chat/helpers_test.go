package chat_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/parleychat/parley/pkg/chatsdk"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

/*
 * Common constants and helper functions for chat service end-to-end tests.
 * This includes container setup, SDK client construction, and account
 * bootstrap helpers.
 */

const (
	testImageName = "parley-chat-test:latest"

	adminUsername = "admin"
	adminPassword = "Admin123!"
	userUsername  = "alice"
	userPassword  = "Alice123!"
)

// TestMain manages the test lifecycle, builds the Docker image once before
// all tests and cleans it up after all tests complete.
func TestMain(m *testing.M) {
	fmt.Fprintf(os.Stdout, "Building Chat Service Docker image...")

	if err := buildDockerImage(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to build Docker image: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, " done\n")

	exitCode := m.Run()

	fmt.Fprintf(os.Stdout, "Cleaning up Chat Service Docker image...")
	cleanupDockerImage()
	fmt.Fprintf(os.Stdout, " done\n")

	os.Exit(exitCode)
}

func buildDockerImage() error {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "docker", "build",
		"-t", testImageName,
		"-f", "../../../cmd/chatd/Dockerfile",
		"../../../")
	cmd.Stdout = os.Stdout
	cmd.Stderr = nil

	return cmd.Run()
}

func cleanupDockerImage() {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "docker", "rmi", "-f", testImageName)
	_ = cmd.Run() // Ignore errors - image might not exist
}

// setupChatContainer starts the chat service in a container and returns the
// base URL. Rate limits are relaxed because the tests make many rapid
// requests that would otherwise trip the production defaults.
func setupChatContainer(t *testing.T) (string, func()) {
	t.Helper()
	return startContainer(t, map[string]string{
		"CHAT_DATABASE_FILE":   "/tmp/chat.db",
		"CHAT_PEPPER_FILE":     "/tmp/pepper",
		"CHAT_ATTACHMENTS_DIR": "/tmp/attachments",
		"CHAT_JWT_SECRET":      "e2e-test-signing-secret",
		"CHAT_ISSUER":          "parley-chat-e2e",
		"CHAT_FALLBACK_MODELS": "gpt-test,gpt-test-mini",
		"ENV":                  "test",
		"LOG_LEVEL":            "info",
		"LOG_FORMAT":           "json",

		"RATELIMIT_STRICT_REQUESTS":   "1000",
		"RATELIMIT_STRICT_WINDOW_SEC": "60",
		"RATELIMIT_STRICT_BURST":      "1000",
		"RATELIMIT_MODERATE_REQUESTS": "1000",
		"RATELIMIT_MODERATE_BURST":    "1000",
	})
}

// setupChatContainerWithDefaultRateLimits starts the chat service with the
// production rate limits, specifically for testing that limiting works.
func setupChatContainerWithDefaultRateLimits(t *testing.T) (string, func()) {
	t.Helper()
	return startContainer(t, map[string]string{
		"CHAT_DATABASE_FILE":   "/tmp/chat.db",
		"CHAT_PEPPER_FILE":     "/tmp/pepper",
		"CHAT_ATTACHMENTS_DIR": "/tmp/attachments",
		"CHAT_JWT_SECRET":      "e2e-test-signing-secret",
		"CHAT_ISSUER":          "parley-chat-e2e",
		"ENV":                  "test",
		"LOG_LEVEL":            "info",
		"LOG_FORMAT":           "json",
	})
}

func startContainer(t *testing.T, env map[string]string) (string, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        testImageName,
		ExposedPorts: []string{"8080/tcp"},
		Env:          env,
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

// newSDKClient builds a throwaway chat SDK client against the container.
func newSDKClient(t *testing.T, baseURL string) *chatsdk.Client {
	t.Helper()
	client := chatsdk.NewClient(baseURL, &chatsdk.MemoryCredentialStore{})
	t.Cleanup(client.Close)
	return client
}

// registerAdmin creates the first account on a fresh deployment. The service
// grants it the admin role automatically.
func registerAdmin(t *testing.T, client *chatsdk.Client) *chatsdk.UserProfile {
	t.Helper()
	ctx := context.Background()

	profile, err := client.Register(ctx, chatsdk.RegisterInput{
		Username: adminUsername,
		Password: adminPassword,
		FullName: "Administrator",
	})
	require.NoError(t, err, "First registration should succeed")
	require.Contains(t, profile.Roles, "admin", "First account should hold the admin role")

	return profile
}

// loginAs logs the client in and fails the test on rejection.
func loginAs(t *testing.T, client *chatsdk.Client, username, password string) *chatsdk.UserProfile {
	t.Helper()

	profile, err := client.Login(context.Background(), username, password)
	require.NoError(t, err, "Login should succeed")
	require.NotNil(t, profile)
	require.Equal(t, username, profile.Username)

	return profile
}

// setupAuthenticatedAdmin spins up a container, registers the first account
// and logs it in. Most tests start from here.
func setupAuthenticatedAdmin(t *testing.T) (string, *chatsdk.Client, func()) {
	t.Helper()

	baseURL, cleanup := setupChatContainer(t)
	client := newSDKClient(t, baseURL)
	registerAdmin(t, client)
	loginAs(t, client, adminUsername, adminPassword)

	return baseURL, client, cleanup
}
