package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// FeedSecretName is the secret holding the execution feed's shared secret.
const FeedSecretName = "fundarb-feed-shared-secret"

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}

	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretNames holds the per-venue secret identifiers.
type SecretNames struct {
	APIKey     string
	APISecret  string
	Passphrase string
	APIKeyName string
	PrivateKey string
}

// VenueSecretNames derives the secret names for one venue.
func VenueSecretNames(venue string) SecretNames {
	venue = strings.ToLower(venue)
	return SecretNames{
		APIKey:     fmt.Sprintf("fundarb-%s-api-key", venue),
		APISecret:  fmt.Sprintf("fundarb-%s-api-secret", venue),
		Passphrase: fmt.Sprintf("fundarb-%s-passphrase", venue),
		APIKeyName: fmt.Sprintf("fundarb-%s-api-key-name", venue),
		PrivateKey: fmt.Sprintf("fundarb-%s-private-key", venue),
	}
}
