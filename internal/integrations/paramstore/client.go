package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// errNotFound is wrapped into the error returned when the parameter does not exist.
var errNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Secrets are read through
// it so callers stay testable without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted parameters below one path prefix.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client. Relative names passed to GetParameter are resolved
// below prefix; an empty prefix keeps them as given.
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, prefix: strings.TrimRight(strings.TrimSpace(prefix), "/")}, nil
}

// Path returns the full parameter path for name.
func (c *Client) Path(name string) string {
	name = strings.TrimSpace(name)
	if c.prefix == "" || strings.HasPrefix(name, "/") {
		return name
	}
	return c.prefix + "/" + name
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("paramstore: name is required")
	}
	path := c.Path(name)

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", errNotFound, path)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", path, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q has no value", path)
	}
	return *out.Parameter.Value, nil
}

// Token returns a lazily fetched secret stored under name.
func (c *Client) Token(name string) (*Token, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("paramstore: token parameter name must not be empty")
	}
	return NewToken(c, c.Path(name))
}
