package ratepolicy

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keystone-comms/keystone-web/internal/otelx"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// ParameterAPI is the subset of the SSM client used here.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads the override document from one SSM parameter.
type SSMSource struct {
	client ParameterAPI
	name   string
}

func NewSSMSource(client ParameterAPI, name string) (*SSMSource, error) {
	if client == nil {
		return nil, xerrors.New("ssm client is required")
	}
	if name == "" {
		return nil, xerrors.New("ssm parameter name is required")
	}
	return &SSMSource{client: client, name: name}, nil
}

// Name returns the parameter name.
func (s *SSMSource) Name() string { return s.name }

// Fetch returns the raw parameter value.
func (s *SSMSource) Fetch(ctx context.Context) (raw string, err error) {
	ctx, span := otelx.Start(ctx, "ratepolicy.ssm.fetch", attribute.String("ssm.parameter", s.name))
	defer func() { otelx.End(span, err) }()

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.name)
	}
	raw = strings.TrimSpace(*out.Parameter.Value)
	if raw == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", s.name)
	}
	return raw, nil
}

// Load fetches the override and merges it over base.
func (s *SSMSource) Load(ctx context.Context, base Document) (Document, string, error) {
	raw, err := s.Fetch(ctx)
	if err != nil {
		return Document{}, "", err
	}
	over, err := Parse([]byte(raw))
	if err != nil {
		return Document{}, "", xerrors.Wrapf(err, "SSM parameter %s", s.name)
	}
	return base.Merge(over), raw, nil
}
