package push

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// NewAWSClients builds the SNS and SES clients from the default credential
// chain for region.
func NewAWSClients(ctx context.Context, region string) (*sns.Client, *ses.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), ses.NewFromConfig(cfg), nil
}
