package sandbox

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// IdentityAPI is the subset of the SES v1 client used for sandbox
// verification. Used for testing with mock implementations.
type IdentityAPI interface {
	GetIdentityVerificationAttributes(ctx context.Context, params *ses.GetIdentityVerificationAttributesInput, optFns ...func(*ses.Options)) (*ses.GetIdentityVerificationAttributesOutput, error)
	VerifyEmailIdentity(ctx context.Context, params *ses.VerifyEmailIdentityInput, optFns ...func(*ses.Options)) (*ses.VerifyEmailIdentityOutput, error)
}

// SESVerifier implements VerificationAPI on top of SES identity APIs.
type SESVerifier struct {
	client IdentityAPI
}

// NewSESVerifier creates a SESVerifier from a loaded AWS config.
func NewSESVerifier(cfg aws.Config) *SESVerifier {
	return &SESVerifier{client: ses.NewFromConfig(cfg)}
}

// NewSESVerifierWithClient creates a SESVerifier with a custom client, used
// for testing.
func NewSESVerifierWithClient(client IdentityAPI) *SESVerifier {
	return &SESVerifier{client: client}
}

// GetVerificationStatus returns the SES verification status of each
// address SES knows about. Unknown identities are absent from the map.
func (v *SESVerifier) GetVerificationStatus(ctx context.Context, addresses []string) (map[string]string, error) {
	// Manager batches already; this guards direct callers.
	if len(addresses) > MaxStatusBatch {
		return nil, fmt.Errorf("at most %d identities per call, got %d", MaxStatusBatch, len(addresses))
	}

	out, err := v.client.GetIdentityVerificationAttributes(ctx, &ses.GetIdentityVerificationAttributesInput{
		Identities: addresses,
	})
	if err != nil {
		return nil, fmt.Errorf("GetIdentityVerificationAttributes: %w", err)
	}

	statuses := make(map[string]string, len(out.VerificationAttributes))
	for identity, attrs := range out.VerificationAttributes {
		statuses[identity] = string(attrs.VerificationStatus)
	}
	return statuses, nil
}

// StartVerification sends the SES verification email to address.
func (v *SESVerifier) StartVerification(ctx context.Context, address string) error {
	_, err := v.client.VerifyEmailIdentity(ctx, &ses.VerifyEmailIdentityInput{
		EmailAddress: aws.String(address),
	})
	if err != nil {
		return fmt.Errorf("VerifyEmailIdentity: %w", err)
	}
	return nil
}

var _ VerificationAPI = (*SESVerifier)(nil)
