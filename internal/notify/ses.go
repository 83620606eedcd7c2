package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

var (
	// ErrRejected means SES refused the message itself; resending will not help.
	ErrRejected = errors.New("ses: message rejected")
	// ErrThrottled covers rate limiting and paused sending; a later send may succeed.
	ErrThrottled = errors.New("ses: sending throttled")
)

// SESAPI is the part of *sesv2.Client the notifier uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends reports through Amazon SES as plain-text Simple content.
type SES struct {
	api       SESAPI
	from      string
	configSet string
}

func NewSES(api SESAPI, from, configSet string) *SES {
	return &SES{api: api, from: from, configSet: configSet}
}

// DialSES loads the default AWS credential chain for region.
func DialSES(ctx context.Context, region, from, configSet string) (*SES, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSES(sesv2.NewFromConfig(awsCfg), from, configSet), nil
}

func (s *SES) Send(ctx context.Context, subject, body string, to []string) error {
	if len(to) == 0 {
		return nil
	}
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: to},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if s.configSet != "" {
		in.ConfigurationSetName = aws.String(s.configSet)
	}
	if _, err := s.api.SendEmail(ctx, in); err != nil {
		return mapSESError(err)
	}
	return nil
}

func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	var tooMany *sestypes.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return fmt.Errorf("ses send: %w", err)
}
