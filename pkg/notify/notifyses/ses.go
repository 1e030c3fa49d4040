package notifyses

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/notify"
	"github.com/linkshitup/link-broker/pkg/project"
)

// SESNotifier emails project owners through AWS SES. The owner address is
// resolved from the project record when the message carries none.
type SESNotifier struct {
	client      *ses.Client
	projects    project.ProjectRepository
	fromAddress string
}

func NewSESNotifier(client *ses.Client, projects project.ProjectRepository, fromAddress string) *SESNotifier {
	return &SESNotifier{
		client:      client,
		projects:    projects,
		fromAddress: fromAddress,
	}
}

func (n *SESNotifier) Notify(ctx context.Context, msg notify.Message) error {
	to := msg.To
	if to == "" {
		p, err := n.projects.FindByID(ctx, kernel.NewProjectID(msg.ProjectID))
		if err != nil {
			return err
		}
		to = p.OwnerEmail
	}
	if to == "" {
		return errx.Validation("project has no owner email to notify")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if _, err := n.client.SendEmail(ctx, input); err != nil {
		return errx.Wrap(err, "failed to send notification email", errx.TypeExternal).
			WithDetail("project_id", msg.ProjectID)
	}
	return nil
}
