// Package push delivers popups and emails for new notifications over SNS and
// SES. Deliveries are best effort and never reach the caller.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Delivery channels, used as metric labels.
const (
	ChannelPopup = "popup"
	ChannelEmail = "email"
	ChannelLog   = "log"
)

// SNS caps subjects at 100 characters.
const maxSubjectLen = 100

// Permission is the popup permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// MobilePublisher is the subset of the SNS client used for popups.
type MobilePublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// EmailSender is the subset of the SES client used for email.
type EmailSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// PreferenceSource returns a user's notification preferences.
type PreferenceSource interface {
	Get(ctx context.Context, userID string) (fallback.Result[domain.NotificationPreferences], error)
}

// Directory resolves a user id to its profile row.
type Directory interface {
	Profile(ctx context.Context, id string) (*domain.Profile, error)
}

// Config holds the delivery settings.
type Config struct {
	TopicARN string
	Sender   string
	Timeout  time.Duration
	// Location is the calendar quiet hours are evaluated in.
	Location *time.Location
}

// Options holds the optional collaborators. A nil client disables its channel.
type Options struct {
	Mobile      MobilePublisher
	Email       EmailSender
	Preferences PreferenceSource
	Directory   Directory
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Dispatcher implements the popup side channel for the notification and SOS
// layers.
type Dispatcher struct {
	mobile    MobilePublisher
	email     EmailSender
	prefs     PreferenceSource
	directory Directory
	cfg       Config
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu         sync.Mutex
	permission Permission
	wg         sync.WaitGroup
}

// New creates a Dispatcher. Its permission stays PermissionDefault until
// RequestPermission is called.
func New(cfg Config, opts Options) *Dispatcher {
	if opts.Metrics == nil {
		panic("push: nil metrics")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mobile:     opts.Mobile,
		email:      opts.Email,
		prefs:      opts.Preferences,
		directory:  opts.Directory,
		cfg:        cfg,
		clock:      domain.NewClock(opts.Clock),
		logger:     logger,
		metrics:    opts.Metrics,
		permission: PermissionDefault,
	}
}

// RequestPermission settles the popup permission. It is granted when a
// publisher and topic are configured and denied otherwise; once settled the
// answer never changes.
func (d *Dispatcher) RequestPermission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission != PermissionDefault {
		return d.permission
	}
	if d.mobile != nil && d.cfg.TopicARN != "" {
		d.permission = PermissionGranted
	} else {
		d.permission = PermissionDenied
	}
	d.logger.Info("popup permission settled", "permission", d.permission)
	return d.permission
}

// Permission returns the current permission state.
func (d *Dispatcher) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// Notify hands n to the delivery channels in the background and returns
// immediately. Cancelling ctx does not abort a delivery in flight.
func (d *Dispatcher) Notify(ctx context.Context, to domain.Addressee, n domain.Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
		defer cancel()
		d.deliver(ctx, to, n)
	}()
}

// Wait blocks until every delivery started by Notify has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, to domain.Addressee, n domain.Notification) {
	d.logger.Info("notification",
		"to", to.Key(),
		"type", n.Type,
		"title", n.Title,
		"notification_id", n.ID,
	)
	d.metrics.Deliveries.WithLabelValues(ChannelLog).Inc()

	prefs := d.preferences(ctx, to)
	if d.Permission() == PermissionGranted && prefs.AllowsPopup(n.Type, d.clock.Now().In(d.cfg.Location)) {
		d.record(ChannelPopup, to, d.publish(ctx, to, n))
	}
	if !to.IsAdmin() && d.email != nil && d.cfg.Sender != "" && prefs.AllowsEmail(n.Type) {
		d.record(ChannelEmail, to, d.sendEmail(ctx, to, n))
	}
}

// preferences falls back to the defaults for admins and on lookup failure.
func (d *Dispatcher) preferences(ctx context.Context, to domain.Addressee) domain.NotificationPreferences {
	defaults := domain.DefaultPreferences(to.ID())
	if to.IsAdmin() || d.prefs == nil {
		return defaults
	}
	res, err := d.prefs.Get(ctx, to.ID())
	if err != nil {
		d.logger.Warn("load preferences for delivery failed", "to", to.Key(), "error", err)
		return defaults
	}
	return res.Value
}

func (d *Dispatcher) publish(ctx context.Context, to domain.Addressee, n domain.Notification) error {
	_, err := d.mobile.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(d.cfg.TopicARN),
		Subject:  aws.String(truncate(n.Title, maxSubjectLen)),
		Message:  aws.String(n.Message),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"addressee": {DataType: aws.String("String"), StringValue: aws.String(to.Key())},
			"type":      {DataType: aws.String("String"), StringValue: aws.String(string(n.Type))},
		},
	})
	return err
}

func (d *Dispatcher) sendEmail(ctx context.Context, to domain.Addressee, n domain.Notification) error {
	if d.directory == nil {
		return fmt.Errorf("no directory for %s", to.Key())
	}
	profile, err := d.directory.Profile(ctx, to.ID())
	if err != nil {
		return fmt.Errorf("resolve email: %w", err)
	}
	if profile == nil || profile.Email == "" {
		return fmt.Errorf("no email address for %s", to.Key())
	}
	_, err = d.email.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &sestypes.Destination{ToAddresses: []string{profile.Email}},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(n.Title), Charset: aws.String("UTF-8")},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(n.Message), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(d.cfg.Sender),
	})
	return err
}

func (d *Dispatcher) record(channel string, to domain.Addressee, err error) {
	if err != nil {
		d.metrics.DeliveryFailures.WithLabelValues(channel).Inc()
		d.logger.Warn("notification delivery failed",
			"channel", channel,
			"to", to.Key(),
			"error", fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err),
		)
		return
	}
	d.metrics.Deliveries.WithLabelValues(channel).Inc()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
