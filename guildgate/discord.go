package guildgate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// DiscordDeliverer is the production Deliverer: it sends a job's payload to
// its destination channel through the Discord API, shaped by a
// process-wide token bucket in front of the remote rate limits. Per-tenant
// pacing still comes from TenantDispatchQueue; this limiter only caps the
// aggregate outbound rate of the whole shard.
type DiscordDeliverer struct {
	session *discordgo.Session
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewDiscordDeliverer(
	cfg DiscordConfig,
	logger *slog.Logger,
) (*DiscordDeliverer, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: discord token not set", ErrNoDeliverer)
	}
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}

	deliveryRate := cfg.DeliveryRate
	if deliveryRate <= 0 {
		deliveryRate = DefaultDeliveryRate
	}
	burst := cfg.DeliveryBurst
	if burst <= 0 {
		burst = DefaultDeliveryBurst
	}

	return &DiscordDeliverer{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(deliveryRate), burst),
		logger:  logger.With(loggerNameKey, "discord_deliverer"),
	}, nil
}

// Deliver sends one job. It blocks on the process-wide limiter first, so a
// burst across many tenants still reaches Discord at a safe rate.
func (d *DiscordDeliverer) Deliver(ctx context.Context, job DispatchJob) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	if job.Attachment != nil {
		_, err := d.session.ChannelMessageSendComplex(
			job.Destination,
			&discordgo.MessageSend{
				Content: job.Payload,
				Files: []*discordgo.File{
					{
						Name:        job.Attachment.Name,
						ContentType: job.Attachment.ContentType,
						Reader:      job.Attachment.Body,
					},
				},
			},
			discordgo.WithContext(ctx),
		)
		return err
	}

	_, err := d.session.ChannelMessageSend(
		job.Destination,
		job.Payload,
		discordgo.WithContext(ctx),
	)
	return err
}

// Close closes the underlying Discord session.
func (d *DiscordDeliverer) Close() error {
	return d.session.Close()
}
