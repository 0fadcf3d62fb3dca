package events

import (
	"context"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// DiscordREST is the subset of the disgo REST client the sink calls.
type DiscordREST interface {
	CreateMessage(channelID snowflake.ID, messageCreate discord.MessageCreate, opts ...rest.RequestOpt) (*discord.Message, error)
	AddMemberRole(guildID snowflake.ID, userID snowflake.ID, roleID snowflake.ID, opts ...rest.RequestOpt) error
	RemoveMemberRole(guildID snowflake.ID, userID snowflake.ID, roleID snowflake.ID, opts ...rest.RequestOpt) error
}

// DiscordConfig configures the Discord sink.
type DiscordConfig struct {
	GuildID        snowflake.ID
	DefaultChannel snowflake.ID
	// Roles maps tier names to guild role IDs. Tiers without a role are
	// skipped.
	Roles map[string]snowflake.ID
}

// DiscordSink announces market closures in the market's channel and keeps
// member roles in step with rank tiers.
type DiscordSink struct {
	rest DiscordREST
	cfg  DiscordConfig
}

// NewDiscordSink creates a sink using a bot token.
func NewDiscordSink(token string, cfg DiscordConfig) *DiscordSink {
	return NewDiscordSinkWithClient(rest.New(rest.NewClient(token)), cfg)
}

// NewDiscordSinkWithClient creates a sink on an existing REST client.
func NewDiscordSinkWithClient(r DiscordREST, cfg DiscordConfig) *DiscordSink {
	return &DiscordSink{rest: r, cfg: cfg}
}

func (s *DiscordSink) Name() string { return "discord" }

func (s *DiscordSink) Send(ctx context.Context, ev Event) error {
	switch d := ev.Data.(type) {
	case MarketExpired:
		return s.post(ctx, d.ChannelID, fmt.Sprintf("⏰ **Prediction Closed!**\n> %s\nNo more bets are accepted.", d.Text))
	case MarketResolved:
		embed := discord.NewEmbedBuilder().
			SetTitle("✅ Market resolved!").
			SetDescription(fmt.Sprintf("> %s\nOption %d (**%s**) is correct. Winnings have been distributed.",
				d.Text, int(d.WinningOption), d.WinningLabel)).
			AddField("Final price", d.FinalPrice.StringFixed(2), true).
			AddField("Winners", fmt.Sprintf("%d", len(d.Payouts)), true).
			AddField("Total paid", d.TotalPaid.StringFixed(2), true).
			SetColor(0x2b2d31).
			Build()
		return s.send(ctx, d.ChannelID, discord.MessageCreate{Embeds: []discord.Embed{embed}})
	case RankChanged:
		return s.swapRoles(ctx, d)
	default:
		return nil
	}
}

func (s *DiscordSink) post(ctx context.Context, channelID, content string) error {
	return s.send(ctx, channelID, discord.NewMessageCreateBuilder().SetContent(content).Build())
}

func (s *DiscordSink) send(ctx context.Context, channelID string, msg discord.MessageCreate) error {
	ch := s.cfg.DefaultChannel
	if channelID != "" {
		id, err := snowflake.Parse(channelID)
		if err != nil {
			return fmt.Errorf("discord: channel id %q: %w", channelID, err)
		}
		ch = id
	}
	if ch == 0 {
		return nil
	}
	if _, err := s.rest.CreateMessage(ch, msg, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("discord: create message: %w", err)
	}
	return nil
}

func (s *DiscordSink) swapRoles(ctx context.Context, d RankChanged) error {
	if s.cfg.GuildID == 0 {
		return nil
	}
	user, err := snowflake.Parse(d.AccountID)
	if err != nil {
		// Account IDs that are not Discord users have no roles to manage.
		return nil
	}
	if role, ok := s.cfg.Roles[d.NewTier]; ok {
		if err := s.rest.AddMemberRole(s.cfg.GuildID, user, role, rest.WithCtx(ctx)); err != nil {
			return fmt.Errorf("discord: add role %s to %s: %w", d.NewTier, d.AccountID, err)
		}
	}
	if role, ok := s.cfg.Roles[d.OldTier]; ok && d.OldTier != d.NewTier {
		if err := s.rest.RemoveMemberRole(s.cfg.GuildID, user, role, rest.WithCtx(ctx)); err != nil {
			return fmt.Errorf("discord: remove role %s from %s: %w", d.OldTier, d.AccountID, err)
		}
	}
	return nil
}
