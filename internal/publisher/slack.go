// Package publisher delivers approved records to the public Slack surface.
package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/utils"
)

const narrativeMaxLen = 300

// SlackPublisher posts incident and weather alert updates to each agency's
// configured channel. It satisfies the propagation scheduler's Publisher
// interface; delivery failures surface as errors so attempt accounting
// stays in the scheduler.
type SlackPublisher struct {
	client         *slack.Client
	resolver       *ChannelResolver
	defaultChannel string
}

// NewSlackPublisher creates a new Slack publisher
func NewSlackPublisher(botToken, defaultChannel string) *SlackPublisher {
	client := slack.New(botToken)
	return &SlackPublisher{
		client:         client,
		resolver:       NewChannelResolver(client),
		defaultChannel: defaultChannel,
	}
}

func (p *SlackPublisher) channelFor(agency *database.Agency) (string, error) {
	channel := agency.SlackChannel
	if channel == "" {
		channel = p.defaultChannel
	}
	if channel == "" {
		return "", fmt.Errorf("no channel configured for agency %s", agency.Slug)
	}
	return p.resolver.ResolveChannel(channel)
}

// PublishIncident posts one incident update
func (p *SlackPublisher) PublishIncident(ctx context.Context, agency *database.Agency, incident *database.Incident) error {
	channelID, err := p.channelFor(agency)
	if err != nil {
		return err
	}

	emoji := categoryEmoji(incident.CallCategory)
	header := "Incident"
	if incident.Status == database.IncidentStatusClosed {
		header = "Incident Cleared"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s: %s*\n", emoji, header, incident.CallType)
	fmt.Fprintf(&b, ":round_pushpin: *Location:* %s\n", utils.TitleCaseAddress(incident.Address))
	fmt.Fprintf(&b, ":fire_engine: *Units:* %s", formatUnits(incident.Units))

	if incident.Description != "" {
		fmt.Fprintf(&b, "\n:memo: %s", utils.TruncateText(incident.Description, narrativeMaxLen))
	}
	fmt.Fprintf(&b, "\n:clock3: Received %s", utils.FormatAge(incident.CallReceivedAt, time.Now()))

	_, _, err = p.client.PostMessageContext(
		ctx,
		channelID,
		slack.MsgOptionText(b.String(), false),
	)
	return err
}

// PublishAlert posts one weather alert update
func (p *SlackPublisher) PublishAlert(ctx context.Context, agency *database.Agency, alert *database.WeatherAlert) error {
	channelID, err := p.channelFor(agency)
	if err != nil {
		return err
	}

	header := "Weather Alert"
	switch alert.MessageType {
	case database.AlertMessageUpdate:
		header = "Weather Alert Update"
	case database.AlertMessageCancel:
		header = "Weather Alert Cancelled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s: %s*\n", severityEmoji(alert.Severity), header, alert.EventType)
	if alert.Headline != "" {
		fmt.Fprintf(&b, "%s\n", alert.Headline)
	}
	fmt.Fprintf(&b, ":warning: *Severity:* %s", alert.Severity)
	if alert.ExpiresAt != nil {
		fmt.Fprintf(&b, "\n:clock3: *Expires:* %s", alert.ExpiresAt.Format("Jan 2 3:04 PM MST"))
	}

	_, _, err = p.client.PostMessageContext(
		ctx,
		channelID,
		slack.MsgOptionText(b.String(), false),
	)
	return err
}

func formatUnits(units database.UnitList) string {
	active := make([]string, 0, len(units))
	for _, u := range units {
		if u.Active() {
			active = append(active, u.UnitID)
		}
	}
	if len(active) == 0 {
		return utils.FormatUnitCount(0)
	}
	return fmt.Sprintf("%s (%s)", utils.FormatUnitCount(len(active)), strings.Join(active, ", "))
}

func categoryEmoji(category database.CallCategory) string {
	switch category {
	case database.CallCategoryFire:
		return ":fire:"
	case database.CallCategoryMedical:
		return ":ambulance:"
	case database.CallCategoryRescue:
		return ":sos:"
	case database.CallCategoryHazmat:
		return ":biohazard_sign:"
	default:
		return ":rotating_light:"
	}
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "extreme":
		return ":red_circle:"
	case "severe":
		return ":large_orange_circle:"
	case "moderate":
		return ":large_yellow_circle:"
	default:
		return ":large_blue_circle:"
	}
}
