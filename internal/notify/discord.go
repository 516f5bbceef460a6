package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord embed limits.
const (
	discordTitleMax = 256
	discordDescMax  = 4096
)

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		url:    webhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username        string         `json:"username"`
	Embeds          []discordEmbed `json:"embeds"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	p := discordPayload{
		Username: "kolboard",
		Embeds: []discordEmbed{{
			Title:       clip(title, discordTitleMax),
			Description: clip(message, discordDescMax),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	}
	p.AllowedMentions.Parse = []string{}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("discord: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("discord: rate limited, retry after %ss", resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
