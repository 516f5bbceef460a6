package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordSender struct {
	name string
	err  error
	got  []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.got = append(r.got, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersAndSuppresses(t *testing.T) {
	a := &recordSender{name: "a"}
	n := NewNotifier([]Sender{a}, []string{EventPayoutFailed, " " + EventIntegrityFailure}, time.Minute, discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	_ = n.Notify(ctx, EventMarketSettled, "settled", "m1")
	_ = n.Notify(ctx, EventIntegrityFailure, "bad hash", "x")
	_ = n.Notify(ctx, EventIntegrityFailure, "bad hash", "x")
	now = now.Add(2 * time.Minute)
	_ = n.Notify(ctx, EventIntegrityFailure, "bad hash", "x")
	_ = n.Notify(ctx, EventPayoutFailed, "payout failed", "p1")

	if strings.Join(a.got, ",") != "bad hash,bad hash,payout failed" {
		t.Fatalf("got=%v", a.got)
	}
}

func TestDispatchContinuesPastFailure(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordSender{name: "bad", err: boom}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, discard())

	err := n.Notify(context.Background(), EventPayoutFailed, "t", "m")
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if len(good.got) != 1 {
		t.Fatalf("good sender skipped")
	}
}

func TestDiscordSender(t *testing.T) {
	var payload discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	if err := d.Send(context.Background(), "Payout failed", strings.Repeat("x", 5000)); err != nil {
		t.Fatal(err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds=%d", len(payload.Embeds))
	}
	e := payload.Embeds[0]
	if e.Title != "Payout failed" || len([]rune(e.Description)) != discordDescMax || e.Timestamp == "" {
		t.Fatalf("embed title=%q desc=%d ts=%q", e.Title, len([]rune(e.Description)), e.Timestamp)
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer fail.Close()
	err := NewDiscordSender(fail.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("429 err=%v", err)
	}
}

func TestFormatTelegramEscapes(t *testing.T) {
	got := formatTelegram("Payout failed", "p-1 (0x12.34)")
	if got != "*Payout failed*\np\\-1 \\(0x12\\.34\\)" {
		t.Fatalf("got=%q", got)
	}
}
