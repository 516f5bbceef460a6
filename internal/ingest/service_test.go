package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/rpc"
	"github.com/alanyoungcy/kolboard/internal/store/sqlite"
)

const (
	kol   = "0x00000000000000000000000000000000000000aa"
	other = "0x00000000000000000000000000000000000000bb"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, domain.Stores) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := db.Stores()
	if err := st.Wallets.Upsert(context.Background(), domain.TrackedWallet{ID: kol, TrackedSince: t0}); err != nil {
		t.Fatal(err)
	}
	svc := NewService(st.Wallets, st.Events, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return svc, st
}

func transfer(sig string, ts int64) string {
	return fmt.Sprintf(`{"signature":%q,"timestamp":%d,"nativeTransfers":[{"fromUserAccount":%q,"toUserAccount":%q,"amount":5}]}`,
		sig, ts, strings.ToUpper(kol[:2])+kol[2:], other)
}

func TestIngestArray(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	ts := t0.Add(time.Hour).Unix()

	body := "[" + strings.Join([]string{
		transfer("sig-1", ts),
		transfer("sig-1", ts),
		`{"timestamp":1}`,
		`42`,
		fmt.Sprintf(`{"signature":"sig-2","blockTime":"%d","feePayer":%q}`, ts+60, kol),
		`{"signature":"sig-3","timestamp":0}`,
	}, ",") + "]"

	res, err := svc.Ingest(ctx, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 6 || res.Inserted != 2 || res.Duplicates != 1 || res.Skipped != 3 || res.Linked != 3 {
		t.Fatalf("result=%+v", res)
	}

	evs, err := st.Events.ListForWallet(ctx, kol, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Signature != "sig-1" || evs[1].Signature != "sig-2" {
		t.Fatalf("events=%+v", evs)
	}
	if evs[1].Time() != time.Unix(ts+60, 0).UTC() {
		t.Fatalf("blockTime alias ignored: %v", evs[1].Time())
	}
	if n, _ := st.Events.ListForWallet(ctx, other, t0, t0.Add(24*time.Hour)); len(n) != 0 {
		t.Fatalf("untracked wallet linked: %+v", n)
	}
}

func TestIngestSingleObjectAndBadEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Ingest(context.Background(), []byte(transfer("sig-9", t0.Unix())))
	if err != nil || res.Inserted != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	for _, body := range []string{"", "  ", `"text"`, `[{"signature":`} {
		if _, err := svc.Ingest(context.Background(), []byte(body)); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("body %q err=%v", body, err)
		}
	}
}

type pagedHistory struct {
	pages map[string]map[string]string
	calls int
}

func (p *pagedHistory) History(_ context.Context, wallet, before string, _ int) ([]byte, error) {
	p.calls++
	if page, ok := p.pages[wallet][before]; ok {
		return []byte(page), nil
	}
	return []byte("[]"), nil
}

func TestBackfillPagesAndResumes(t *testing.T) {
	now := t0.Add(48 * time.Hour)
	src := &pagedHistory{pages: map[string]map[string]string{
		kol: {
			"":      "[" + transfer("s3", now.Add(-time.Hour).Unix()) + "," + transfer("s2", now.Add(-2*time.Hour).Unix()) + "]",
			"s2":    "[" + transfer("s1", now.Add(-3*time.Hour).Unix()) + "]",
			"never": "[]",
		},
	}}
	svc, st := newTestService(t, WithHistory(src, 2, 5, 7*24*time.Hour))
	svc.now = func() time.Time { return now }
	ctx := context.Background()
	if err := st.Wallets.Upsert(ctx, domain.TrackedWallet{ID: other, TrackedSince: t0}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Backfill(ctx, "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Wallets != 2 || res.Inserted != 3 || res.Remaining != 0 || res.Cursor != "" {
		t.Fatalf("res=%+v", res)
	}
	if src.calls != 3 {
		t.Fatalf("history calls=%d want 3", src.calls)
	}

	resumed, err := svc.Backfill(ctx, kol, time.Minute)
	if err != nil || resumed.Wallets != 1 {
		t.Fatalf("resumed=%+v err=%v", resumed, err)
	}
}

func TestBackfillBudget(t *testing.T) {
	src := &pagedHistory{}
	svc, st := newTestService(t, WithHistory(src, 10, 1, time.Hour))
	ctx := context.Background()
	if err := st.Wallets.Upsert(ctx, domain.TrackedWallet{ID: other, TrackedSince: t0}); err != nil {
		t.Fatal(err)
	}
	var ticks int
	svc.now = func() time.Time {
		ticks++
		return t0.Add(time.Duration(ticks) * time.Minute)
	}

	res, err := svc.Backfill(ctx, "", 90*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Wallets != 1 || res.Remaining != 1 || res.Cursor != kol {
		t.Fatalf("res=%+v", res)
	}
}

func TestIndexerFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	var gotQuery string
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/addresses/"+kol+"/transactions" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer good.Close()

	x := NewIndexer(rpc.DefaultPolicy(bad.URL, good.URL), "k")
	body, err := x.History(context.Background(), kol, "sig-5", 25)
	if err != nil || string(body) != "[]" {
		t.Fatalf("body=%s err=%v", body, err)
	}
	for _, want := range []string{"api-key=k", "before=sig-5", "limit=25"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %s", gotQuery, want)
		}
	}
}
