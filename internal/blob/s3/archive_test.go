package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func TestSnapshotArchiveRoundTrip(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}}
	a := NewSnapshotArchive(blobs, blobs)
	ctx := context.Background()
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	snap := domain.Snapshot{
		WindowKey:   domain.WindowWeekly,
		WindowEnd:   end,
		ContentHash: "0xabc",
		RefPrice:    decimal.RequireFromString("142.35"),
		Entries: []domain.RankedEntry{
			{Rank: 1, WalletID: "0xaa", ProfitNative: 10, ProfitDisplay: decimal.RequireFromString("0.0000014235"), Eligible: true},
		},
	}
	path, err := a.Put(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if path != "snapshots/weekly/1772323200.json" {
		t.Fatalf("path=%s", path)
	}

	again := snap
	again.ContentHash = "0xdef"
	if _, err := a.Put(ctx, again); err != nil {
		t.Fatal(err)
	}

	got, err := a.Get(ctx, domain.WindowWeekly, end)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != "0xabc" || !got.RefPrice.Equal(snap.RefPrice) || len(got.Entries) != 1 || !got.Entries[0].ProfitDisplay.Equal(snap.Entries[0].ProfitDisplay) {
		t.Fatalf("got=%+v", got)
	}

	if _, err := a.Get(ctx, domain.WindowDaily, end); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing archive err=%v", err)
	}
	if infos, _ := a.List(ctx, domain.WindowWeekly); len(infos) != 1 {
		t.Fatalf("list=%+v", infos)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	if got := normaliseEndpoint("minio:9000", false); got != "http://minio:9000" {
		t.Fatalf("got=%s", got)
	}
	if got := normaliseEndpoint("https://e2.example.com", false); got != "https://e2.example.com" {
		t.Fatalf("got=%s", got)
	}
}
